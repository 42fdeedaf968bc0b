package dataset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrEmptySnapshot is returned when a refresh yields no properties while a
// non-empty snapshot is being served. The previous snapshot stays current.
var ErrEmptySnapshot = errors.New("dataset refresh produced no properties")

// Source loads a complete dataset.
type Source interface {
	Load(ctx context.Context) ([]Property, error)
}

// Store serves the current dataset snapshot. Readers never block; a refresh
// builds a new snapshot off to the side and swaps it in atomically.
type Store struct {
	source  Source
	logger  *zap.Logger
	current atomic.Pointer[Snapshot]
	gen     atomic.Uint64
	mu      sync.Mutex // serializes refreshes
	now     func() time.Time
}

// NewStore creates a store serving an empty generation-0 snapshot.
func NewStore(source Source, logger *zap.Logger) *Store {
	s := &Store{
		source: source,
		logger: logger.Named("dataset"),
		now:    time.Now,
	}
	s.current.Store(&Snapshot{})
	return s
}

// Current returns the snapshot being served. Never nil.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Refresh loads the dataset from the source and swaps it in. On failure the
// previous snapshot keeps serving.
func (s *Store) Refresh(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := s.now()
	props, err := s.source.Load(ctx)
	if err != nil {
		s.logger.Error("Dataset refresh failed, keeping previous snapshot",
			zap.Uint64("generation", s.Current().Generation),
			zap.Error(err))
		return nil, fmt.Errorf("load dataset: %w", err)
	}

	if len(props) == 0 && s.Current().Len() > 0 {
		s.logger.Warn("Dataset refresh returned no properties, keeping previous snapshot",
			zap.Int("current_size", s.Current().Len()))
		return nil, ErrEmptySnapshot
	}

	snap := s.swap(props)
	s.logger.Info("Dataset refreshed",
		zap.Uint64("generation", snap.Generation),
		zap.Int("properties", snap.Len()),
		zap.Duration("elapsed", s.now().Sub(started)))
	return snap, nil
}

// Replace swaps in the given properties directly.
func (s *Store) Replace(props []Property) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swap(props)
}

func (s *Store) swap(props []Property) *Snapshot {
	owned := make([]Property, len(props))
	copy(owned, props)
	for i := range owned {
		owned[i].Index = i
	}
	snap := &Snapshot{
		Generation: s.gen.Add(1),
		LoadedAt:   s.now(),
		Properties: owned,
	}
	s.current.Store(snap)
	return snap
}
