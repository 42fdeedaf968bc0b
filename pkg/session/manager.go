// Package session keeps one authenticated session per channel portal alive
// and hands out exclusive leases on it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/akikaku/akikaku-engine/pkg/apperrors"
	"github.com/akikaku/akikaku-engine/pkg/channels"
	"github.com/akikaku/akikaku-engine/pkg/config"
	"github.com/akikaku/akikaku-engine/pkg/logging"
	"github.com/akikaku/akikaku-engine/pkg/models"
)

var (
	// ErrAcquireTimeout is returned when no lease became available in time.
	ErrAcquireTimeout = errors.New("timed out acquiring channel session")
	// ErrChannelDead is returned when a channel exhausted its re-login budget
	// and a fresh login failed as well.
	ErrChannelDead = errors.New("channel session is dead")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session manager closed")
)

const (
	DefaultAcquireTimeout    = 30 * time.Second
	DefaultMaxReauthFailures = 3
	DefaultLoginTimeout      = 60 * time.Second
	DefaultProbeTimeout      = 20 * time.Second
)

// slot holds the canonical session of one channel. The semaphore outlives
// any individual session so that re-creation never widens concurrency.
type slot struct {
	channel models.Channel
	driver  channels.Driver
	sem     *semaphore.Weighted

	mu            sync.Mutex
	handle        channels.Handle
	health        models.SessionHealth
	failures      int
	lastHeartbeat time.Time
	lastUsed      time.Time
}

// Manager owns channel sessions. Sessions are never exposed for mutation;
// callers get a Lease that must be released.
type Manager struct {
	mu      sync.RWMutex
	slots   map[models.Channel]*slot
	stopped bool

	group singleflight.Group

	acquireTimeout    time.Duration
	maxReauthFailures int
	loginTimeout      time.Duration
	probeTimeout      time.Duration

	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a manager with one slot per driver.
func NewManager(drivers map[models.Channel]channels.Driver, cfg config.SessionConfig, logger *zap.Logger) *Manager {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.MaxConcurrentUses <= 0 {
		cfg.MaxConcurrentUses = 1
	}
	if cfg.MaxReauthFailures <= 0 {
		cfg.MaxReauthFailures = DefaultMaxReauthFailures
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = DefaultLoginTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	m := &Manager{
		slots:             make(map[models.Channel]*slot, len(drivers)),
		acquireTimeout:    cfg.AcquireTimeout,
		maxReauthFailures: cfg.MaxReauthFailures,
		loginTimeout:      cfg.LoginTimeout,
		probeTimeout:      cfg.ProbeTimeout,
		logger:            logger.Named("session"),
		now:               time.Now,
	}
	for ch, d := range drivers {
		m.slots[ch] = &slot{
			channel: ch,
			driver:  d,
			sem:     semaphore.NewWeighted(cfg.MaxConcurrentUses),
			health:  models.SessionAbsent,
		}
	}
	return m
}

// Lease grants exclusive use of a channel session until Release.
type Lease struct {
	Channel models.Channel
	Handle  channels.Handle

	m    *Manager
	slot *slot
	once sync.Once
}

// Release returns the lease. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.slot.mu.Lock()
		l.slot.lastUsed = l.m.now()
		l.slot.mu.Unlock()
		l.slot.sem.Release(1)
	})
}

// Query runs a listing lookup on the leased session.
func (l *Lease) Query(ctx context.Context, q channels.Query) (channels.Signal, error) {
	return l.slot.driver.Query(ctx, l.Handle, q)
}

// Invalidate reports that the portal rejected this lease's session. The
// session is dropped unless it was already replaced.
func (l *Lease) Invalidate() {
	l.m.invalidate(l.slot, l.Handle)
}

// Acquire waits for exclusive use of the channel's session, logging in when
// there is none. Waiting is bounded by the acquire timeout.
func (m *Manager) Acquire(ctx context.Context, channel models.Channel) (*Lease, error) {
	s, err := m.slot(channel)
	if err != nil {
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, m.acquireTimeout)
	defer cancel()

	if err := s.sem.Acquire(actx, 1); err != nil {
		return nil, m.acquireErr(ctx, channel, err)
	}

	h, err := m.ensureHandle(actx, s)
	if err != nil {
		s.sem.Release(1)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, m.acquireErr(ctx, channel, err)
		}
		return nil, err
	}

	return &Lease{Channel: channel, Handle: h, m: m, slot: s}, nil
}

func (m *Manager) acquireErr(parent context.Context, channel models.Channel, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	m.logger.Warn("Session acquire timed out",
		zap.String("channel", string(channel)),
		zap.Duration("timeout", m.acquireTimeout))
	return fmt.Errorf("%w: %s", ErrAcquireTimeout, channel)
}

// ensureHandle returns the live handle or logs in. Concurrent creators for
// the same channel share one login.
func (m *Manager) ensureHandle(ctx context.Context, s *slot) (channels.Handle, error) {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h != nil {
		return h, nil
	}

	ch := m.group.DoChan(string(s.channel), func() (any, error) {
		// Detached: the login is shared, so one caller's deadline must not cut it short.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.loginTimeout)
		defer cancel()
		return m.login(lctx, s)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(channels.Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) login(ctx context.Context, s *slot) (channels.Handle, error) {
	s.mu.Lock()
	if s.handle != nil {
		h := s.handle
		s.mu.Unlock()
		return h, nil
	}
	wasDead := s.health == models.SessionDead
	s.mu.Unlock()

	h, err := s.driver.Login(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		if errors.Is(err, channels.ErrNotConfigured) {
			return nil, err
		}
		s.failures++
		m.logger.Warn("Channel login failed",
			zap.String("channel", string(s.channel)),
			zap.Int("consecutive_failures", s.failures),
			zap.String("error", logging.SanitizeError(err)))
		if wasDead || s.failures >= m.maxReauthFailures {
			s.health = models.SessionDead
			return nil, fmt.Errorf("%w: %s: %w", ErrChannelDead, s.channel, err)
		}
		s.health = models.SessionDegraded
		return nil, err
	}

	s.handle = h
	s.health = models.SessionHealthy
	s.failures = 0
	s.lastHeartbeat = m.now()
	m.logger.Info("Channel session created", zap.String("channel", string(s.channel)))
	return h, nil
}

// Invalidate drops the channel's current session so that the next Acquire
// logs in again.
func (m *Manager) Invalidate(channel models.Channel) {
	s, err := m.slot(channel)
	if err != nil {
		return
	}
	m.invalidate(s, nil)
}

func (m *Manager) invalidate(s *slot, stale channels.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil || (stale != nil && s.handle != stale) {
		return
	}
	s.handle = nil
	s.health = models.SessionDegraded
	m.logger.Info("Channel session invalidated", zap.String("channel", string(s.channel)))
}

// Heartbeat probes every live session concurrently. Sessions in use are
// skipped. A failed probe triggers a silent re-login; if that fails too the
// session is dropped and degraded, and later heartbeats keep logging in.
// After the configured number of consecutive failures the channel is dead.
func (m *Manager) Heartbeat(ctx context.Context) error {
	m.mu.RLock()
	if m.stopped {
		m.mu.RUnlock()
		return ErrClosed
	}
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range slots {
		g.Go(func() error {
			m.heartbeatOne(gctx, s)
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) heartbeatOne(ctx context.Context, s *slot) {
	s.mu.Lock()
	h := s.handle
	degraded := s.health == models.SessionDegraded
	s.mu.Unlock()
	if h == nil && !degraded {
		return
	}

	if !s.sem.TryAcquire(1) {
		m.logger.Debug("Session busy, skipping heartbeat", zap.String("channel", string(s.channel)))
		return
	}
	defer s.sem.Release(1)

	if h == nil {
		// An earlier re-login failed; keep trying so failures still add up.
		lctx, cancel := context.WithTimeout(ctx, m.loginTimeout)
		defer cancel()
		_, _, _ = m.group.Do(string(s.channel), func() (any, error) {
			return m.login(lctx, s)
		})
		return
	}

	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := s.driver.Probe(pctx, h)
	cancel()

	if err == nil {
		s.mu.Lock()
		s.health = models.SessionHealthy
		s.failures = 0
		s.lastHeartbeat = m.now()
		s.mu.Unlock()
		return
	}

	m.logger.Warn("Session probe failed, logging in again",
		zap.String("channel", string(s.channel)),
		zap.String("error", logging.SanitizeError(err)))

	lctx, cancel := context.WithTimeout(ctx, m.loginTimeout)
	fresh, lerr := s.driver.Login(lctx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if lerr == nil {
		s.handle = fresh
		s.health = models.SessionHealthy
		s.failures = 0
		s.lastHeartbeat = m.now()
		return
	}

	s.failures++
	if s.failures >= m.maxReauthFailures {
		s.handle = nil
		s.health = models.SessionDead
		m.logger.Error("Channel session is dead",
			zap.String("channel", string(s.channel)),
			zap.Int("consecutive_failures", s.failures),
			zap.String("error", logging.SanitizeError(lerr)))
		return
	}
	// The probe already rejected h, so it must not be handed out again.
	s.handle = nil
	s.health = models.SessionDegraded
	m.logger.Warn("Channel re-login failed, session dropped",
		zap.String("channel", string(s.channel)),
		zap.Int("consecutive_failures", s.failures),
		zap.String("error", logging.SanitizeError(lerr)))
}

// Status reports configuration and session health for every canonical channel.
func (m *Manager) Status() []models.ChannelStatus {
	out := make([]models.ChannelStatus, 0, len(models.AllChannels))
	for _, ch := range models.AllChannels {
		st := models.ChannelStatus{
			Channel:     ch,
			DisplayName: ch.DisplayName(),
			Health:      models.SessionAbsent,
		}
		m.mu.RLock()
		s, ok := m.slots[ch]
		m.mu.RUnlock()
		if ok {
			s.mu.Lock()
			st.Configured = s.driver.Configured()
			st.Health = s.health
			st.Failures = s.failures
			if !s.lastHeartbeat.IsZero() {
				hb := s.lastHeartbeat
				st.LastHeartbeat = &hb
			}
			s.mu.Unlock()
		}
		out = append(out, st)
	}
	return out
}

// Configured reports whether the channel has credentials.
func (m *Manager) Configured(channel models.Channel) bool {
	s, err := m.slot(channel)
	return err == nil && s.driver.Configured()
}

// Close drops every session. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	for _, s := range m.slots {
		s.mu.Lock()
		s.handle = nil
		s.health = models.SessionAbsent
		s.mu.Unlock()
	}
	m.logger.Info("Session manager closed")
}

func (m *Manager) slot(channel models.Channel) (*slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return nil, ErrClosed
	}
	s, ok := m.slots[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidChannel, channel)
	}
	return s, nil
}
