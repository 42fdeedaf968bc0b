// Package channels drives the management-company portals (イタンジBB,
// いえらぶBB, いい生活スクエア) that give a definitive vacancy signal.
//
// A Driver logs in, keeps the login alive and queries a listing. It never
// decides what a status word means; Classify does that from per-channel tables.
package channels

import (
	"context"
	"errors"

	"github.com/akikaku/akikaku-engine/pkg/models"
)

var (
	// ErrAuth means the portal rejected the credentials or the login expired.
	ErrAuth = errors.New("channel authentication failed")
	// ErrNotConfigured means no credentials exist for the channel.
	ErrNotConfigured = errors.New("channel credentials not configured")
	// ErrTransient marks a failure worth retrying (network, 5xx, throttling).
	ErrTransient = errors.New("transient channel failure")
)

// transientError wraps a cause so that errors.Is(err, ErrTransient) holds and
// the retry package treats it as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string        { return "transient: " + e.err.Error() }
func (e *transientError) Unwrap() error        { return e.err }
func (e *transientError) Is(target error) bool { return target == ErrTransient }
func (e *transientError) IsRetryable() bool    { return true }

// Transient marks err as a retryable channel failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Handle is an authenticated portal session. Only the driver that created it
// can use it.
type Handle interface {
	Channel() models.Channel
}

// Query identifies the listing to look up.
type Query struct {
	Name string
	Room string
}

// Keyword is the search string sent to portals with a single search box.
func (q Query) Keyword() string {
	if q.Room == "" {
		return q.Name
	}
	return q.Name + " " + q.Room
}

// Signal is the raw status text a portal showed for the listing.
type Signal string

// SignalNoListing is reported when the portal has no such listing.
const SignalNoListing Signal = "該当なし"

// Driver automates one channel portal.
type Driver interface {
	Channel() models.Channel
	Configured() bool
	Login(ctx context.Context) (Handle, error)
	// Probe returns ErrAuth when the session is no longer logged in.
	Probe(ctx context.Context, h Handle) error
	Query(ctx context.Context, h Handle, q Query) (Signal, error)
}
