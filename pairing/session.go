package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reown-com/appkit-go/caip"
)

// Status is the lifecycle state of one pairing attempt.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusAwaitingApproval Status = "awaiting-approval"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusExpired          Status = "expired"
	StatusError            Status = "error"
)

// DefaultExpiry matches the pairing window of the WalletConnect relay.
// Expiry is always enforced locally even if the relay's own expiry event
// is lost in transit.
const DefaultExpiry = 4 * time.Minute

var (
	ErrRejected = errors.New("pairing_rejected")
	ErrExpired  = errors.New("pairing_expired")
	ErrCanceled = errors.New("pairing_canceled")
)

// Result is the account data a wallet approved the session with.
type Result struct {
	Address  string
	Accounts []string
	ChainID  string
	// Topic identifies the relay session for WalletConnect pairings,
	// empty for direct provider connections.
	Topic string
}

// Session represents one in-flight or completed handshake with a remote
// signer. A session is one-shot: it is created for a connect attempt and
// discarded when the attempt concludes; retries get a brand-new one.
type Session struct {
	ID          string
	Namespace   caip.Namespace
	ConnectorID string

	mu     sync.Mutex
	uri    string
	topic  string
	status Status
	err    error
	timer  *time.Timer
	done   chan struct{}
	result Result
}

// NewSession creates an idle session for one connect attempt.
func NewSession(namespace caip.Namespace, connectorID string) *Session {
	return &Session{
		ID:          uuid.New().String(),
		Namespace:   namespace,
		ConnectorID: connectorID,
		status:      StatusIdle,
		done:        make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// URI returns the pairing URI, empty until the relay produced one and
// always empty for direct provider connections.
func (s *Session) URI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uri
}

// Topic returns the relay session topic, if any.
func (s *Session) Topic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topic
}

// Err returns the failure reason for rejected/expired/error sessions.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// AwaitApproval marks the session as waiting for the remote party and arms
// the local expiry timer. expiry <= 0 falls back to DefaultExpiry.
func (s *Session) AwaitApproval(uri, topic string, expiry time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusIdle {
		return fmt.Errorf("session %s is %s, cannot await approval", s.ID, s.status)
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	s.uri = uri
	s.topic = topic
	s.status = StatusAwaitingApproval
	s.timer = time.AfterFunc(expiry, s.expire)
	return nil
}

// Approve completes the session with the wallet's account data.
func (s *Session) Approve(result Result) {
	s.finish(StatusApproved, nil, result)
}

// Reject records a user rejection. Rejections are never retried
// automatically.
func (s *Session) Reject(reason string) {
	if reason == "" {
		reason = "connection request was rejected"
	}
	s.finish(StatusRejected, fmt.Errorf("%w: %s", ErrRejected, reason), Result{})
}

// Fail records a transport or provider failure, preserving the cause for
// display.
func (s *Session) Fail(cause error) {
	if cause == nil {
		cause = errors.New("unknown pairing failure")
	}
	s.finish(StatusError, cause, Result{})
}

// ConcludeErr maps a terminal error onto the matching session status:
// rejection and expiry keep their dedicated states, everything else is a
// transport or provider error.
func (s *Session) ConcludeErr(cause error) {
	switch {
	case cause == nil:
		s.Fail(errors.New("unknown pairing failure"))
	case errors.Is(cause, ErrRejected):
		s.finish(StatusRejected, cause, Result{})
	case errors.Is(cause, ErrExpired):
		s.finish(StatusExpired, cause, Result{})
	default:
		s.Fail(cause)
	}
}

// Cancel aborts the attempt, used for last-writer-wins replacement and
// teardown.
func (s *Session) Cancel() {
	s.finish(StatusError, ErrCanceled, Result{})
}

func (s *Session) expire() {
	s.finish(StatusExpired, ErrExpired, Result{})
}

// finish applies the first terminal transition and ignores the rest: the
// local timer, the relay and the caller may race to conclude a session.
func (s *Session) finish(status Status, err error, result Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusApproved, StatusRejected, StatusExpired, StatusError:
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.status = status
	s.err = err
	s.result = result
	close(s.done)
}

// Await blocks until the session concludes or ctx is done. On approval it
// returns the wallet's account data; otherwise the failure reason.
func (s *Session) Await(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		s.Fail(ctx.Err())
		return Result{}, ctx.Err()
	case <-s.done:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusApproved {
		return s.result, nil
	}
	return Result{}, s.err
}
