package telegram

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
)

// State is the supervisor's polling lifecycle state.
type State int

const (
	// Stopped: not polling; either never started or restarts exhausted.
	Stopped State = iota
	// Starting: initial start in progress.
	Starting
	// Running: polling is live.
	Running
	// Restarting: a conflict recovery is in progress.
	Restarting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Restarting:
		return "restarting"
	}
	return "unknown"
}

// Conn is the polling connection the supervisor manages. The adapter's
// long-poll loop implements it; tests substitute a fake.
type Conn interface {
	// Clear removes any webhook and drops the pending update backlog.
	Clear(ctx context.Context) error
	// Start begins long polling. It returns once polling is live.
	Start(ctx context.Context) error
	// Stop halts polling. Safe to call when not polling.
	Stop()
}

// restartBackoffs are the waits before each recovery attempt. After the
// last one fails the supervisor gives up.
var restartBackoffs = []time.Duration{
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
}

// IsConflict reports whether err is a 409 conflict: another getUpdates
// consumer (typically a deploy overlap) owns the session.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == 409 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "409") || strings.Contains(msg, "conflict")
}

// Supervisor owns the polling connection's lifecycle. When polling dies
// with a 409 conflict it stops the connection, backs off, and restarts,
// escalating through restartBackoffs before giving up. Recoveries are
// serialized: conflict signals that arrive while one is already in
// progress (or after the supervisor has given up) are dropped.
type Supervisor struct {
	conn Conn

	mu    sync.Mutex
	state State

	sleep func(ctx context.Context, d time.Duration) bool
}

// NewSupervisor creates a Supervisor for the given connection.
func NewSupervisor(conn Conn) *Supervisor {
	return &Supervisor{
		conn:  conn,
		sleep: sleepCtx,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start clears stale webhook state and begins polling. A failed clear is
// logged but not fatal; a failed start is.
func (s *Supervisor) Start(ctx context.Context) error {
	s.setState(Starting)
	if err := s.conn.Clear(ctx); err != nil {
		log.Printf("telegram: supervisor: clear webhook: %v", err)
	}
	if err := s.conn.Start(ctx); err != nil {
		s.setState(Stopped)
		return err
	}
	s.setState(Running)
	log.Printf("telegram: supervisor: polling started")
	return nil
}

// Stop halts polling.
func (s *Supervisor) Stop() {
	s.conn.Stop()
	s.setState(Stopped)
}

// OnError feeds a polling error to the supervisor. Conflicts trigger a
// recovery when polling is live; everything else is just logged. The
// recovery runs on the caller's goroutine.
func (s *Supervisor) OnError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if !IsConflict(err) {
		log.Printf("telegram: supervisor: poll error: %v", err)
		return
	}

	s.mu.Lock()
	if s.state != Running {
		// A recovery is already in progress, or we've given up.
		s.mu.Unlock()
		log.Printf("telegram: supervisor: conflict dropped state=%s", s.state)
		return
	}
	s.state = Restarting
	s.mu.Unlock()

	s.restart(ctx, err)
}

// restart walks the backoff ladder until polling comes back or the
// ladder is exhausted.
func (s *Supervisor) restart(ctx context.Context, cause error) {
	for _, backoff := range restartBackoffs {
		log.Printf("telegram: supervisor: restarting polling backoff=%s cause=%v", backoff, cause)
		s.conn.Stop()
		if !s.sleep(ctx, backoff) {
			s.setState(Stopped)
			return
		}
		if err := s.conn.Clear(ctx); err != nil {
			log.Printf("telegram: supervisor: clear webhook: %v", err)
		}
		if err := s.conn.Start(ctx); err != nil {
			log.Printf("telegram: supervisor: restart attempt failed: %v", err)
			continue
		}
		s.setState(Running)
		log.Printf("telegram: supervisor: polling restarted")
		return
	}
	s.setState(Stopped)
	log.Printf("telegram: supervisor: restart exhausted; polling stopped cause=%v", cause)
}

// sleepCtx waits for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
