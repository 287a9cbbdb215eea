package lsp

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/dshills/lsphub/internal/logging"
)

// SupervisorEventType identifies the type of supervisor event.
type SupervisorEventType int

const (
	// SupervisorEventCrash indicates the server process exited unexpectedly.
	SupervisorEventCrash SupervisorEventType = iota
	// SupervisorEventRestarting indicates a restart attempt is scheduled.
	SupervisorEventRestarting
	// SupervisorEventRecovered indicates the server is ready again.
	SupervisorEventRecovered
	// SupervisorEventFailed indicates restarts are exhausted.
	SupervisorEventFailed
)

// String returns a human-readable event type name.
func (t SupervisorEventType) String() string {
	switch t {
	case SupervisorEventCrash:
		return "crash"
	case SupervisorEventRestarting:
		return "restarting"
	case SupervisorEventRecovered:
		return "recovered"
	case SupervisorEventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SupervisorEvent reports a crash-recovery step for one server.
type SupervisorEvent struct {
	Type      SupervisorEventType
	Server    string
	Error     error
	Attempt   int
	NextRetry time.Duration
}

// Supervisor owns the crash-recovery loop of one server instance. When the
// process exits unexpectedly it restarts the instance with exponential
// backoff, bounded by the instance's RestartPolicy, and invokes the
// recovery hook after each successful restart so open documents can be
// re-announced to the fresh process.
type Supervisor struct {
	inst   *ServerInstance
	policy RestartPolicy

	// onRecovered runs after a successful restart, before the instance is
	// reported recovered. Used to resync open documents.
	onRecovered func(*ServerInstance)

	mu           sync.Mutex
	folders      []WorkspaceFolder
	restartCount int
	lastStart    time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	eventCh  chan SupervisorEvent
	stopOnce sync.Once
	done     chan struct{}
}

// NewSupervisor creates a supervisor for the instance. The recovery hook
// may be nil.
func NewSupervisor(inst *ServerInstance, onRecovered func(*ServerInstance)) *Supervisor {
	return &Supervisor{
		inst:        inst,
		policy:      inst.Config().Restart,
		onRecovered: onRecovered,
		eventCh:     make(chan SupervisorEvent, 16),
		done:        make(chan struct{}),
	}
}

// Instance returns the supervised server instance.
func (s *Supervisor) Instance() *ServerInstance { return s.inst }

// Events returns the supervisor's event stream. Events are dropped if the
// consumer falls behind.
func (s *Supervisor) Events() <-chan SupervisorEvent { return s.eventCh }

// RestartCount returns the restart attempts in the current crash window.
func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// Start launches the instance and begins monitoring for crashes.
func (s *Supervisor) Start(ctx context.Context, folders []WorkspaceFolder) error {
	s.mu.Lock()
	s.folders = folders
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.lastStart = time.Now()
	s.mu.Unlock()

	if err := s.inst.Start(s.ctx, folders); err != nil {
		// The initial launch failed; the monitor loop still runs so the
		// backoff machinery gets a chance to bring the server up.
		go s.monitor()
		return err
	}

	go s.monitor()
	return nil
}

// monitor consumes process exits and drives recovery.
func (s *Supervisor) monitor() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.done:
			return
		case exitErr := <-s.inst.ExitEvents():
			if s.inst.State() == StateStopped {
				return
			}
			if !s.recover(exitErr) {
				return
			}
		}
	}
}

// recover retries the instance with backoff until it is ready again or the
// restart budget is spent. Returns false when monitoring should end.
func (s *Supervisor) recover(exitErr error) bool {
	for {
		s.mu.Lock()

		if time.Since(s.lastStart) > s.policy.ResetWindow {
			s.restartCount = 0
		}
		s.restartCount++
		attempt := s.restartCount
		s.mu.Unlock()

		s.emit(SupervisorEvent{
			Type:    SupervisorEventCrash,
			Server:  s.inst.Name(),
			Error:   exitErr,
			Attempt: attempt,
		})

		if attempt > s.policy.MaxRestarts {
			logging.Error("server restarts exhausted", "server", s.inst.Name(), "attempts", attempt-1)
			s.emit(SupervisorEvent{
				Type:    SupervisorEventFailed,
				Server:  s.inst.Name(),
				Error:   exitErr,
				Attempt: attempt,
			})
			// Budget spent: the instance is out of service for good.
			_ = s.inst.Shutdown(context.Background())
			return false
		}

		delay := CalculateBackoff(attempt, s.policy.InitialBackoff, s.policy.MaxBackoff, s.policy.Multiplier)
		s.inst.MarkRestarting()
		s.emit(SupervisorEvent{
			Type:      SupervisorEventRestarting,
			Server:    s.inst.Name(),
			Attempt:   attempt,
			NextRetry: delay,
		})
		logging.Info("restarting server", "server", s.inst.Name(), "attempt", attempt, "backoff", delay)

		select {
		case <-s.ctx.Done():
			return false
		case <-s.done:
			return false
		case <-time.After(delay):
		}

		if s.inst.State() == StateStopped {
			return false
		}

		s.mu.Lock()
		folders := s.folders
		s.lastStart = time.Now()
		s.mu.Unlock()

		if err := s.inst.Start(s.ctx, folders); err != nil {
			exitErr = err
			// Drain the exit event the failed start produced so the monitor
			// loop does not double-count this crash.
			select {
			case <-s.inst.ExitEvents():
			default:
			}
			continue
		}

		if s.onRecovered != nil {
			s.onRecovered(s.inst)
		}

		s.emit(SupervisorEvent{
			Type:    SupervisorEventRecovered,
			Server:  s.inst.Name(),
			Attempt: attempt,
		})
		logging.Info("server recovered", "server", s.inst.Name(), "attempt", attempt)
		return true
	}
}

// Stop ends monitoring and shuts the instance down.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
	return s.inst.Shutdown(ctx)
}

// emit delivers an event without blocking the recovery loop.
func (s *Supervisor) emit(ev SupervisorEvent) {
	select {
	case s.eventCh <- ev:
	default:
	}
}

// CalculateBackoff returns the delay before restart attempt n.
// Attempt 1 waits the initial duration; each later attempt multiplies it,
// capped at max.
func CalculateBackoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 1 {
		return initial
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
