package killswitch

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cmorris/tradeforge/internal/observ"
)

// ErrHalted is returned by components that refuse work while the switch is tripped.
var ErrHalted = errors.New("system halted")

// Switch is the process-wide halt flag. It trips on an OS interrupt, on an
// explicit Trip call, or when an external sentinel file appears. Once tripped
// it never untrips for the life of the process; tests use Reset.
type Switch struct {
	mu           sync.RWMutex
	tripped      bool
	reason       string
	sentinelPath string
	callbacks    []func(reason string)

	ctx    context.Context
	cancel context.CancelFunc
}

func New(sentinelPath string) *Switch {
	ctx, cancel := context.WithCancel(context.Background())
	return &Switch{
		sentinelPath: sentinelPath,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Context is cancelled when the switch trips. All blocking calls in the
// engine derive from it so a trip unwinds in-flight work.
func (s *Switch) Context() context.Context {
	return s.ctx
}

// OnTrip registers a shutdown callback. Callbacks run exactly once, in
// registration order, on the goroutine that trips the switch.
func (s *Switch) OnTrip(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

// Trip halts the process-wide state and runs registered callbacks.
// Subsequent calls are no-ops.
func (s *Switch) Trip(reason string) {
	s.mu.Lock()
	if s.tripped {
		s.mu.Unlock()
		return
	}
	s.tripped = true
	s.reason = reason
	callbacks := make([]func(string), len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	observ.Log("kill_switch_tripped", map[string]any{"reason": reason})
	observ.IncCounter("kill_switch_trips_total", map[string]string{"reason": reason})

	for _, fn := range callbacks {
		fn(reason)
	}
	s.cancel()
}

// Halted reports whether the switch is tripped, checking the external
// sentinel marker as a second trigger. Checked at the start of every risk
// decision and immediately before every execution call.
func (s *Switch) Halted() (bool, string) {
	s.mu.RLock()
	tripped, reason := s.tripped, s.reason
	s.mu.RUnlock()
	if tripped {
		return true, reason
	}

	if s.sentinelPath != "" {
		if _, err := os.Stat(s.sentinelPath); err == nil {
			s.Trip("sentinel_present")
			return true, "sentinel_present"
		}
	}
	return false, ""
}

// Bind wires SIGINT/SIGTERM to the switch. The returned stop func releases
// the signal handler.
func (s *Switch) Bind() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			s.Trip("os_signal_" + sig.String())
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// Reset rearms a tripped switch. Test use only.
func (s *Switch) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tripped = false
	s.reason = ""
	s.ctx, s.cancel = context.WithCancel(context.Background())
}
