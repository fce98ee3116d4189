package record

import "sync/atomic"

// Key names handled by Events.
const (
	KeyExitEarly = "right"
	KeyRerecord  = "left"
	KeyStop      = "esc"
)

// Events are the operator's requests to a running session. They are set
// from the UI goroutine and consumed by the recording loop.
type Events struct {
	exitEarly atomic.Bool
	rerecord  atomic.Bool
	stop      atomic.Bool
}

// ExitEarly ends the current episode or reset period.
func (e *Events) ExitEarly() {
	e.exitEarly.Store(true)
}

// Rerecord discards the current episode and records it again.
func (e *Events) Rerecord() {
	e.rerecord.Store(true)
	e.exitEarly.Store(true)
}

// Stop ends the session after saving the current episode.
func (e *Events) Stop() {
	e.stop.Store(true)
	e.exitEarly.Store(true)
}

// HandleKey maps right/left/esc to ExitEarly/Rerecord/Stop and reports
// whether the key was one of them.
func (e *Events) HandleKey(key string) bool {
	switch key {
	case KeyExitEarly:
		e.ExitEarly()
	case KeyRerecord:
		e.Rerecord()
	case KeyStop:
		e.Stop()
	default:
		return false
	}
	return true
}

// Stopped reports whether Stop was requested.
func (e *Events) Stopped() bool {
	return e.stop.Load()
}

// Rerecording reports whether a re-record is pending.
func (e *Events) Rerecording() bool {
	return e.rerecord.Load()
}

func (e *Events) takeExitEarly() bool {
	return e.exitEarly.Swap(false)
}

func (e *Events) takeRerecord() bool {
	return e.rerecord.Swap(false)
}
