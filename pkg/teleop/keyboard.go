package teleop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gwillem/pearlywhite/internal/log"
	"github.com/gwillem/pearlywhite/pkg/robot"
)

// KeyboardName identifies the keyboard teleoperator.
const KeyboardName = "keyboard"

// EscapeKey disconnects the keyboard teleoperator when released.
const EscapeKey = "esc"

// KeyEvent is a key going down or up.
type KeyEvent struct {
	Key     string
	Pressed bool
}

// Listener delivers key events until ctx is cancelled.
type Listener interface {
	Listen(ctx context.Context, emit func(KeyEvent)) error
}

// KeyboardConfig holds configuration for the keyboard teleoperator.
type KeyboardConfig struct {
	// Step is the magnitude of one action in mm.
	Step float64
}

// keyBindings maps keys to unit deltas, in the order they are checked.
var keyBindings = []struct {
	key   string
	delta robot.Action
}{
	{"w", robot.Action{Z: 1}},
	{"a", robot.Action{X: -1}},
	{"s", robot.Action{Z: -1}},
	{"d", robot.Action{X: 1}},
}

// Keyboard turns held keys into single-axis Cartesian deltas.
type Keyboard struct {
	cfg      KeyboardConfig
	listener Listener
	queue    eventQueue

	// pressed is only touched by Action.
	pressed map[string]bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	readDur time.Duration
}

// NewKeyboard creates a keyboard teleoperator reading from listener.
func NewKeyboard(cfg KeyboardConfig, listener Listener) *Keyboard {
	if cfg.Step <= 0 {
		cfg.Step = 1
	}
	return &Keyboard{
		cfg:      cfg,
		listener: listener,
		pressed:  make(map[string]bool),
	}
}

func (k *Keyboard) Name() string { return KeyboardName }

func (k *Keyboard) String() string { return "KeyboardTeleop" }

// ActionFeatures returns x, y, z.
func (k *Keyboard) ActionFeatures() robot.Features {
	return robot.PositionFeatures()
}

// FeedbackFeatures is empty; the keyboard takes no feedback.
func (k *Keyboard) FeedbackFeatures() robot.Features {
	return robot.Features{}
}

// SendFeedback does nothing.
func (k *Keyboard) SendFeedback(map[string]any) error {
	return nil
}

// Connected reports whether the listener is running.
func (k *Keyboard) Connected() bool {
	k.mu.Lock()
	done := k.done
	k.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Connect starts the listener goroutine.
func (k *Keyboard) Connect(ctx context.Context) error {
	if k.Connected() {
		return fmt.Errorf("%s: %w", k, robot.ErrAlreadyConnected)
	}

	lctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	k.queue.drain()
	clear(k.pressed)

	k.mu.Lock()
	k.cancel = cancel
	k.done = done
	k.mu.Unlock()

	go func() {
		defer close(done)
		if err := k.listener.Listen(lctx, k.onEvent); err != nil {
			log.Warn("keyboard listener stopped", "error", err)
		}
	}()

	log.Info("keyboard listener started")
	return nil
}

func (k *Keyboard) onEvent(ev KeyEvent) {
	if ev.Key == EscapeKey {
		if !ev.Pressed {
			log.Info("ESC pressed, disconnecting.")
			k.stop()
		}
		return
	}
	if ev.Key == "" {
		return
	}
	k.queue.push(ev)
}

// stop cancels the listener without waiting; it runs on the listener goroutine.
func (k *Keyboard) stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cancel != nil {
		k.cancel()
	}
}

// Action drains queued key events and returns the delta for the first held
// key in w, a, s, d order. At most one axis is non-zero.
func (k *Keyboard) Action() (robot.Action, error) {
	start := time.Now()

	if !k.Connected() {
		return robot.Action{}, fmt.Errorf("%s: %w", k, robot.ErrNotConnected)
	}

	for _, ev := range k.queue.drain() {
		k.pressed[ev.Key] = ev.Pressed
	}

	action := ActionFor(k.pressed, k.cfg.Step)

	k.mu.Lock()
	k.readDur = time.Since(start)
	k.mu.Unlock()

	return action, nil
}

// ActionFor maps a key-state snapshot to a delta of magnitude step.
func ActionFor(pressed map[string]bool, step float64) robot.Action {
	for _, b := range keyBindings {
		if pressed[b.key] {
			return robot.Action{X: b.delta.X * step, Y: b.delta.Y * step, Z: b.delta.Z * step}
		}
	}
	return robot.Action{}
}

// Logs returns timing of the last Action call.
func (k *Keyboard) Logs() map[string]float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return map[string]float64{"read_pos_dt_s": k.readDur.Seconds()}
}

// Disconnect stops the listener and waits for it to exit.
func (k *Keyboard) Disconnect() error {
	if !k.Connected() {
		return fmt.Errorf("%s: %w", k, robot.ErrNotConnected)
	}

	k.mu.Lock()
	cancel, done := k.cancel, k.done
	k.mu.Unlock()

	cancel()
	<-done
	log.Info("keyboard listener stopped")
	return nil
}

// eventQueue is an unbounded goroutine-safe FIFO of key events.
type eventQueue struct {
	mu     sync.Mutex
	events []KeyEvent
}

func (q *eventQueue) push(ev KeyEvent) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
}

func (q *eventQueue) drain() []KeyEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}
