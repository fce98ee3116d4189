package teleop

import (
	"context"
	"time"
)

// DefaultHoldTimeout is how long a key counts as held after its last
// press or auto-repeat.
const DefaultHoldTimeout = 150 * time.Millisecond

// TerminalListener turns terminal key presses into press/release events.
//
// Terminals only report key presses (repeated while a key is held), so a
// release is emitted once a key has not repeated for the hold timeout.
type TerminalListener struct {
	holdTimeout time.Duration
	keys        chan string
}

// NewTerminalListener creates a listener. A zero hold uses DefaultHoldTimeout.
func NewTerminalListener(hold time.Duration) *TerminalListener {
	if hold <= 0 {
		hold = DefaultHoldTimeout
	}
	return &TerminalListener{
		holdTimeout: hold,
		keys:        make(chan string, 64),
	}
}

// Press feeds one key press from the terminal. It never blocks; presses
// arriving while the buffer is full are dropped.
func (l *TerminalListener) Press(key string) {
	select {
	case l.keys <- key:
	default:
	}
}

// Listen emits events until ctx is cancelled, releasing held keys on exit.
func (l *TerminalListener) Listen(ctx context.Context, emit func(KeyEvent)) error {
	held := make(map[string]time.Time)

	ticker := time.NewTicker(l.holdTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for key := range held {
				emit(KeyEvent{Key: key, Pressed: false})
			}
			return nil

		case key := <-l.keys:
			if key == EscapeKey {
				emit(KeyEvent{Key: key, Pressed: true})
				emit(KeyEvent{Key: key, Pressed: false})
				continue
			}
			if _, ok := held[key]; !ok {
				emit(KeyEvent{Key: key, Pressed: true})
			}
			held[key] = time.Now()

		case now := <-ticker.C:
			for key, last := range held {
				if now.Sub(last) >= l.holdTimeout {
					emit(KeyEvent{Key: key, Pressed: false})
					delete(held, key)
				}
			}
		}
	}
}

// ChanListener forwards events from a channel. It is used by tests and by
// callers that already have press/release events.
type ChanListener <-chan KeyEvent

// Listen forwards events until ctx is cancelled or the channel closes.
func (c ChanListener) Listen(ctx context.Context, emit func(KeyEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c:
			if !ok {
				<-ctx.Done()
				return nil
			}
			emit(ev)
		}
	}
}
