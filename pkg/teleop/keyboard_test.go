package teleop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/pearlywhite/pkg/robot"
)

func connectedKeyboard(t *testing.T, step float64) (*Keyboard, chan KeyEvent) {
	t.Helper()
	events := make(chan KeyEvent)
	kb := NewKeyboard(KeyboardConfig{Step: step}, ChanListener(events))
	require.NoError(t, kb.Connect(context.Background()))
	t.Cleanup(func() {
		if kb.Connected() {
			kb.Disconnect()
		}
	})
	return kb, events
}

func eventuallyAction(t *testing.T, kb *Keyboard, want robot.Action) {
	t.Helper()
	assert.Eventually(t, func() bool {
		got, err := kb.Action()
		return err == nil && got == want
	}, time.Second, 5*time.Millisecond)
}

func TestActionFor(t *testing.T) {
	tests := []struct {
		name    string
		pressed map[string]bool
		want    robot.Action
	}{
		{"none", map[string]bool{}, robot.Action{}},
		{"w", map[string]bool{"w": true}, robot.Action{Z: 2}},
		{"a", map[string]bool{"a": true}, robot.Action{X: -2}},
		{"s", map[string]bool{"s": true}, robot.Action{Z: -2}},
		{"d", map[string]bool{"d": true}, robot.Action{X: 2}},
		{"released", map[string]bool{"w": false}, robot.Action{}},
		{"unmapped", map[string]bool{"q": true}, robot.Action{}},
		{"w wins over d", map[string]bool{"d": true, "w": true}, robot.Action{Z: 2}},
		{"a wins over s", map[string]bool{"s": true, "a": true}, robot.Action{X: -2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ActionFor(tt.pressed, 2))
		})
	}
}

func TestKeyboard_NotConnected(t *testing.T) {
	kb := NewKeyboard(KeyboardConfig{}, ChanListener(make(chan KeyEvent)))
	assert.False(t, kb.Connected())

	_, err := kb.Action()
	assert.ErrorIs(t, err, robot.ErrNotConnected)
	assert.ErrorIs(t, kb.Disconnect(), robot.ErrNotConnected)
}

func TestKeyboard_PressAndRelease(t *testing.T) {
	kb, events := connectedKeyboard(t, 0)

	action, err := kb.Action()
	require.NoError(t, err)
	assert.True(t, action.IsZero())

	events <- KeyEvent{Key: "d", Pressed: true}
	eventuallyAction(t, kb, robot.Action{X: 1})

	// Held keys keep producing the same action.
	action, err = kb.Action()
	require.NoError(t, err)
	assert.Equal(t, robot.Action{X: 1}, action)

	events <- KeyEvent{Key: "d", Pressed: false}
	eventuallyAction(t, kb, robot.Action{})
}

func TestKeyboard_SingleAxis(t *testing.T) {
	kb, events := connectedKeyboard(t, 1)

	events <- KeyEvent{Key: "d", Pressed: true}
	events <- KeyEvent{Key: "s", Pressed: true}
	eventuallyAction(t, kb, robot.Action{Z: -1})

	events <- KeyEvent{Key: "s", Pressed: false}
	eventuallyAction(t, kb, robot.Action{X: 1})
}

func TestKeyboard_EscapeDisconnects(t *testing.T) {
	kb, events := connectedKeyboard(t, 1)

	events <- KeyEvent{Key: EscapeKey, Pressed: true}
	assert.True(t, kb.Connected())

	events <- KeyEvent{Key: EscapeKey, Pressed: false}
	assert.Eventually(t, func() bool { return !kb.Connected() }, time.Second, 5*time.Millisecond)

	_, err := kb.Action()
	assert.ErrorIs(t, err, robot.ErrNotConnected)
	assert.ErrorIs(t, kb.Disconnect(), robot.ErrNotConnected)
}

func TestKeyboard_Reconnect(t *testing.T) {
	kb, events := connectedKeyboard(t, 1)

	assert.ErrorIs(t, kb.Connect(context.Background()), robot.ErrAlreadyConnected)

	events <- KeyEvent{Key: "w", Pressed: true}
	eventuallyAction(t, kb, robot.Action{Z: 1})

	require.NoError(t, kb.Disconnect())
	require.NoError(t, kb.Connect(context.Background()))

	action, err := kb.Action()
	require.NoError(t, err)
	assert.True(t, action.IsZero(), "key state is reset on connect")
}

func TestKeyboard_Features(t *testing.T) {
	kb := NewKeyboard(KeyboardConfig{}, nil)
	assert.Equal(t, "keyboard", kb.Name())
	assert.Equal(t, []string{"x", "y", "z"}, kb.ActionFeatures().Names())
	assert.Empty(t, kb.FeedbackFeatures())
	assert.NoError(t, kb.SendFeedback(map[string]any{"x": 1.0}))
	assert.Contains(t, kb.Logs(), "read_pos_dt_s")
}

func TestTerminalListener(t *testing.T) {
	l := NewTerminalListener(30 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan KeyEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Listen(ctx, func(ev KeyEvent) { got <- ev })
	}()

	l.Press("w")
	l.Press("w")
	assert.Equal(t, KeyEvent{Key: "w", Pressed: true}, <-got)

	select {
	case ev := <-got:
		assert.Equal(t, KeyEvent{Key: "w", Pressed: false}, ev)
	case <-time.After(time.Second):
		t.Fatal("no release after hold timeout")
	}

	l.Press(EscapeKey)
	assert.Equal(t, KeyEvent{Key: EscapeKey, Pressed: true}, <-got)
	assert.Equal(t, KeyEvent{Key: EscapeKey, Pressed: false}, <-got)

	l.Press("a")
	assert.Equal(t, KeyEvent{Key: "a", Pressed: true}, <-got)
	cancel()
	<-done
	assert.Equal(t, KeyEvent{Key: "a", Pressed: false}, <-got)
}
