package teleop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/pearlywhite/internal/testutil"
	"github.com/gwillem/pearlywhite/pkg/robot"
	"github.com/gwillem/pearlywhite/pkg/xarm"
)

func testRig(t *testing.T) (*robot.Follower, *testutil.FakeArm, *Keyboard, chan KeyEvent) {
	t.Helper()
	cfg := robot.DefaultFollowerConfig()
	cfg.Address = "arm"
	arm := testutil.NewFakeArm(xarm.Pose{})
	cams, _ := testutil.FakeCameras(cfg.Cameras)
	f := robot.NewFollower(cfg, cams, robot.WithArmDialer(func(context.Context, string) (robot.Arm, error) {
		return arm, nil
	}))
	require.NoError(t, f.Connect(context.Background()))
	t.Cleanup(func() { f.Disconnect() })

	kb, events := connectedKeyboard(t, 1)
	return f, arm, kb, events
}

func TestController_RunDuration(t *testing.T) {
	f, arm, kb, events := testRig(t)
	events <- KeyEvent{Key: "w", Pressed: true}

	c := NewController(f, kb, 100)
	var steps int
	var sent []robot.Action
	err := c.Run(context.Background(), RunOptions{
		Duration: 100 * time.Millisecond,
		OnStep: func(obs robot.Observation, action robot.Action) error {
			steps++
			assert.Contains(t, obs.Images, "front")
			sent = append(sent, action)
			return nil
		},
	})
	require.NoError(t, err)
	require.NotZero(t, steps)
	assert.Len(t, arm.Moves, steps+1)
	assert.Contains(t, sent, robot.Action{Z: 1})

	select {
	case s := <-c.States():
		assert.NoError(t, s.Error)
	default:
		t.Fatal("no state published")
	}
}

func TestController_ExitEarly(t *testing.T) {
	f, _, kb, _ := testRig(t)

	c := NewController(f, kb, 200)
	var steps int
	err := c.Run(context.Background(), RunOptions{
		ExitEarly: func() bool { return steps >= 3 },
		OnStep:    func(robot.Observation, robot.Action) error { steps++; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, steps)
}

func TestController_StopsWhenTeleopDisconnects(t *testing.T) {
	f, _, kb, events := testRig(t)

	c := NewController(f, kb, 200)
	go func() {
		time.Sleep(20 * time.Millisecond)
		events <- KeyEvent{Key: EscapeKey, Pressed: true}
		events <- KeyEvent{Key: EscapeKey, Pressed: false}
	}()
	err := c.Run(context.Background(), RunOptions{Duration: 5 * time.Second})
	assert.NoError(t, err)
	assert.False(t, kb.Connected())
}

func TestController_Cancel(t *testing.T) {
	f, _, kb, _ := testRig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := NewController(f, kb, 100).Run(ctx, RunOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestController_StepErrors(t *testing.T) {
	f, arm, kb, _ := testRig(t)

	c := NewController(f, kb, 100)
	arm.FailOn = "move"
	err := c.Run(context.Background(), RunOptions{Duration: time.Second})
	require.ErrorIs(t, err, testutil.ErrInjected)
	assert.Contains(t, err.Error(), "send action")

	stop := errors.New("stop")
	arm.FailOn = ""
	err = c.Run(context.Background(), RunOptions{
		OnStep: func(robot.Observation, robot.Action) error { return stop },
	})
	assert.ErrorIs(t, err, stop)
}

func TestController_Hz(t *testing.T) {
	assert.Equal(t, DefaultHz, NewController(nil, nil, 0).Hz())
	assert.Equal(t, 10, NewController(nil, nil, 10).Hz())
}
