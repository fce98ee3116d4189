package robot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/pearlywhite/internal/testutil"
	"github.com/gwillem/pearlywhite/pkg/camera"
	"github.com/gwillem/pearlywhite/pkg/xarm"
)

func newTestFollower(t *testing.T, cfg FollowerConfig) (*Follower, *testutil.FakeArm, map[string]*testutil.FakeCamera) {
	t.Helper()
	arm := testutil.NewFakeArm(xarm.Pose{X: 1, Y: 2, Z: 3, Roll: 10, Pitch: 20, Yaw: 30})
	cams, fakes := testutil.FakeCameras(cfg.Cameras)
	f := NewFollower(cfg, cams, WithArmDialer(func(ctx context.Context, address string) (Arm, error) {
		assert.Equal(t, cfg.Address, address)
		return arm, nil
	}))
	return f, arm, fakes
}

func testConfig() FollowerConfig {
	cfg := DefaultFollowerConfig()
	cfg.Address = "192.168.1.185"
	return cfg
}

func TestFollower_Features(t *testing.T) {
	cfg := testConfig()
	cfg.Cameras["wrist"] = camera.Config{IndexOrPath: "2", Width: 320, Height: 240, FPS: 30}
	f, _, _ := newTestFollower(t, cfg)

	obs := f.ObservationFeatures()
	assert.Equal(t, []string{"x", "y", "z", "front", "wrist"}, obs.Names())

	front, ok := obs.Lookup("front")
	require.True(t, ok)
	assert.Equal(t, []int{480, 640, 3}, front.Shape)
	assert.False(t, front.IsScalar())

	assert.Equal(t, []string{"x", "y", "z"}, f.ActionFeatures().Names())
}

func TestFollower_ConnectMovesToRest(t *testing.T) {
	f, arm, cams := newTestFollower(t, testConfig())

	require.NoError(t, f.Connect(context.Background()))

	assert.True(t, arm.Enabled)
	assert.Equal(t, 0, arm.Mode)
	assert.Equal(t, 0, arm.State)
	require.Len(t, arm.Moves, 1)
	assert.Equal(t, DefaultRestPose, arm.Moves[0])
	assert.Equal(t, []float64{200}, arm.Speeds)
	assert.True(t, cams["front"].Connected())
	assert.True(t, f.Connected())

	err := f.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestFollower_ConnectFailureClosesArm(t *testing.T) {
	f, arm, _ := newTestFollower(t, testConfig())
	arm.FailOn = "mode"

	err := f.Connect(context.Background())
	require.ErrorIs(t, err, testutil.ErrInjected)
	assert.Contains(t, err.Error(), "set position mode")
	assert.False(t, arm.Connected())
	assert.False(t, f.Connected())
}

func TestFollower_CameraFailureReleasesEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Cameras["wrist"] = camera.Config{IndexOrPath: "2", Width: 320, Height: 240, FPS: 30}
	cams, fakes := testutil.FakeCameras(cfg.Cameras)
	fakes["wrist"].FailConnect = testutil.ErrInjected

	var arms []*testutil.FakeArm
	f := NewFollower(cfg, cams, WithArmDialer(func(ctx context.Context, address string) (Arm, error) {
		arm := testutil.NewFakeArm(xarm.Pose{})
		arms = append(arms, arm)
		return arm, nil
	}))

	err := f.Connect(context.Background())
	require.ErrorIs(t, err, testutil.ErrInjected)
	assert.Contains(t, err.Error(), "connect camera wrist")
	require.Len(t, arms, 1)
	assert.False(t, arms[0].Connected())
	assert.False(t, fakes["front"].Connected())
	assert.False(t, f.Connected())
	assert.ErrorIs(t, f.Disconnect(), ErrNotConnected)

	fakes["wrist"].FailConnect = nil
	require.NoError(t, f.Connect(context.Background()))
	require.Len(t, arms, 2)
	assert.True(t, arms[1].Connected())
	assert.True(t, fakes["front"].Connected())
	assert.True(t, fakes["wrist"].Connected())
	assert.True(t, f.Connected())
}

func TestFollower_Observation(t *testing.T) {
	f, _, _ := newTestFollower(t, testConfig())
	ctx := context.Background()

	_, err := f.Observation(ctx)
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, f.Connect(ctx))
	obs, err := f.Observation(ctx)
	require.NoError(t, err)

	assert.Equal(t, DefaultRestPose.X, obs.X)
	assert.Equal(t, DefaultRestPose.Y, obs.Y)
	assert.Equal(t, DefaultRestPose.Z, obs.Z)
	require.Contains(t, obs.Images, "front")
	assert.Equal(t, [3]int{480, 640, 3}, obs.Images["front"].Shape())

	values := obs.Values()
	assert.Len(t, values, 4)
	for _, name := range f.ObservationFeatures().Names() {
		assert.Contains(t, values, name)
	}
	assert.IsType(t, float64(0), values["x"])
	assert.IsType(t, camera.Frame{}, values["front"])
}

func TestFollower_ObservationAfterLinkDrop(t *testing.T) {
	f, arm, _ := newTestFollower(t, testConfig())
	require.NoError(t, f.Connect(context.Background()))

	arm.Drop()
	_, err := f.Observation(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestFollower_SendActionAddsDelta(t *testing.T) {
	f, arm, _ := newTestFollower(t, testConfig())
	ctx := context.Background()
	require.NoError(t, f.Connect(ctx))

	sent, err := f.SendAction(ctx, Action{X: -1, Z: 1})
	require.NoError(t, err)
	assert.Equal(t, Action{X: -1, Z: 1}, sent)

	require.Len(t, arm.Moves, 2)
	target := arm.Moves[1]
	assert.InDelta(t, DefaultRestPose.X-1, target.X, 1e-9)
	assert.InDelta(t, DefaultRestPose.Y, target.Y, 1e-9)
	assert.InDelta(t, DefaultRestPose.Z+1, target.Z, 1e-9)
	assert.Equal(t, 180.0, target.Roll)
	assert.Equal(t, 0.0, target.Pitch)
	assert.Equal(t, 90.0, target.Yaw)
}

func TestFollower_SendActionClips(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRelativeTarget = 5
	f, _, _ := newTestFollower(t, cfg)
	ctx := context.Background()
	require.NoError(t, f.Connect(ctx))

	sent, err := f.SendAction(ctx, Action{X: 12, Y: -7, Z: 2})
	require.NoError(t, err)
	assert.Equal(t, Action{X: 5, Y: -5, Z: 2}, sent)
}

func TestFollower_SendActionNotConnected(t *testing.T) {
	f, _, _ := newTestFollower(t, testConfig())
	_, err := f.SendAction(context.Background(), Action{X: 1})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestFollower_Disconnect(t *testing.T) {
	f, arm, cams := newTestFollower(t, testConfig())

	assert.ErrorIs(t, f.Disconnect(), ErrNotConnected)

	require.NoError(t, f.Connect(context.Background()))
	require.NoError(t, f.Disconnect())
	assert.False(t, arm.Connected())
	assert.False(t, cams["front"].Connected())
	assert.False(t, f.Connected())

	assert.ErrorIs(t, f.Disconnect(), ErrNotConnected)
}

func TestClipAction(t *testing.T) {
	tests := []struct {
		in    Action
		limit float64
		want  Action
	}{
		{Action{X: 10}, 0, Action{X: 10}},
		{Action{X: 10, Y: -10, Z: 3}, 4, Action{X: 4, Y: -4, Z: 3}},
		{Action{Z: -1}, 1, Action{Z: -1}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClipAction(tt.in, tt.limit))
	}
}

func TestFollowerConfig_Validate(t *testing.T) {
	cfg := DefaultFollowerConfig()
	assert.Error(t, cfg.Validate())

	cfg.Address = "/dev/ttyUSB0"
	assert.NoError(t, cfg.Validate())

	cfg.Speed = 0
	assert.Error(t, cfg.Validate())
}
