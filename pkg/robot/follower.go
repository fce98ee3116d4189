package robot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/gwillem/pearlywhite/internal/log"
	"github.com/gwillem/pearlywhite/pkg/camera"
	"github.com/gwillem/pearlywhite/pkg/xarm"
)

// FollowerName identifies the follower arm in datasets.
const FollowerName = "pearlywhite_robot"

// Arm is the part of an arm SDK session the follower uses.
type Arm interface {
	MotionEnable(ctx context.Context, enable bool) error
	SetMode(ctx context.Context, mode int) error
	SetState(ctx context.Context, state int) error
	Pose(ctx context.Context) (xarm.Pose, error)
	MoveLine(ctx context.Context, target xarm.Pose, speed float64, wait bool) error
	Connected() bool
	Close() error
}

// ArmDialer opens an arm session.
type ArmDialer func(ctx context.Context, address string) (Arm, error)

// DialXArm opens an xArm control session.
func DialXArm(ctx context.Context, address string) (Arm, error) {
	c, err := xarm.Dial(ctx, xarm.Config{Address: address})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Follower is an arm driven by Cartesian deltas, plus its cameras.
type Follower struct {
	cfg     FollowerConfig
	dial    ArmDialer
	arm     Arm
	cameras map[string]camera.Camera
}

// FollowerOption customizes a Follower.
type FollowerOption func(*Follower)

// WithArmDialer replaces the xArm dialer.
func WithArmDialer(d ArmDialer) FollowerOption {
	return func(f *Follower) { f.dial = d }
}

// NewFollower creates a follower. cameras must hold one entry per camera in
// cfg.Cameras; nothing is opened until Connect.
func NewFollower(cfg FollowerConfig, cameras map[string]camera.Camera, opts ...FollowerOption) *Follower {
	f := &Follower{
		cfg:     cfg,
		dial:    DialXArm,
		cameras: cameras,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Follower) Name() string { return FollowerName }

func (f *Follower) String() string { return FollowerName }

// ObservationFeatures returns x, y, z followed by one frame per camera.
func (f *Follower) ObservationFeatures() Features {
	return append(PositionFeatures(), CameraFeatures(f.cfg.Cameras)...)
}

// ActionFeatures returns x, y, z.
func (f *Follower) ActionFeatures() Features {
	return PositionFeatures()
}

// Connected reports whether the arm link and every camera are up.
func (f *Follower) Connected() bool {
	if f.arm == nil || !f.arm.Connected() {
		return false
	}
	for _, cam := range f.cameras {
		if !cam.Connected() {
			return false
		}
	}
	return true
}

// Connect opens the arm session, enables motion in position-control mode,
// moves to the rest pose and connects the cameras.
// The arm is expected to be clear of obstacles on the way to its rest pose.
func (f *Follower) Connect(ctx context.Context) error {
	if f.arm != nil && f.arm.Connected() {
		return fmt.Errorf("%s: %w", f, ErrAlreadyConnected)
	}

	arm, err := f.dial(ctx, f.cfg.Address)
	if err != nil {
		return fmt.Errorf("open arm session: %w", err)
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"enable motion", func() error { return arm.MotionEnable(ctx, true) }},
		{"set position mode", func() error { return arm.SetMode(ctx, 0) }},
		{"set ready state", func() error { return arm.SetState(ctx, 0) }},
		{"move to rest pose", func() error { return arm.MoveLine(ctx, f.cfg.RestPose, f.cfg.Speed, true) }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			arm.Close()
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	var connected []string
	for _, name := range f.cameraNames() {
		if err := f.cameras[name].Connect(ctx); err != nil {
			for _, done := range connected {
				f.cameras[done].Disconnect()
			}
			arm.Close()
			return fmt.Errorf("connect camera %s: %w", name, err)
		}
		connected = append(connected, name)
	}
	f.arm = arm

	log.Info("robot connected", "robot", f.Name(), "address", f.cfg.Address, "cameras", len(f.cameras))
	return nil
}

// Observation reads the TCP position and the latest frame of every camera.
func (f *Follower) Observation(ctx context.Context) (Observation, error) {
	if f.arm == nil || !f.arm.Connected() {
		return Observation{}, fmt.Errorf("%s: %w", f, ErrNotConnected)
	}

	pose, err := f.arm.Pose(ctx)
	if err != nil {
		return Observation{}, fmt.Errorf("read position: %w", err)
	}

	obs := Observation{
		X:      pose.X,
		Y:      pose.Y,
		Z:      pose.Z,
		Images: make(map[string]camera.Frame, len(f.cameras)),
	}
	for _, name := range f.cameraNames() {
		frame, err := f.cameras[name].AsyncRead(ctx)
		if err != nil {
			return Observation{}, fmt.Errorf("read camera %s: %w", name, err)
		}
		obs.Images[name] = frame
	}
	return obs, nil
}

// SendAction moves the TCP by the action's delta from its current position
// with the rest-pose orientation, blocking until the move completes. It
// returns the delta actually applied, which differs from action only when
// MaxRelativeTarget clips it.
func (f *Follower) SendAction(ctx context.Context, action Action) (Action, error) {
	if f.arm == nil || !f.arm.Connected() {
		return Action{}, fmt.Errorf("%s: %w", f, ErrNotConnected)
	}

	sent := ClipAction(action, f.cfg.MaxRelativeTarget)

	current, err := f.arm.Pose(ctx)
	if err != nil {
		return Action{}, fmt.Errorf("read position: %w", err)
	}

	target := f.cfg.RestPose.WithPosition(r3.Add(current.Position(), sent.Vec()))
	if err := f.arm.MoveLine(ctx, target, f.cfg.Speed, true); err != nil {
		return Action{}, fmt.Errorf("move: %w", err)
	}
	return sent, nil
}

// Disconnect closes the arm session and every camera.
func (f *Follower) Disconnect() error {
	if f.arm == nil {
		return fmt.Errorf("%s: %w", f, ErrNotConnected)
	}

	var errs []error
	if err := f.arm.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close arm: %w", err))
	}
	f.arm = nil

	for _, name := range f.cameraNames() {
		cam := f.cameras[name]
		if !cam.Connected() {
			continue
		}
		if err := cam.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect camera %s: %w", name, err))
		}
	}

	log.Info("robot disconnected", "robot", f.Name())
	return errors.Join(errs...)
}

func (f *Follower) cameraNames() []string {
	names := make([]string, 0, len(f.cameras))
	for name := range f.cameras {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ClipAction limits every axis of action to ±limit. A limit of zero or less
// disables clipping.
func ClipAction(action Action, limit float64) Action {
	if limit <= 0 {
		return action
	}
	clamp := func(v float64) float64 {
		return math.Max(-limit, math.Min(limit, v))
	}
	return Action{X: clamp(action.X), Y: clamp(action.Y), Z: clamp(action.Z)}
}
