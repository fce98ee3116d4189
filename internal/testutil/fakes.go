// Package testutil provides fakes for the arm session and cameras so robot,
// teleoperation and recording code can be tested without hardware.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/gwillem/pearlywhite/pkg/camera"
	"github.com/gwillem/pearlywhite/pkg/xarm"
)

// FakeArm records calls and keeps a pose that moves to every MoveLine target.
type FakeArm struct {
	mu        sync.Mutex
	pose      xarm.Pose
	connected bool

	Enabled bool
	Mode    int
	State   int
	Moves   []xarm.Pose
	Speeds  []float64

	// FailOn makes the named call ("enable", "mode", "state", "pose", "move") fail.
	FailOn string
}

// NewFakeArm returns a connected arm at pose.
func NewFakeArm(pose xarm.Pose) *FakeArm {
	return &FakeArm{pose: pose, connected: true, Mode: -1, State: -1}
}

// ErrInjected is returned by calls named in FailOn.
var ErrInjected = errors.New("injected failure")

func (a *FakeArm) fail(call string) error {
	if a.FailOn == call {
		return ErrInjected
	}
	return nil
}

func (a *FakeArm) MotionEnable(ctx context.Context, enable bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Enabled = enable
	return a.fail("enable")
}

func (a *FakeArm) SetMode(ctx context.Context, mode int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Mode = mode
	return a.fail("mode")
}

func (a *FakeArm) SetState(ctx context.Context, state int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.State = state
	return a.fail("state")
}

func (a *FakeArm) Pose(ctx context.Context) (xarm.Pose, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail("pose"); err != nil {
		return xarm.Pose{}, err
	}
	return a.pose, nil
}

func (a *FakeArm) MoveLine(ctx context.Context, target xarm.Pose, speed float64, wait bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail("move"); err != nil {
		return err
	}
	a.Moves = append(a.Moves, target)
	a.Speeds = append(a.Speeds, speed)
	a.pose = target
	return nil
}

func (a *FakeArm) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Drop simulates the link going down.
func (a *FakeArm) Drop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
}

func (a *FakeArm) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

// CurrentPose returns the arm's pose.
func (a *FakeArm) CurrentPose() xarm.Pose {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pose
}

// FakeCamera serves a solid-colour frame of the configured size.
type FakeCamera struct {
	cfg camera.Config

	mu        sync.Mutex
	connected bool
	reads     int

	// FailConnect is returned by Connect when set.
	FailConnect error
}

// NewFakeCamera returns an unconnected fake camera.
func NewFakeCamera(cfg camera.Config) *FakeCamera {
	return &FakeCamera{cfg: cfg}
}

// FakeCameras returns one fake camera per config.
func FakeCameras(cfgs map[string]camera.Config) (map[string]camera.Camera, map[string]*FakeCamera) {
	cams := make(map[string]camera.Camera, len(cfgs))
	fakes := make(map[string]*FakeCamera, len(cfgs))
	for name, cfg := range cfgs {
		f := NewFakeCamera(cfg)
		cams[name] = f
		fakes[name] = f
	}
	return cams, fakes
}

func (c *FakeCamera) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return errors.New("already connected")
	}
	if c.FailConnect != nil {
		return c.FailConnect
	}
	c.connected = true
	return nil
}

func (c *FakeCamera) AsyncRead(ctx context.Context) (camera.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return camera.Frame{}, errors.New("not connected")
	}
	c.reads++
	f := camera.NewFrame(c.cfg.Width, c.cfg.Height)
	for i := range f.Pix {
		f.Pix[i] = byte(c.reads)
	}
	return f, nil
}

func (c *FakeCamera) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *FakeCamera) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return errors.New("not connected")
	}
	c.connected = false
	return nil
}

// Reads returns how many frames were served.
func (c *FakeCamera) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}
