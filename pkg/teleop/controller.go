// Package teleop provides the keyboard teleoperator and the control loop
// that feeds its actions to a robot.
package teleop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gwillem/pearlywhite/internal/log"
	"github.com/gwillem/pearlywhite/pkg/robot"
)

// DefaultHz is the control frequency when none is given.
const DefaultHz = 30

// State is the outcome of one control step.
type State struct {
	X, Y, Z   float64
	Action    robot.Action
	Timestamp time.Time
	Error     error
}

// StepFunc receives the observation taken before an action and the action
// actually sent.
type StepFunc func(obs robot.Observation, sent robot.Action) error

// RunOptions bound a control run. The run also ends when the teleoperator
// disconnects.
type RunOptions struct {
	// Duration stops the run after this long. Zero runs until ctx is done.
	Duration time.Duration
	// ExitEarly is polled every step; true ends the run.
	ExitEarly func() bool
	// OnStep is called after every successful step.
	OnStep StepFunc
}

// Controller manages the teleoperation control loop.
type Controller struct {
	robot  robot.Robot
	teleop robot.Teleoperator
	hz     int

	mu      sync.Mutex
	running bool
	stateCh chan State
	logCh   chan string
}

// NewController creates a controller. Both devices must be connected
// before Run.
func NewController(r robot.Robot, t robot.Teleoperator, hz int) *Controller {
	if hz <= 0 {
		hz = DefaultHz
	}
	return &Controller{
		robot:   r,
		teleop:  t,
		hz:      hz,
		stateCh: make(chan State, 1),
		logCh:   make(chan string, 10),
	}
}

// States returns a channel that receives state updates.
func (c *Controller) States() <-chan State {
	return c.stateCh
}

// Logs returns a channel that receives log messages.
func (c *Controller) Logs() <-chan string {
	return c.logCh
}

// Hz returns the control frequency.
func (c *Controller) Hz() int {
	return c.hz
}

func (c *Controller) logf(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	log.Debug(text)
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), text)
	select {
	case c.logCh <- msg:
	default:
		// Drop if channel full
	}
}

// Run drives the robot with teleoperator actions at the control frequency
// until ctx is done, the duration elapses, ExitEarly fires or the
// teleoperator disconnects. Only cancellation of ctx and step failures are
// returned as errors.
func (c *Controller) Run(ctx context.Context, opts RunOptions) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("already running")
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	var deadline <-chan time.Time
	if opts.Duration > 0 {
		timer := time.NewTimer(opts.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	c.logf("Control loop started at %d Hz", c.hz)

	ticker := time.NewTicker(time.Second / time.Duration(c.hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logf("Control loop cancelled")
			return ctx.Err()
		case <-deadline:
			c.logf("Control loop finished")
			return nil
		case <-ticker.C:
		}

		if opts.ExitEarly != nil && opts.ExitEarly() {
			c.logf("Exiting early")
			return nil
		}
		if !c.teleop.Connected() {
			c.logf("Teleoperator disconnected")
			return nil
		}

		if err := c.step(ctx, opts.OnStep); err != nil {
			c.logf("Step error: %v", err)
			c.sendState(State{Error: err, Timestamp: time.Now()})
			return err
		}
	}
}

func (c *Controller) step(ctx context.Context, onStep StepFunc) error {
	obs, err := c.robot.Observation(ctx)
	if err != nil {
		return fmt.Errorf("observe: %w", err)
	}

	action, err := c.teleop.Action()
	if err != nil {
		return fmt.Errorf("read teleoperator: %w", err)
	}

	sent, err := c.robot.SendAction(ctx, action)
	if err != nil {
		return fmt.Errorf("send action: %w", err)
	}

	if onStep != nil {
		if err := onStep(obs, sent); err != nil {
			return err
		}
	}

	c.sendState(State{
		X:         obs.X + sent.X,
		Y:         obs.Y + sent.Y,
		Z:         obs.Z + sent.Z,
		Action:    sent,
		Timestamp: time.Now(),
	})
	return nil
}

func (c *Controller) sendState(s State) {
	select {
	case c.stateCh <- s:
	default:
		// Drop old state if channel full, replace with new
		select {
		case <-c.stateCh:
		default:
		}
		select {
		case c.stateCh <- s:
		default:
		}
	}
}
