package xarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a Cartesian TCP pose: position in millimetres, orientation in degrees.
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Position returns the translational part of the pose.
func (p Pose) Position() r3.Vec {
	return r3.Vec{X: p.X, Y: p.Y, Z: p.Z}
}

// WithPosition returns a copy of p moved to v, keeping the orientation.
func (p Pose) WithPosition(v r3.Vec) Pose {
	p.X, p.Y, p.Z = v.X, v.Y, v.Z
	return p
}

// Config holds connection settings for a Client.
type Config struct {
	// Address is either host[:port] (TCP, default port 502) or a serial
	// device path such as /dev/ttyUSB0 or COM3.
	Address  string
	BaudRate int
	Timeout  time.Duration

	// Acceleration for linear moves in mm/s².
	Acceleration float64
	// PollInterval is how often a waiting move checks the controller state.
	PollInterval time.Duration
	// SettleTime bounds how long a waiting move waits for the controller to
	// report motion. A move still not reported as moving by then is taken
	// as already finished.
	SettleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.BaudRate == 0 {
		c.BaudRate = 2_000_000
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Acceleration == 0 {
		c.Acceleration = 2000
	}
	if c.PollInterval == 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.SettleTime == 0 {
		c.SettleTime = 500 * time.Millisecond
	}
}

// IsSerialAddress reports whether addr names a serial device rather than a host.
func IsSerialAddress(addr string) bool {
	return strings.HasPrefix(addr, "/dev/") || strings.HasPrefix(strings.ToUpper(addr), "COM")
}

// Client is a session with one arm controller. Methods are safe for
// concurrent use; requests are serialized.
type Client struct {
	cfg Config

	mu        sync.Mutex
	t         transport
	connected bool
}

// Dial opens a session with the controller at cfg.Address.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg.setDefaults()

	var (
		t   transport
		err error
	)
	if IsSerialAddress(cfg.Address) {
		t, err = openSerial(cfg.Address, cfg.BaudRate, cfg.Timeout)
	} else {
		t, err = dialTCP(ctx, cfg.Address, cfg.Timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Address, err)
	}

	return &Client{cfg: cfg, t: t, connected: true}, nil
}

// Connected reports whether the link is still up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close ends the session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.t == nil {
		return nil
	}
	t := c.t
	c.t = nil
	return t.Close()
}

// MotionEnable enables or disables motion on all joints.
func (c *Client) MotionEnable(ctx context.Context, enable bool) error {
	var flag byte
	if enable {
		flag = 1
	}
	_, err := c.call(ctx, regMotionEnable, []byte{allAxes, flag})
	return err
}

// SetMode selects the control mode (0 is position control).
func (c *Client) SetMode(ctx context.Context, mode int) error {
	_, err := c.call(ctx, regSetMode, []byte{byte(mode)})
	return err
}

// SetState sets the controller state (0 is ready).
func (c *Client) SetState(ctx context.Context, state int) error {
	_, err := c.call(ctx, regSetState, []byte{byte(state)})
	return err
}

// State returns the controller state.
func (c *Client) State(ctx context.Context) (int, error) {
	data, err := c.call(ctx, regGetState, nil)
	if err != nil {
		return 0, err
	}
	if len(data) < 1 {
		return 0, fmt.Errorf("get state: empty reply")
	}
	return int(data[0]), nil
}

// Pose reads the current TCP pose.
func (c *Client) Pose(ctx context.Context) (Pose, error) {
	data, err := c.call(ctx, regGetTCPPose, nil)
	if err != nil {
		return Pose{}, err
	}
	v, err := readFloats(data, 6)
	if err != nil {
		return Pose{}, fmt.Errorf("get position: %w", err)
	}
	return Pose{
		X: v[0], Y: v[1], Z: v[2],
		Roll:  v[3] * 180 / math.Pi,
		Pitch: v[4] * 180 / math.Pi,
		Yaw:   v[5] * 180 / math.Pi,
	}, nil
}

// MoveLine moves the TCP in a straight line to target at speed mm/s.
// With wait set it blocks until the controller stops moving.
func (c *Client) MoveLine(ctx context.Context, target Pose, speed float64, wait bool) error {
	params := putFloats(
		target.X, target.Y, target.Z,
		target.Roll*math.Pi/180, target.Pitch*math.Pi/180, target.Yaw*math.Pi/180,
		speed, c.cfg.Acceleration, 0,
	)
	if _, err := c.call(ctx, regMoveLine, params); err != nil {
		return fmt.Errorf("move line: %w", err)
	}
	if !wait {
		return nil
	}
	return c.waitMotion(ctx)
}

// waitMotion polls until a queued move has finished. The controller may
// still report ready right after accepting a command, so a ready state only
// counts once motion was seen or SettleTime has passed.
func (c *Client) waitMotion(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	settle := time.Now().Add(c.cfg.SettleTime)
	moved := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		state, err := c.State(ctx)
		if err != nil {
			return fmt.Errorf("wait motion: %w", err)
		}
		switch state {
		case StateMoving:
			moved = true
		case StateStopping:
			return fmt.Errorf("wait motion: controller stopped")
		default:
			if moved || !time.Now().Before(settle) {
				return nil
			}
		}
	}
}

func (c *Client) call(ctx context.Context, reg byte, params []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, ErrClosed
	}

	status, data, err := c.t.exchange(ctx, reg, params)
	if err != nil {
		if isLinkError(err) {
			c.connected = false
		}
		return nil, err
	}

	if status&statusError != 0 {
		serr := &StatusError{Register: reg, Status: status}
		if reg != regGetError {
			if _, codes, err := c.t.exchange(ctx, regGetError, nil); err == nil && len(codes) > 0 {
				serr.Code = int(codes[0])
			}
		}
		return nil, serr
	}
	return data, nil
}

// ErrClosed is returned for requests on a session that is no longer connected.
var ErrClosed = errors.New("xarm: session closed")

func isLinkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, errTimeout) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
