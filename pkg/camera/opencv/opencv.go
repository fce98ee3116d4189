// Package opencv captures frames from USB cameras and video files with OpenCV.
package opencv

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/gwillem/pearlywhite/internal/log"
	"github.com/gwillem/pearlywhite/pkg/camera"
)

// DefaultReadTimeout is how long AsyncRead waits for a fresh frame.
const DefaultReadTimeout = 200 * time.Millisecond

// Camera reads frames on a background goroutine and keeps the latest one.
type Camera struct {
	cfg         camera.Config
	readTimeout time.Duration

	mu     sync.Mutex
	cap    *gocv.VideoCapture
	latest camera.Frame
	err    error
	ready  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an unconnected camera for cfg.
func New(cfg camera.Config) *Camera {
	return &Camera{cfg: cfg, readTimeout: DefaultReadTimeout}
}

// Open returns unconnected cameras for every config.
func Open(cfgs map[string]camera.Config) map[string]camera.Camera {
	cams := make(map[string]camera.Camera, len(cfgs))
	for name, cfg := range cfgs {
		cams[name] = New(cfg)
	}
	return cams
}

// Connect opens the device, applies the declared resolution and fps and
// starts the background reader.
func (c *Camera) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cap != nil {
		return fmt.Errorf("camera %s already connected", c.cfg.IndexOrPath)
	}

	var device any = c.cfg.IndexOrPath
	if idx, ok := c.cfg.Index(); ok {
		device = idx
	}
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return fmt.Errorf("open camera %s: %w", c.cfg.IndexOrPath, err)
	}

	vc.Set(gocv.VideoCaptureFrameWidth, float64(c.cfg.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(c.cfg.Height))
	vc.Set(gocv.VideoCaptureFPS, float64(c.cfg.FPS))

	width := int(math.Round(vc.Get(gocv.VideoCaptureFrameWidth)))
	height := int(math.Round(vc.Get(gocv.VideoCaptureFrameHeight)))
	if width != c.cfg.Width || height != c.cfg.Height {
		vc.Close()
		return fmt.Errorf("camera %s: requested %dx%d, device gives %dx%d",
			c.cfg.IndexOrPath, c.cfg.Width, c.cfg.Height, width, height)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.cap = vc
	c.ready = make(chan struct{}, 1)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.err = nil

	go c.readLoop(readCtx, vc, c.ready, c.done)

	log.Info("camera connected", "camera", c.cfg.IndexOrPath, "width", width, "height", height, "fps", c.cfg.FPS)
	return nil
}

func (c *Camera) readLoop(ctx context.Context, vc *gocv.VideoCapture, ready chan<- struct{}, done chan<- struct{}) {
	defer close(done)

	mat := gocv.NewMat()
	defer mat.Close()
	rgb := gocv.NewMat()
	defer rgb.Close()

	for ctx.Err() == nil {
		if ok := vc.Read(&mat); !ok || mat.Empty() {
			c.mu.Lock()
			c.err = errors.New("read failed")
			c.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if err := gocv.CvtColor(mat, &rgb, gocv.ColorBGRToRGB); err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("convert frame: %w", err)
			c.mu.Unlock()
			continue
		}

		frame := camera.Frame{Width: rgb.Cols(), Height: rgb.Rows(), Pix: rgb.ToBytes()}

		c.mu.Lock()
		c.latest = frame
		c.err = nil
		c.mu.Unlock()

		select {
		case ready <- struct{}{}:
		default:
		}
	}
}

// AsyncRead returns the latest frame, waiting up to the read timeout for a
// new one to arrive.
func (c *Camera) AsyncRead(ctx context.Context) (camera.Frame, error) {
	c.mu.Lock()
	ready := c.ready
	connected := c.cap != nil
	c.mu.Unlock()

	if !connected {
		return camera.Frame{}, fmt.Errorf("camera %s is not connected", c.cfg.IndexOrPath)
	}

	timer := time.NewTimer(c.readTimeout)
	defer timer.Stop()

	select {
	case <-ready:
	case <-timer.C:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = errors.New("no frame")
		}
		return camera.Frame{}, fmt.Errorf("camera %s: timed out after %s: %w", c.cfg.IndexOrPath, c.readTimeout, err)
	case <-ctx.Done():
		return camera.Frame{}, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, nil
}

// Connected reports whether the device is open.
func (c *Camera) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cap != nil
}

// Disconnect stops the reader and releases the device.
func (c *Camera) Disconnect() error {
	c.mu.Lock()
	if c.cap == nil {
		c.mu.Unlock()
		return fmt.Errorf("camera %s is not connected", c.cfg.IndexOrPath)
	}
	cancel, done, vc := c.cancel, c.done, c.cap
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	c.cap = nil
	c.mu.Unlock()

	if err := vc.Close(); err != nil {
		return fmt.Errorf("close camera %s: %w", c.cfg.IndexOrPath, err)
	}
	log.Info("camera disconnected", "camera", c.cfg.IndexOrPath)
	return nil
}
