// Package camera describes the cameras attached to a robot: their declared
// frame shapes and the capture interface the robot reads frames through.
package camera

import (
	"context"
	"fmt"
	"image"
	"slices"
	"strconv"
)

// Channels is the number of colour channels in every frame (RGB).
const Channels = 3

// Config declares one camera.
type Config struct {
	// IndexOrPath is a device index ("0") or a device/file path.
	IndexOrPath string `json:"index_or_path"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	FPS         int    `json:"fps"`
}

// Index returns the device index and true when IndexOrPath is numeric.
func (c Config) Index() (int, bool) {
	i, err := strconv.Atoi(c.IndexOrPath)
	return i, err == nil
}

// Shape returns the declared (height, width, channels) of frames.
func (c Config) Shape() [3]int {
	return [3]int{c.Height, c.Width, Channels}
}

// Validate checks the declared values are usable.
// Returns a list of validation errors, or nil if valid.
func (c Config) Validate() []string {
	var errors []string
	if c.IndexOrPath == "" {
		errors = append(errors, "index_or_path is required")
	}
	if c.Width < 1 || c.Height < 1 {
		errors = append(errors, "width and height must be positive")
	}
	if c.FPS < 1 || c.FPS > 240 {
		errors = append(errors, "fps must be between 1 and 240")
	}
	return errors
}

// Features returns the declared frame shape of every configured camera.
// It does not touch the devices.
func Features(cfgs map[string]Config) map[string][3]int {
	out := make(map[string][3]int, len(cfgs))
	for name, cfg := range cfgs {
		out[name] = cfg.Shape()
	}
	return out
}

// Names returns the camera names in a stable order.
func Names(cfgs map[string]Config) []string {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Frame is an H×W×3 RGB image, row-major.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
}

// NewFrame allocates a black frame.
func NewFrame(width, height int) Frame {
	return Frame{Width: width, Height: height, Pix: make([]byte, width*height*Channels)}
}

// Shape returns (height, width, channels).
func (f Frame) Shape() [3]int {
	return [3]int{f.Height, f.Width, Channels}
}

// Valid reports whether the buffer length matches the dimensions.
func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Pix) == f.Width*f.Height*Channels
}

// Image converts the frame to an image.Image for encoding.
func (f Frame) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i+2 < len(f.Pix) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = f.Pix[i]
		img.Pix[j+1] = f.Pix[i+1]
		img.Pix[j+2] = f.Pix[i+2]
		img.Pix[j+3] = 0xFF
	}
	return img
}

// Crop returns a copy of the region r of the frame, clamped to its bounds.
func (f Frame) Crop(r image.Rectangle) Frame {
	r = r.Intersect(image.Rect(0, 0, f.Width, f.Height))
	out := NewFrame(r.Dx(), r.Dy())
	for y := 0; y < r.Dy(); y++ {
		src := ((r.Min.Y+y)*f.Width + r.Min.X) * Channels
		copy(out.Pix[y*out.Width*Channels:(y+1)*out.Width*Channels], f.Pix[src:src+out.Width*Channels])
	}
	return out
}

// Camera is a connected capture device.
type Camera interface {
	Connect(ctx context.Context) error
	// AsyncRead returns the most recent frame captured by the background
	// reader, waiting for a fresh one if none arrived since the last call.
	AsyncRead(ctx context.Context) (Frame, error)
	Connected() bool
	Disconnect() error
}

// ValidateAll validates every camera config, prefixing errors with the camera name.
func ValidateAll(cfgs map[string]Config) error {
	var problems []string
	for _, name := range Names(cfgs) {
		for _, p := range cfgs[name].Validate() {
			problems = append(problems, name+": "+p)
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid camera config: %v", problems)
	}
	return nil
}
