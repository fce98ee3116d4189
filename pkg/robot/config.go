package robot

import (
	"fmt"

	"github.com/gwillem/pearlywhite/pkg/camera"
	"github.com/gwillem/pearlywhite/pkg/xarm"
)

// FollowerConfig holds the configuration of the follower arm.
type FollowerConfig struct {
	// Address of the arm controller: host[:port] or a serial device path.
	Address  string    `json:"address"`
	RestPose xarm.Pose `json:"rest_pose"`
	// Speed of linear moves in mm/s.
	Speed float64 `json:"speed"`
	// MaxRelativeTarget clips each axis of an action to ±value mm.
	// Zero sends actions unchanged.
	MaxRelativeTarget float64                  `json:"max_relative_target,omitempty"`
	Cameras           map[string]camera.Config `json:"cameras"`
}

// DefaultRestPose is where the arm goes on connect.
var DefaultRestPose = xarm.Pose{
	X: 9.97717, Y: 207.91037, Z: 190.492111,
	Roll: 180, Pitch: 0, Yaw: 90,
}

// DefaultFollowerConfig returns the follower with a single front camera.
func DefaultFollowerConfig() FollowerConfig {
	return FollowerConfig{
		RestPose: DefaultRestPose,
		Speed:    200,
		Cameras: map[string]camera.Config{
			"front": {IndexOrPath: "0", Width: 640, Height: 480, FPS: 30},
		},
	}
}

// IsConfigured returns true if the arm has an address
func (c *FollowerConfig) IsConfigured() bool {
	return c.Address != ""
}

// Validate checks the follower settings.
func (c *FollowerConfig) Validate() error {
	if !c.IsConfigured() {
		return fmt.Errorf("follower address is not set")
	}
	if c.Speed <= 0 {
		return fmt.Errorf("follower speed must be positive")
	}
	if c.MaxRelativeTarget < 0 {
		return fmt.Errorf("max_relative_target must not be negative")
	}
	return camera.ValidateAll(c.Cameras)
}
