// Package robot provides the follower arm and the interfaces shared by
// robots and teleoperators.
package robot

import (
	"context"
	"errors"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/gwillem/pearlywhite/pkg/camera"
)

// Errors returned by devices used in the wrong lifecycle state. Devices wrap
// them with their name, so match with errors.Is.
var (
	ErrNotConnected     = errors.New("device is not connected")
	ErrAlreadyConnected = errors.New("device is already connected")
)

// Feature names one value a device produces or consumes.
type Feature struct {
	Name string
	// Shape is nil for a scalar float, (height, width, channels) for a frame.
	Shape []int
}

// IsScalar reports whether the feature is a single float.
func (f Feature) IsScalar() bool {
	return len(f.Shape) == 0
}

// Features is an ordered feature list.
type Features []Feature

// Names returns the feature names in order.
func (fs Features) Names() []string {
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = f.Name
	}
	return names
}

// Lookup returns the feature called name.
func (fs Features) Lookup(name string) (Feature, bool) {
	for _, f := range fs {
		if f.Name == name {
			return f, true
		}
	}
	return Feature{}, false
}

// PositionFeatures are the Cartesian axes reported and commanded by the arm.
func PositionFeatures() Features {
	return Features{{Name: "x"}, {Name: "y"}, {Name: "z"}}
}

// CameraFeatures returns one frame feature per camera, ordered by name.
func CameraFeatures(cfgs map[string]camera.Config) Features {
	shapes := camera.Features(cfgs)
	fs := make(Features, 0, len(shapes))
	for _, name := range camera.Names(cfgs) {
		s := shapes[name]
		fs = append(fs, Feature{Name: name, Shape: s[:]})
	}
	return fs
}

// Action is a relative Cartesian move in millimetres.
type Action struct {
	X, Y, Z float64
}

// Vec returns the action as a vector.
func (a Action) Vec() r3.Vec {
	return r3.Vec{X: a.X, Y: a.Y, Z: a.Z}
}

// ActionFromVec builds an action from a vector.
func ActionFromVec(v r3.Vec) Action {
	return Action{X: v.X, Y: v.Y, Z: v.Z}
}

// IsZero reports whether the action moves nothing.
func (a Action) IsZero() bool {
	return a == Action{}
}

// Values returns the action keyed by feature name.
func (a Action) Values() map[string]any {
	return map[string]any{"x": a.X, "y": a.Y, "z": a.Z}
}

// Observation is one control-cycle reading of the arm and its cameras.
type Observation struct {
	X, Y, Z float64
	Images  map[string]camera.Frame
}

// Values returns the observation keyed by feature name.
func (o Observation) Values() map[string]any {
	v := map[string]any{"x": o.X, "y": o.Y, "z": o.Z}
	for name, frame := range o.Images {
		v[name] = frame
	}
	return v
}

// Robot is a device that is observed and driven by actions.
type Robot interface {
	Name() string
	ObservationFeatures() Features
	ActionFeatures() Features
	Connect(ctx context.Context) error
	Connected() bool
	Observation(ctx context.Context) (Observation, error)
	// SendAction applies the action and returns the action actually sent.
	SendAction(ctx context.Context, action Action) (Action, error)
	Disconnect() error
}

// Teleoperator is a device an operator uses to produce actions.
type Teleoperator interface {
	Name() string
	ActionFeatures() Features
	FeedbackFeatures() Features
	Connect(ctx context.Context) error
	Connected() bool
	Action() (Action, error)
	SendFeedback(feedback map[string]any) error
	Disconnect() error
}
