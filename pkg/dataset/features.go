// Package dataset writes robot episodes to a local dataset: declared
// features, an episode buffer, frames indexed in sqlite, images as PNG
// files, and upload to the model hub.
package dataset

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gwillem/pearlywhite/pkg/camera"
	"github.com/gwillem/pearlywhite/pkg/robot"
)

// Feature value types.
const (
	DTypeFloat32 = "float32"
	DTypeInt64   = "int64"
	DTypeImage   = "image"
	DTypeVideo   = "video"
)

// Feature key prefixes.
const (
	PrefixAction      = "action"
	PrefixObservation = "observation"
)

// TaskKey holds the task description in a frame.
const TaskKey = "task"

// Feature describes one dataset column.
type Feature struct {
	DType string   `json:"dtype"`
	Shape []int    `json:"shape"`
	Names []string `json:"names"`
}

// Features maps feature keys to their description.
type Features map[string]Feature

// DefaultFeatures are added to every dataset and filled in by the writer.
func DefaultFeatures() Features {
	return Features{
		"timestamp":     {DType: DTypeFloat32, Shape: []int{1}},
		"frame_index":   {DType: DTypeInt64, Shape: []int{1}},
		"episode_index": {DType: DTypeInt64, Shape: []int{1}},
		"index":         {DType: DTypeInt64, Shape: []int{1}},
		"task_index":    {DType: DTypeInt64, Shape: []int{1}},
	}
}

func isDefault(key string) bool {
	_, ok := DefaultFeatures()[key]
	return ok
}

// Keys returns the feature keys in sorted order.
func (fs Features) Keys() []string {
	return slices.Sorted(maps.Keys(fs))
}

// ImageKeys returns the keys of image and video features, sorted.
func (fs Features) ImageKeys() []string {
	var keys []string
	for _, k := range fs.Keys() {
		if t := fs[k].DType; t == DTypeImage || t == DTypeVideo {
			keys = append(keys, k)
		}
	}
	return keys
}

// Merge returns the union of feature sets; later sets win on conflicts.
func Merge(sets ...Features) Features {
	out := Features{}
	for _, s := range sets {
		maps.Copy(out, s)
	}
	return out
}

// FromHardware converts device features to dataset features. Scalars are
// grouped into one float32 vector: "action" for the action prefix,
// "observation.state" otherwise. Frames become "<prefix>.images.<name>".
func FromHardware(hw robot.Features, prefix string, useVideo bool) Features {
	out := Features{}

	var names []string
	for _, f := range hw {
		if f.IsScalar() {
			names = append(names, f.Name)
		}
	}
	if len(names) > 0 {
		key := prefix
		if prefix != PrefixAction {
			key = prefix + ".state"
		}
		out[key] = Feature{DType: DTypeFloat32, Shape: []int{len(names)}, Names: names}
	}

	dtype := DTypeImage
	if useVideo {
		dtype = DTypeVideo
	}
	for _, f := range hw {
		if f.IsScalar() {
			continue
		}
		out[prefix+".images."+f.Name] = Feature{
			DType: dtype,
			Shape: slices.Clone(f.Shape),
			Names: []string{"height", "width", "channels"},
		}
	}
	return out
}

// Frame is one row of an episode, keyed by feature.
type Frame map[string]any

// BuildFrame picks the values of every feature under prefix from a device
// value map as returned by Observation.Values or Action.Values.
func BuildFrame(features Features, values map[string]any, prefix string) (Frame, error) {
	frame := Frame{}
	for _, key := range features.Keys() {
		ft := features[key]
		if isDefault(key) || !strings.HasPrefix(key, prefix) {
			continue
		}

		switch {
		case ft.DType == DTypeFloat32 && len(ft.Shape) == 1:
			vec := make([]float32, len(ft.Names))
			for i, name := range ft.Names {
				v, ok := values[name].(float64)
				if !ok {
					return nil, fmt.Errorf("build %s: value %q missing or not a float", key, name)
				}
				vec[i] = float32(v)
			}
			frame[key] = vec

		case ft.DType == DTypeImage || ft.DType == DTypeVideo:
			name := strings.TrimPrefix(key, prefix+".images.")
			img, ok := values[name]
			if !ok {
				return nil, fmt.Errorf("build %s: image %q missing", key, name)
			}
			frame[key] = img
		}
	}
	return frame, nil
}

// ValidateFrame checks that frame holds exactly the non-default features
// plus the task, with the declared types and shapes. A timestamp may be
// given as float64.
func ValidateFrame(features Features, frame Frame) error {
	var errs []error

	for _, key := range features.Keys() {
		if isDefault(key) {
			continue
		}
		v, ok := frame[key]
		if !ok {
			errs = append(errs, fmt.Errorf("missing feature %q", key))
			continue
		}
		if err := validateValue(features[key], v); err != nil {
			errs = append(errs, fmt.Errorf("feature %q: %w", key, err))
		}
	}

	if task, ok := frame[TaskKey].(string); !ok || task == "" {
		errs = append(errs, errors.New("missing task"))
	}
	if ts, ok := frame["timestamp"]; ok {
		if _, isFloat := ts.(float64); !isFloat {
			errs = append(errs, fmt.Errorf("timestamp is %T, want float64", ts))
		}
	}

	for _, key := range slices.Sorted(maps.Keys(frame)) {
		if key == TaskKey || key == "timestamp" {
			continue
		}
		if _, ok := features[key]; !ok {
			errs = append(errs, fmt.Errorf("unexpected feature %q", key))
		}
	}

	return errors.Join(errs...)
}

func validateValue(ft Feature, v any) error {
	switch ft.DType {
	case DTypeFloat32:
		vec, ok := v.([]float32)
		if !ok {
			return fmt.Errorf("got %T, want []float32", v)
		}
		if len(ft.Shape) == 1 && len(vec) != ft.Shape[0] {
			return fmt.Errorf("got %d values, want %d", len(vec), ft.Shape[0])
		}
	case DTypeImage, DTypeVideo:
		img, ok := v.(camera.Frame)
		if !ok {
			return fmt.Errorf("got %T, want camera.Frame", v)
		}
		if !img.Valid() {
			return errors.New("frame buffer does not match its size")
		}
		if got := img.Shape(); !slices.Equal(got[:], ft.Shape) {
			return fmt.Errorf("got shape %v, want %v", got, ft.Shape)
		}
	default:
		return fmt.Errorf("unsupported dtype %q", ft.DType)
	}
	return nil
}
