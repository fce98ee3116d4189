// Package vision runs object detection on a calibrated region of a camera
// frame and decodes RT-DETR model outputs.
package vision

import (
	"cmp"
	"errors"
	"fmt"
	"image"
	"math"
	"slices"

	"github.com/gwillem/pearlywhite/pkg/camera"
)

// DefaultCrop is the calibrated work-area region of the 2560x1440 preview.
var DefaultCrop = image.Rect(357, 330, 1839, 1094)

// Config holds detector configuration.
type Config struct {
	ModelPath string          `json:"model_path"`
	Threshold float32         `json:"threshold"`
	InputSize int             `json:"input_size"`
	Crop      image.Rectangle `json:"crop"`
	// Labels names class ids; missing names print as "class_<id>".
	Labels []string `json:"labels,omitempty"`
}

// DefaultConfig returns the detector used on the pick-and-place cell.
func DefaultConfig() Config {
	return Config{
		ModelPath: "models/rtdetr.onnx",
		Threshold: 0.35,
		InputSize: 640,
		Crop:      DefaultCrop,
	}
}

// Detection is one detected object. Box is in pixels of the frame passed
// to Detect.
type Detection struct {
	Label int
	Name  string
	Score float32
	Box   image.Rectangle
}

func (d Detection) String() string {
	return fmt.Sprintf("%s %.2f %v", d.Name, d.Score, d.Box)
}

// Detector finds objects in a frame.
type Detector interface {
	Detect(frame camera.Frame) ([]Detection, error)
	Close() error
}

// ErrCropOutOfFrame is returned when the crop region does not fit the frame.
var ErrCropOutOfFrame = errors.New("crop does not fit the frame")

// CheckRegion reports whether region lies inside a width×height frame.
// An empty region always fits.
func CheckRegion(region image.Rectangle, width, height int) error {
	if region.Empty() || region.In(image.Rect(0, 0, width, height)) {
		return nil
	}
	return fmt.Errorf("%w: %v vs %dx%d", ErrCropOutOfFrame, region, width, height)
}

// DetectRegion crops frame to region, runs d and maps boxes back to frame
// coordinates. An empty region uses the whole frame; a region that does not
// fit inside the frame is an error.
func DetectRegion(d Detector, frame camera.Frame, region image.Rectangle) ([]Detection, error) {
	if region.Empty() {
		return d.Detect(frame)
	}
	if err := CheckRegion(region, frame.Width, frame.Height); err != nil {
		return nil, err
	}
	dets, err := d.Detect(frame.Crop(region))
	if err != nil {
		return nil, err
	}
	for i := range dets {
		dets[i].Box = dets[i].Box.Add(region.Min)
	}
	return dets, nil
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// PostProcess decodes RT-DETR outputs: logits [queries × classes] and
// boxes [queries × 4] as normalized (cx, cy, w, h). Scores are sigmoids;
// the top `queries` (query, class) pairs scoring at least threshold are
// returned, best first, with boxes scaled to size.
func PostProcess(logits, boxes []float32, queries, classes int, size image.Point, threshold float32, labels []string) ([]Detection, error) {
	if len(logits) != queries*classes {
		return nil, fmt.Errorf("logits: got %d values, want %d", len(logits), queries*classes)
	}
	if len(boxes) != queries*4 {
		return nil, fmt.Errorf("boxes: got %d values, want %d", len(boxes), queries*4)
	}

	type candidate struct {
		idx   int
		score float32
	}
	cands := make([]candidate, len(logits))
	for i, l := range logits {
		cands[i] = candidate{i, sigmoid(l)}
	}
	slices.SortStableFunc(cands, func(a, b candidate) int { return cmp.Compare(b.score, a.score) })
	cands = cands[:min(queries, len(cands))]

	var dets []Detection
	for _, c := range cands {
		if c.score < threshold {
			break
		}
		q, label := c.idx/classes, c.idx%classes
		b := boxes[q*4 : q*4+4]
		cx, cy, w, h := b[0], b[1], b[2], b[3]
		sx, sy := float32(size.X), float32(size.Y)
		dets = append(dets, Detection{
			Label: label,
			Name:  labelName(labels, label),
			Score: c.score,
			Box: image.Rect(
				int(math.Round(float64((cx-w/2)*sx))),
				int(math.Round(float64((cy-h/2)*sy))),
				int(math.Round(float64((cx+w/2)*sx))),
				int(math.Round(float64((cy+h/2)*sy))),
			),
		})
	}
	return dets, nil
}

func labelName(labels []string, id int) string {
	if id >= 0 && id < len(labels) && labels[id] != "" {
		return labels[id]
	}
	return fmt.Sprintf("class_%d", id)
}
