// Package rtdetr runs an RT-DETR object detection model exported to ONNX
// through the OpenCV DNN module.
package rtdetr

import (
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/gwillem/pearlywhite/internal/log"
	"github.com/gwillem/pearlywhite/pkg/camera"
	"github.com/gwillem/pearlywhite/pkg/vision"
)

// Output layer names of the exported model.
var outputs = []string{"logits", "pred_boxes"}

// Detector is an RT-DETR model on the CPU.
type Detector struct {
	cfg vision.Config

	mu  sync.Mutex
	net gocv.Net
}

// New loads the model.
func New(cfg vision.Config) (*Detector, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = vision.DefaultConfig().InputSize
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load RT-DETR model from %s", cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	log.Info("detector loaded", "model", cfg.ModelPath, "threshold", cfg.Threshold)
	return &Detector{cfg: cfg, net: net}, nil
}

// Detect runs the model on an RGB frame.
func (d *Detector) Detect(frame camera.Frame) ([]vision.Detection, error) {
	if !frame.Valid() {
		return nil, fmt.Errorf("invalid %dx%d frame", frame.Width, frame.Height)
	}

	img, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Pix)
	if err != nil {
		return nil, fmt.Errorf("wrap frame: %w", err)
	}
	defer img.Close()

	size := image.Pt(d.cfg.InputSize, d.cfg.InputSize)
	// Frames are already RGB, so no channel swap.
	blob := gocv.BlobFromImage(img, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.net.SetInput(blob, "")
	outs := d.net.ForwardLayers(outputs)
	defer func() {
		for _, m := range outs {
			m.Close()
		}
	}()
	if len(outs) != len(outputs) {
		return nil, fmt.Errorf("model returned %d outputs, want %d", len(outs), len(outputs))
	}

	// logits: [1, queries, classes]; pred_boxes: [1, queries, 4]
	dims := outs[0].Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected logits shape %v", dims)
	}
	queries, classes := dims[1], dims[2]

	logits, err := outs[0].DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read logits: %w", err)
	}
	boxes, err := outs[1].DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read boxes: %w", err)
	}

	return vision.PostProcess(logits, boxes, queries, classes,
		image.Pt(frame.Width, frame.Height), d.cfg.Threshold, d.cfg.Labels)
}

// Close releases the model.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
