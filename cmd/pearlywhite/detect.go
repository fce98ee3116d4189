package main

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gwillem/pearlywhite/internal/log"
	"github.com/gwillem/pearlywhite/pkg/camera/opencv"
	"github.com/gwillem/pearlywhite/pkg/vision"
	"github.com/gwillem/pearlywhite/pkg/vision/rtdetr"
)

type DetectCommand struct {
	Camera    string        `long:"camera" default:"front" description:"Configured camera to read"`
	Model     string        `long:"model" description:"ONNX model path (default from config)"`
	Threshold float32       `long:"threshold" description:"Score threshold (default from config)"`
	Count     int           `long:"count" default:"1" description:"Frames to process"`
	Interval  time.Duration `long:"interval" default:"1s" description:"Pause between frames"`
	FullFrame bool          `long:"full-frame" description:"Ignore the work-area crop"`
}

func (c *DetectCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dc := cfg.Detector
	if c.Model != "" {
		dc.ModelPath = c.Model
	}
	if c.Threshold > 0 {
		dc.Threshold = c.Threshold
	}
	region := dc.Crop
	if c.FullFrame {
		region = image.Rectangle{}
	}

	camCfg, ok := cfg.Follower.Cameras[c.Camera]
	if !ok {
		return fmt.Errorf("no camera %q in %s", c.Camera, opts.Config)
	}
	if err := vision.CheckRegion(region, camCfg.Width, camCfg.Height); err != nil {
		return fmt.Errorf("camera %s: %w; set detector.crop in %s or pass --full-frame", c.Camera, err, opts.Config)
	}

	det, err := rtdetr.New(dc)
	if err != nil {
		return err
	}
	defer det.Close()

	ctx := context.Background()
	cam := opencv.New(camCfg)
	if err := cam.Connect(ctx); err != nil {
		return fmt.Errorf("connect camera %s: %w", c.Camera, err)
	}
	defer cam.Disconnect()

	for i := range max(c.Count, 1) {
		if i > 0 {
			time.Sleep(c.Interval)
		}
		frame, err := cam.AsyncRead(ctx)
		if err != nil {
			return err
		}
		start := time.Now()
		dets, err := vision.DetectRegion(det, frame, region)
		if err != nil {
			return err
		}
		log.Info("detections", "frame", i, "count", len(dets), "took", time.Since(start))
		fmt.Println(detectionTable(dets))
	}
	return nil
}

func detectionTable(dets []vision.Detection) string {
	if len(dets) == 0 {
		return dimStyle.Render("No objects detected.")
	}
	rows := make([][]string, 0, len(dets))
	for _, d := range dets {
		rows = append(rows, []string{
			d.Name,
			strconv.FormatFloat(float64(d.Score), 'f', 2, 32),
			fmt.Sprintf("%d,%d", d.Box.Min.X, d.Box.Min.Y),
			fmt.Sprintf("%d,%d", d.Box.Max.X, d.Box.Max.Y),
		})
	}
	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Object", "Score", "Top left", "Bottom right").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return cellStyle
		}).
		Render()
}
