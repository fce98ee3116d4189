package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/gwillem/pearlywhite/internal/config"
	"github.com/gwillem/pearlywhite/internal/log"
	"github.com/gwillem/pearlywhite/pkg/camera"
	"github.com/gwillem/pearlywhite/pkg/camera/opencv"
	"github.com/gwillem/pearlywhite/pkg/robot"
	"github.com/gwillem/pearlywhite/pkg/teleop"
)

type TeleoperateCommand struct {
	Hz        int           `long:"hz" default:"30" description:"Control loop frequency"`
	Duration  time.Duration `long:"duration" description:"Stop after this long (default: until esc or q)"`
	Step      float64       `long:"step" description:"Move per control cycle in mm (default from config)"`
	NoCameras bool          `long:"no-cameras" description:"Do not open the cameras"`
}

// newDevices builds the follower and the keyboard from the configuration.
func newDevices(cfg *config.Config, withCameras bool) (*robot.Follower, *teleop.Keyboard, *teleop.TerminalListener) {
	fc := cfg.Follower
	if !withCameras {
		fc.Cameras = map[string]camera.Config{}
	}
	follower := robot.NewFollower(fc, opencv.Open(fc.Cameras))

	listener := teleop.NewTerminalListener(cfg.Keyboard.HoldTimeout.D())
	kb := teleop.NewKeyboard(teleop.KeyboardConfig{Step: cfg.Keyboard.Step}, listener)
	return follower, kb, listener
}

// runMonitor shows the monitor UI until the background run ends or the
// operator quits, and returns the run's error. Terminal logging is muted
// while the UI owns the screen.
func runMonitor(model monitorModel, done <-chan error) error {
	log.SetOutput(io.Discard)
	defer log.SetOutput(os.Stderr)

	p := tea.NewProgram(model, tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("run ui: %w", err)
	}
	if fm, ok := final.(monitorModel); ok && fm.finished {
		return fm.err
	}
	return <-done
}

func (c *TeleoperateCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if c.Step > 0 {
		cfg.Keyboard.Step = c.Step
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	follower, kb, listener := newDevices(cfg, !c.NoCameras)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := follower.Connect(ctx); err != nil {
		return fmt.Errorf("connect follower: %w", err)
	}
	defer follower.Disconnect()

	if err := kb.Connect(ctx); err != nil {
		return fmt.Errorf("connect keyboard: %w", err)
	}
	defer func() {
		if err := kb.Disconnect(); err != nil && !errors.Is(err, robot.ErrNotConnected) {
			log.Warn("keyboard disconnect failed", "error", err)
		}
	}()

	ctrl := teleop.NewController(follower, kb, c.Hz)
	done := make(chan error, 1)
	go func() {
		done <- ctrl.Run(ctx, teleop.RunOptions{Duration: c.Duration})
	}()

	model := newMonitorModel("pearlywhite teleoperate",
		"w/s: z up/down  a/d: x left/right  esc: stop  q: quit",
		ctrl, listener.Press, done, nil, cancel)
	err = runMonitor(model, done)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		return err
	}

	fmt.Println("Teleoperation stopped.")
	return nil
}
