package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"go.bug.st/serial"

	"github.com/gwillem/pearlywhite/internal/config"
	"github.com/gwillem/pearlywhite/pkg/camera"
	"github.com/gwillem/pearlywhite/pkg/dataset"
	"github.com/gwillem/pearlywhite/pkg/robot"
	"github.com/gwillem/pearlywhite/pkg/vision"
	"github.com/gwillem/pearlywhite/pkg/xarm"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// networkAddress is the select value for an arm reached over TCP.
const networkAddress = "network"

type SetupCommand struct {
	SkipArmCheck bool `long:"skip-arm-check" description:"Save the address without connecting to the arm"`
}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("pearlywhite setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━"))
	fmt.Println()

	cfg, err := config.LoadOrDefault(opts.Config)
	if err != nil {
		return err
	}

	// Step 1: arm address
	fmt.Println(subHeaderStyle.Render("━━━ Follower Arm ━━━"))
	fmt.Println()
	addr, err := chooseArmAddress(cfg.Follower.Address)
	if err != nil {
		return err
	}
	cfg.Follower.Address = addr

	if !c.SkipArmCheck {
		if err := checkArm(cfg.Follower); err != nil {
			fmt.Println(errorStyle.Render("  " + err.Error()))
			if !confirm("Save the address anyway?") {
				return err
			}
		}
	}
	fmt.Println()

	// Step 2: camera
	fmt.Println(subHeaderStyle.Render("━━━ Camera ━━━"))
	fmt.Println()
	if err := configureCamera(cfg); err != nil {
		return err
	}

	// Step 3: dataset
	fmt.Println(subHeaderStyle.Render("━━━ Dataset ━━━"))
	fmt.Println()
	if err := configureDataset(cfg); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(opts.Config); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println()
	fmt.Println(summaryTable(cfg))
	fmt.Println()
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", opts.Config)
	fmt.Println()
	fmt.Println("Start teleoperation with: " + headerStyle.Render("pearlywhite teleoperate"))
	fmt.Println("Record a dataset with:    " + headerStyle.Render("pearlywhite record"))
	return nil
}

// serialPorts lists candidate serial devices for the arm controller.
func serialPorts() []string {
	ports, err := serial.GetPortsList()
	if err != nil {
		fmt.Println(dimStyle.Render("  Could not list serial ports: " + err.Error()))
		return nil
	}
	var out []string
	for _, port := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(port, "Bluetooth") {
			continue
		}
		out = append(out, port)
	}
	return out
}

func chooseArmAddress(current string) (string, error) {
	choice := networkAddress
	options := []huh.Option[string]{huh.NewOption("Network (host or IP address)", networkAddress)}
	for _, port := range serialPorts() {
		options = append(options, huh.NewOption("Serial "+port, port))
		if port == current {
			choice = port
		}
	}

	if len(options) > 1 {
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title("How is the arm controller connected?").
				Options(options...).
				Value(&choice),
		))
		if err := form.Run(); err != nil {
			return "", err
		}
	}
	if choice != networkAddress {
		return choice, nil
	}

	host := current
	if xarm.IsSerialAddress(host) {
		host = ""
	}
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Arm controller address").
			Description("host[:port], port defaults to 502").
			Placeholder("192.168.1.185").
			Value(&host).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("address is required")
				}
				return nil
			}),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(host), nil
}

// checkArm connects, reads the pose and optionally moves to the rest pose
// so the operator can confirm which arm is configured.
func checkArm(fc robot.FollowerConfig) error {
	fmt.Printf("  Connecting to %s...\n", fc.Address)

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	arm, err := xarm.Dial(dialCtx, xarm.Config{Address: fc.Address})
	if err != nil {
		return err
	}
	defer arm.Close()

	pose, err := arm.Pose(dialCtx)
	if err != nil {
		return fmt.Errorf("read pose: %w", err)
	}
	fmt.Println(successStyle.Render("  Arm found."))
	fmt.Printf("  Position: x=%.1f y=%.1f z=%.1f mm\n", pose.X, pose.Y, pose.Z)

	if !confirm("Move the arm to its rest pose now?") {
		return nil
	}

	ctx, cancelMove := context.WithTimeout(context.Background(), time.Minute)
	defer cancelMove()
	if err := arm.MotionEnable(ctx, true); err != nil {
		return fmt.Errorf("enable motion: %w", err)
	}
	if err := arm.SetMode(ctx, 0); err != nil {
		return fmt.Errorf("set position mode: %w", err)
	}
	if err := arm.SetState(ctx, 0); err != nil {
		return fmt.Errorf("set ready state: %w", err)
	}
	if err := arm.MoveLine(ctx, fc.RestPose, fc.Speed, true); err != nil {
		return fmt.Errorf("move to rest pose: %w", err)
	}
	fmt.Println(successStyle.Render("  Arm at rest pose."))
	return nil
}

func configureCamera(cfg *config.Config) error {
	cam, ok := cfg.Follower.Cameras["front"]
	if !ok {
		cam = robot.DefaultFollowerConfig().Cameras["front"]
	}
	device := cam.IndexOrPath
	width, height, fps := strconv.Itoa(cam.Width), strconv.Itoa(cam.Height), strconv.Itoa(cam.FPS)

	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Front camera").Description("Device index or video path").Value(&device),
		huh.NewInput().Title("Width").Value(&width).Validate(positiveInt),
		huh.NewInput().Title("Height").Value(&height).Validate(positiveInt),
		huh.NewInput().Title("FPS").Value(&fps).Validate(positiveInt),
	))
	if err := form.Run(); err != nil {
		return err
	}

	cam.IndexOrPath = strings.TrimSpace(device)
	cam.Width, _ = strconv.Atoi(width)
	cam.Height, _ = strconv.Atoi(height)
	cam.FPS, _ = strconv.Atoi(fps)
	if problems := cam.Validate(); len(problems) > 0 {
		return fmt.Errorf("camera: %s", strings.Join(problems, "; "))
	}
	if cfg.Follower.Cameras == nil {
		cfg.Follower.Cameras = map[string]camera.Config{}
	}
	cfg.Follower.Cameras["front"] = cam
	if err := vision.CheckRegion(cfg.Detector.Crop, cam.Width, cam.Height); err != nil {
		fmt.Println(dimStyle.Render("  Detector " + err.Error() + "; adjust detector.crop before running detect."))
	}
	return nil
}

func configureDataset(cfg *config.Config) error {
	rec := &cfg.Record
	episodes := strconv.Itoa(rec.Episodes)

	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Dataset repo id").
			Description("namespace/name on the hub").
			Placeholder("user/pearlywhite-pick-place").
			Value(&rec.RepoID).
			Validate(func(s string) error {
				if strings.Count(s, "/") != 1 {
					return errors.New("use namespace/name")
				}
				return nil
			}),
		huh.NewInput().Title("Task").Value(&rec.Task),
		huh.NewInput().Title("Episodes per session").Value(&episodes).Validate(positiveInt),
		huh.NewConfirm().Title("Private dataset?").Value(&rec.Private),
	))
	if err := form.Run(); err != nil {
		return err
	}
	rec.Episodes, _ = strconv.Atoi(episodes)
	return nil
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return errors.New("enter a positive number")
	}
	return nil
}

func confirm(title string) bool {
	var ok bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title(title).Value(&ok),
	))
	if err := form.Run(); err != nil {
		return false
	}
	return ok
}

func summaryTable(cfg *config.Config) string {
	keyStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	rows := [][]string{
		{"Arm", cfg.Follower.Address},
		{"Speed", fmt.Sprintf("%.0f mm/s", cfg.Follower.Speed)},
	}
	for _, name := range camera.Names(cfg.Follower.Cameras) {
		cam := cfg.Follower.Cameras[name]
		rows = append(rows, []string{"Camera " + name, fmt.Sprintf("%s %dx%d@%d", cam.IndexOrPath, cam.Width, cam.Height, cam.FPS)})
	}
	rows = append(rows,
		[]string{"Dataset", cfg.Record.RepoID},
		[]string{"Local root", recordRoot(cfg)},
		[]string{"Task", cfg.Record.Task},
		[]string{"Episodes", strconv.Itoa(cfg.Record.Episodes)},
	)

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return keyStyle
			}
			return cellStyle
		}).
		Render()
}

func recordRoot(cfg *config.Config) string {
	if cfg.Record.Root != "" {
		return cfg.Record.Root
	}
	return dataset.DefaultRoot(cfg.Record.RepoID)
}
