package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/gwillem/pearlywhite/internal/config"
	"github.com/gwillem/pearlywhite/internal/log"
)

type Options struct {
	Config   string   `short:"c" long:"config" default:"pearlywhite.json" description:"Configuration file"`
	LogLevel string   `long:"log-level" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
	EnvFiles []string `long:"env" description:"dotenv file with HF_TOKEN and AZURE_STORAGE_SAS_TOKEN (default .env)"`

	Setup       SetupCommand       `command:"setup" description:"Configure the arm, camera and dataset"`
	Teleoperate TeleoperateCommand `command:"teleoperate" alias:"teleop" description:"Drive the arm with the keyboard"`
	Record      RecordCommand      `command:"record" description:"Record teleoperated episodes to a dataset"`
	Detect      DetectCommand      `command:"detect" description:"Detect objects in the work area"`
	Blob        BlobCommand        `command:"blob" description:"Blob storage transfers"`
	Hub         HubCommand         `command:"hub" description:"Model hub transfers"`
	Retrieve    RetrieveCommand    `command:"retrieve" description:"Copy a dataset from blob storage to the hub and the local cache"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "pearlywhite - keyboard teleoperation and dataset recording for the xArm cell"
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		log.Init(opts.LogLevel, os.Stderr)
		if cmd == nil {
			return nil
		}
		return cmd.Execute(args)
	}

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

// loadConfig reads the config file written by setup.
func loadConfig() (*config.Config, error) {
	if !config.Exists(opts.Config) {
		return nil, fmt.Errorf("no configuration at %s, run 'pearlywhite setup' first", opts.Config)
	}
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	log.Debug("configuration loaded", "path", opts.Config)
	return cfg, nil
}

func loadSecrets() (config.Secrets, error) {
	return config.LoadSecrets(opts.EnvFiles...)
}
