// Package config loads and saves pearlywhite.json and reads secrets from
// the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/gwillem/pearlywhite/pkg/blob"
	"github.com/gwillem/pearlywhite/pkg/dataset"
	"github.com/gwillem/pearlywhite/pkg/hub"
	"github.com/gwillem/pearlywhite/pkg/robot"
	"github.com/gwillem/pearlywhite/pkg/vision"
)

const DefaultConfigFile = "pearlywhite.json"

// Config holds the robot, recording and storage configuration.
type Config struct {
	Follower robot.FollowerConfig `json:"follower"`
	Keyboard KeyboardConfig       `json:"keyboard"`
	Record   RecordConfig         `json:"record"`
	Blob     BlobConfig           `json:"blob"`
	Hub      HubConfig            `json:"hub"`
	Detector vision.Config        `json:"detector"`
}

// KeyboardConfig configures the keyboard teleoperator.
type KeyboardConfig struct {
	// Step is the move per control cycle in mm.
	Step float64 `json:"step"`
	// HoldTimeout is how long a key counts as held after its last repeat.
	HoldTimeout Duration `json:"hold_timeout"`
}

// RecordConfig configures a recording session.
type RecordConfig struct {
	RepoID             string   `json:"repo_id"`
	Root               string   `json:"root,omitempty"`
	FPS                int      `json:"fps"`
	Episodes           int      `json:"episodes"`
	EpisodeTime        Duration `json:"episode_time"`
	ResetTime          Duration `json:"reset_time"`
	Task               string   `json:"task"`
	Private            bool     `json:"private"`
	ImageWriterThreads int      `json:"image_writer_threads"`
}

// BlobConfig locates the blob storage account. The SAS token comes from
// AZURE_STORAGE_SAS_TOKEN.
type BlobConfig struct {
	Account   string `json:"account"`
	Container string `json:"container"`
	Endpoint  string `json:"endpoint,omitempty"`
}

// HubConfig configures the model hub. The token comes from HF_TOKEN.
type HubConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
}

// Default returns the configuration of the pick-and-place cell.
func Default() *Config {
	return &Config{
		Follower: robot.DefaultFollowerConfig(),
		Keyboard: KeyboardConfig{
			Step:        1,
			HoldTimeout: Duration(150 * time.Millisecond),
		},
		Record: RecordConfig{
			FPS:                30,
			Episodes:           5,
			EpisodeTime:        Duration(60 * time.Second),
			ResetTime:          Duration(10 * time.Second),
			Task:               "Pick and Place Object Detection",
			Private:            true,
			ImageWriterThreads: dataset.DefaultImageWriterThreads,
		},
		Blob: BlobConfig{
			Account:   "pearlywhite",
			Container: "my-private-datasets",
		},
		Detector: vision.DefaultConfig(),
	}
}

// Load reads configuration from path on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault reads path, returning the defaults if it does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes configuration to path.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Exists returns true if the config file exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Validate checks the settings needed to drive the robot.
func (c *Config) Validate() error {
	if err := c.Follower.Validate(); err != nil {
		return err
	}
	if c.Keyboard.Step <= 0 {
		return errors.New("keyboard step must be positive")
	}
	if c.Record.FPS <= 0 {
		return errors.New("record fps must be positive")
	}
	return nil
}

// Secrets are credentials read from the environment.
type Secrets struct {
	HFToken  string
	SASToken string
}

// LoadSecrets loads .env files (missing files are ignored; variables
// already set win) and returns the credentials.
func LoadSecrets(files ...string) (Secrets, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Secrets{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return Secrets{
		HFToken:  hub.TokenFromEnv(),
		SASToken: os.Getenv(blob.SASTokenEnv),
	}, nil
}

// Duration is a time.Duration stored as a string such as "60s".
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var secs float64
		if err := json.Unmarshal(b, &secs); err != nil {
			return fmt.Errorf("duration must be a string like \"10s\" or seconds: %s", b)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
