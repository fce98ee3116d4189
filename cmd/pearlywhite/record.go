package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gwillem/pearlywhite/internal/config"
	"github.com/gwillem/pearlywhite/internal/log"
	"github.com/gwillem/pearlywhite/pkg/dataset"
	"github.com/gwillem/pearlywhite/pkg/hub"
	"github.com/gwillem/pearlywhite/pkg/record"
	"github.com/gwillem/pearlywhite/pkg/robot"
)

type RecordCommand struct {
	RepoID   string `long:"repo-id" description:"Dataset repo id (default from config)"`
	Root     string `long:"root" description:"Local dataset directory"`
	Episodes int    `long:"episodes" description:"Number of episodes (default from config)"`
	Task     string `long:"task" description:"Task description stored with every frame"`
	Resume   bool   `long:"resume" description:"Append to an existing local dataset"`
	NoPush   bool   `long:"no-push" description:"Keep the dataset local"`
}

func (c *RecordCommand) apply(rc *config.RecordConfig) {
	if c.RepoID != "" {
		rc.RepoID = c.RepoID
	}
	if c.Root != "" {
		rc.Root = c.Root
	}
	if c.Episodes > 0 {
		rc.Episodes = c.Episodes
	}
	if c.Task != "" {
		rc.Task = c.Task
	}
}

func (c *RecordCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c.apply(&cfg.Record)
	if err := cfg.Validate(); err != nil {
		return err
	}
	rc := cfg.Record
	if rc.RepoID == "" {
		return errors.New("no dataset repo id, pass --repo-id or run 'pearlywhite setup'")
	}

	secrets, err := loadSecrets()
	if err != nil {
		return err
	}
	push := !c.NoPush
	if push && secrets.HFToken == "" {
		return fmt.Errorf("%w, or pass --no-push", hub.ErrNoToken)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	follower, kb, listener := newDevices(cfg, true)

	ds, err := openDataset(ctx, rc, follower, c.Resume)
	if err != nil {
		return err
	}
	defer ds.Close()

	client := hub.NewClient(secrets.HFToken, hubOptions(cfg)...)
	if push {
		user, err := client.Login(ctx)
		if err != nil {
			return err
		}
		log.Info("logged in to hub", "user", user)
	}

	notes := make(chan string, 8)
	events := &record.Events{}
	session := record.NewSession(record.Config{
		Episodes:    rc.Episodes,
		FPS:         rc.FPS,
		EpisodeTime: rc.EpisodeTime.D(),
		ResetTime:   rc.ResetTime.D(),
		Task:        rc.Task,
		Push:        push,
		Private:     rc.Private,
		LogDir:      filepath.Join(ds.Root(), "logs"),
	}, follower, kb, ds,
		record.WithEvents(events),
		record.WithPusher(client),
		record.WithAnnounce(func(msg string) {
			select {
			case notes <- msg:
			default:
			}
		}),
	)

	var res record.Result
	done := make(chan error, 1)
	go func() {
		var err error
		res, err = session.Run(ctx)
		done <- err
	}()

	onKey := func(key string) {
		if !events.HandleKey(key) {
			listener.Press(key)
		}
	}
	model := newMonitorModel("pearlywhite record "+rc.RepoID,
		"w/a/s/d: move  →: next  ←: re-record  esc: stop and save  q: abort",
		session.Controller(), onKey, done, notes, cancel)
	err = runMonitor(model, done)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Println(errorStyle.Render("Recording aborted."))
		}
		return err
	}

	fmt.Println(successStyle.Render("Recording finished."))
	fmt.Printf("  Session:  %s\n", res.SessionID)
	fmt.Printf("  Episodes: %d (%d frames)\n", res.Episodes, res.Frames)
	fmt.Printf("  Dataset:  %s\n", ds.Root())
	if res.Pushed {
		fmt.Printf("  Hub:      %s\n", client.RepoURL(rc.RepoID, hub.RepoTypeDataset))
	}
	return nil
}

// openDataset creates the local dataset for the follower's features, or
// reopens it with --resume.
func openDataset(ctx context.Context, rc config.RecordConfig, follower *robot.Follower, resume bool) (*dataset.Dataset, error) {
	root := rc.Root
	if root == "" {
		root = dataset.DefaultRoot(rc.RepoID)
	}

	if resume {
		ds, err := dataset.Open(ctx, root, rc.ImageWriterThreads)
		if err != nil {
			return nil, err
		}
		if ds.FPS() != rc.FPS {
			ds.Close()
			return nil, fmt.Errorf("dataset at %s records at %d fps, config says %d", root, ds.FPS(), rc.FPS)
		}
		log.Info("resuming dataset", "root", root, "episodes", ds.NumEpisodes())
		return ds, nil
	}

	if _, err := os.Stat(root); err == nil {
		return nil, fmt.Errorf("dataset %s exists, pass --resume to append", root)
	}
	return dataset.Create(ctx, dataset.CreateOptions{
		RepoID:    rc.RepoID,
		Root:      root,
		FPS:       rc.FPS,
		RobotType: follower.Name(),
		Features: dataset.Merge(
			dataset.FromHardware(follower.ActionFeatures(), dataset.PrefixAction, false),
			dataset.FromHardware(follower.ObservationFeatures(), dataset.PrefixObservation, false),
		),
		ImageWriterThreads: rc.ImageWriterThreads,
	})
}

func hubOptions(cfg *config.Config) []hub.Option {
	if cfg.Hub.Endpoint == "" {
		return nil
	}
	return []hub.Option{hub.WithEndpoint(cfg.Hub.Endpoint)}
}
