// Package record runs recording sessions: episodes of teleoperated control
// written to a dataset, separated by reset periods, then pushed to the hub.
package record

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/gwillem/pearlywhite/internal/log"
	"github.com/gwillem/pearlywhite/pkg/dataset"
	"github.com/gwillem/pearlywhite/pkg/robot"
	"github.com/gwillem/pearlywhite/pkg/teleop"
)

// Config bounds a session.
type Config struct {
	Episodes    int
	FPS         int
	EpisodeTime time.Duration
	ResetTime   time.Duration
	Task        string
	// Push uploads the dataset when the session ends.
	Push    bool
	Private bool
	// LogDir receives a JSON log of the session. Empty disables it.
	LogDir string
}

// Result summarizes a finished session.
type Result struct {
	SessionID string
	Episodes  int
	Frames    int
	Pushed    bool
}

// Session records episodes from a robot driven by a teleoperator.
type Session struct {
	id     uuid.UUID
	cfg    Config
	robot  robot.Robot
	teleop robot.Teleoperator
	ds     *dataset.Dataset
	ctrl   *teleop.Controller

	events   *Events
	pusher   dataset.Pusher
	announce func(string)
}

// Option customizes a Session.
type Option func(*Session)

// WithEvents shares an Events value with the UI.
func WithEvents(e *Events) Option {
	return func(s *Session) { s.events = e }
}

// WithPusher sets the hub client used when Config.Push is set.
func WithPusher(p dataset.Pusher) Option {
	return func(s *Session) { s.pusher = p }
}

// WithAnnounce receives the operator prompts ("Reset the environment").
func WithAnnounce(f func(string)) Option {
	return func(s *Session) { s.announce = f }
}

// NewSession prepares a session. Devices are connected by Run.
func NewSession(cfg Config, r robot.Robot, t robot.Teleoperator, ds *dataset.Dataset, opts ...Option) *Session {
	s := &Session{
		id:     uuid.New(),
		cfg:    cfg,
		robot:  r,
		teleop: t,
		ds:     ds,
		events: &Events{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctrl = teleop.NewController(r, t, cfg.FPS)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id.String() }

// Events returns the session's event flags.
func (s *Session) Events() *Events { return s.events }

// Controller returns the control loop, for its state and log channels.
func (s *Session) Controller() *teleop.Controller { return s.ctrl }

func (s *Session) say(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Info(msg, "session", s.id.String())
	if s.announce != nil {
		s.announce(msg)
	}
}

// Run connects the devices, records the episodes and disconnects. The
// dataset is pushed afterwards when configured.
func (s *Session) Run(ctx context.Context) (res Result, err error) {
	res.SessionID = s.id.String()
	if s.cfg.Push && s.pusher == nil {
		return res, errors.New("record: push requested without a hub client")
	}

	if s.cfg.LogDir != "" {
		path := filepath.Join(s.cfg.LogDir, "session-"+s.id.String()+".jsonl")
		if err := log.OpenFile(path); err != nil {
			return res, err
		}
		defer log.CloseFile()
	}
	log.Info("recording session started", "session", s.id.String(), "repo", s.ds.RepoID(),
		"episodes", s.cfg.Episodes, "fps", s.cfg.FPS)

	if err := s.robot.Connect(ctx); err != nil {
		return res, fmt.Errorf("connect robot: %w", err)
	}
	if err := s.teleop.Connect(ctx); err != nil {
		s.robot.Disconnect()
		return res, fmt.Errorf("connect teleoperator: %w", err)
	}

	loopErr := s.episodes(ctx, &res)

	s.say("Stop recording")
	if derr := s.disconnect(); derr != nil {
		log.Warn("disconnect failed", "error", derr)
	}
	if loopErr != nil {
		return res, loopErr
	}

	if s.cfg.Push {
		if err := s.ds.PushToHub(ctx, s.pusher, dataset.PushOptions{Private: s.cfg.Private}); err != nil {
			return res, err
		}
		res.Pushed = true
	}
	return res, nil
}

func (s *Session) episodes(ctx context.Context, res *Result) error {
	ep := 0
	for ep < s.cfg.Episodes && !s.events.Stopped() {
		s.say("Recording episode %d of %d", ep+1, s.cfg.Episodes)
		if err := s.loop(ctx, s.cfg.EpisodeTime, true); err != nil {
			return err
		}

		// No reset after the last episode unless it is recorded again.
		if !s.events.Stopped() && (ep < s.cfg.Episodes-1 || s.events.Rerecording()) {
			s.say("Reset the environment")
			if err := s.loop(ctx, s.cfg.ResetTime, false); err != nil {
				return err
			}
		}

		if s.events.takeRerecord() {
			s.say("Re-recording episode")
			s.events.takeExitEarly()
			if err := s.ds.ClearEpisodeBuffer(); err != nil {
				return err
			}
			continue
		}

		if s.ds.BufferedFrames() == 0 {
			log.Warn("episode has no frames, not saving", "episode", ep)
			continue
		}
		frames := s.ds.BufferedFrames()
		if err := s.ds.SaveEpisode(ctx); err != nil {
			return err
		}
		res.Episodes++
		res.Frames += frames
		ep++
	}
	return nil
}

// loop runs the control loop for d, adding frames to the dataset when
// record is set.
func (s *Session) loop(ctx context.Context, d time.Duration, record bool) error {
	opts := teleop.RunOptions{
		Duration:  d,
		ExitEarly: s.events.takeExitEarly,
	}
	if record {
		opts.OnStep = s.addFrame
	}

	err := s.ctrl.Run(ctx, opts)
	if !s.teleop.Connected() && !s.events.Stopped() {
		log.Info("teleoperator disconnected, stopping")
		s.events.Stop()
		s.events.takeExitEarly()
	}
	return err
}

func (s *Session) addFrame(obs robot.Observation, sent robot.Action) error {
	features := s.ds.Features()

	frame, err := dataset.BuildFrame(features, obs.Values(), dataset.PrefixObservation)
	if err != nil {
		return err
	}
	action, err := dataset.BuildFrame(features, sent.Values(), dataset.PrefixAction)
	if err != nil {
		return err
	}
	for k, v := range action {
		frame[k] = v
	}
	frame[dataset.TaskKey] = s.cfg.Task
	return s.ds.AddFrame(frame)
}

func (s *Session) disconnect() error {
	var errs []error
	if err := s.robot.Disconnect(); err != nil && !errors.Is(err, robot.ErrNotConnected) {
		errs = append(errs, err)
	}
	if err := s.teleop.Disconnect(); err != nil && !errors.Is(err, robot.ErrNotConnected) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
