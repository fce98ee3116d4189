package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gwillem/pearlywhite/internal/log"
	"github.com/gwillem/pearlywhite/pkg/camera"
	"github.com/gwillem/pearlywhite/pkg/hub"
)

// CodebaseVersion is the dataset format version, also pushed as a tag.
const CodebaseVersion = "v2.1"

const (
	infoPath = "meta/info.json"
	dbPath   = "data.db"
)

// Info is the dataset metadata stored in meta/info.json.
type Info struct {
	CodebaseVersion string            `json:"codebase_version"`
	RepoID          string            `json:"repo_id"`
	RobotType       string            `json:"robot_type"`
	TotalEpisodes   int               `json:"total_episodes"`
	TotalFrames     int               `json:"total_frames"`
	TotalTasks      int               `json:"total_tasks"`
	FPS             int               `json:"fps"`
	Splits          map[string]string `json:"splits"`
	DataPath        string            `json:"data_path"`
	ImagePath       string            `json:"image_path"`
	Features        Features          `json:"features"`
}

// CreateOptions describes a new dataset.
type CreateOptions struct {
	RepoID    string
	Root      string
	FPS       int
	RobotType string
	// Features are the device features; defaults are added.
	Features           Features
	ImageWriterThreads int
}

// Dataset is a local dataset being recorded.
type Dataset struct {
	root   string
	info   Info
	store  *store
	writer *imageWriter
	buffer episodeBuffer
}

type bufferedFrame struct {
	frameIndex int
	timestamp  float64
	task       string
	values     map[string]any
}

type episodeBuffer struct {
	episode int
	frames  []bufferedFrame
}

// DefaultRoot returns the local directory of a dataset:
// $HF_LEROBOT_HOME/<repo id>, defaulting to ~/.cache/huggingface/lerobot.
func DefaultRoot(repoID string) string {
	home := os.Getenv("HF_LEROBOT_HOME")
	if home == "" {
		cache, _ := os.UserCacheDir()
		home = filepath.Join(cache, "huggingface", "lerobot")
	}
	return filepath.Join(home, filepath.FromSlash(repoID))
}

// Create makes a new dataset. Root must not exist yet.
func Create(ctx context.Context, opts CreateOptions) (*Dataset, error) {
	if opts.RepoID == "" {
		return nil, errors.New("create dataset: repo id is required")
	}
	if opts.FPS <= 0 {
		return nil, errors.New("create dataset: fps must be positive")
	}
	for key, ft := range opts.Features {
		if ft.DType == DTypeVideo {
			return nil, fmt.Errorf("create dataset: feature %s: video encoding is not supported, record images", key)
		}
	}
	if opts.Root == "" {
		opts.Root = DefaultRoot(opts.RepoID)
	}
	if _, err := os.Stat(opts.Root); err == nil {
		return nil, fmt.Errorf("create dataset: %s already exists", opts.Root)
	}
	if err := os.MkdirAll(filepath.Join(opts.Root, "meta"), 0o755); err != nil {
		return nil, fmt.Errorf("create dataset: %w", err)
	}

	info := Info{
		CodebaseVersion: CodebaseVersion,
		RepoID:          opts.RepoID,
		RobotType:       opts.RobotType,
		FPS:             opts.FPS,
		Splits:          map[string]string{},
		DataPath:        dbPath,
		ImagePath:       "images/{image_key}/episode_{episode_index:06d}/frame_{frame_index:06d}.png",
		Features:        Merge(opts.Features, DefaultFeatures()),
	}

	ds, err := open(ctx, opts.Root, info, opts.ImageWriterThreads)
	if err != nil {
		return nil, err
	}
	if err := ds.writeInfo(); err != nil {
		ds.Close()
		return nil, err
	}
	log.Info("dataset created", "repo", opts.RepoID, "root", opts.Root, "features", len(info.Features))
	return ds, nil
}

// Open loads an existing dataset to append episodes to it.
func Open(ctx context.Context, root string, imageWriterThreads int) (*Dataset, error) {
	b, err := os.ReadFile(filepath.Join(root, infoPath))
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	var info Info
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("decode %s: %w", infoPath, err)
	}
	if info.CodebaseVersion != CodebaseVersion {
		return nil, fmt.Errorf("open dataset: version %s, want %s", info.CodebaseVersion, CodebaseVersion)
	}
	return open(ctx, root, info, imageWriterThreads)
}

func open(ctx context.Context, root string, info Info, threads int) (*Dataset, error) {
	st, err := openStore(filepath.Join(root, dbPath))
	if err != nil {
		return nil, err
	}
	episodes, frames, tasks, err := st.counts(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("count episodes: %w", err)
	}
	info.TotalEpisodes, info.TotalFrames, info.TotalTasks = episodes, frames, tasks

	return &Dataset{
		root:   root,
		info:   info,
		store:  st,
		writer: newImageWriter(threads),
		buffer: episodeBuffer{episode: episodes},
	}, nil
}

// Root returns the dataset directory.
func (d *Dataset) Root() string { return d.root }

// RepoID returns the hub repository of the dataset.
func (d *Dataset) RepoID() string { return d.info.RepoID }

// Features returns every feature including the defaults.
func (d *Dataset) Features() Features { return d.info.Features }

// FPS returns the recording rate.
func (d *Dataset) FPS() int { return d.info.FPS }

// Info returns a copy of the metadata.
func (d *Dataset) Info() Info { return d.info }

// NumEpisodes returns the number of saved episodes.
func (d *Dataset) NumEpisodes() int { return d.info.TotalEpisodes }

// NumFrames returns the number of saved frames.
func (d *Dataset) NumFrames() int { return d.info.TotalFrames }

// BufferedFrames returns the number of frames in the unsaved episode.
func (d *Dataset) BufferedFrames() int { return len(d.buffer.frames) }

// AddFrame appends a frame to the current episode. Images are queued for
// writing; SaveEpisode waits for them.
func (d *Dataset) AddFrame(frame Frame) error {
	if err := ValidateFrame(d.info.Features, frame); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}

	idx := len(d.buffer.frames)
	ts, ok := frame["timestamp"].(float64)
	if !ok {
		ts = float64(idx) / float64(d.info.FPS)
	}

	values := make(map[string]any, len(frame))
	for key, v := range frame {
		switch v := v.(type) {
		case camera.Frame:
			rel := imagePath(key, d.buffer.episode, idx)
			d.writer.write(filepath.Join(d.root, filepath.FromSlash(rel)), v)
			values[key] = rel
		case []float32:
			values[key] = append([]float32(nil), v...)
		}
	}

	d.buffer.frames = append(d.buffer.frames, bufferedFrame{
		frameIndex: idx,
		timestamp:  ts,
		task:       frame[TaskKey].(string),
		values:     values,
	})
	return nil
}

// SaveEpisode writes the buffered episode and starts the next one.
func (d *Dataset) SaveEpisode(ctx context.Context) error {
	if len(d.buffer.frames) == 0 {
		return errors.New("save episode: no frames recorded")
	}
	if err := d.writer.wait(); err != nil {
		return fmt.Errorf("save episode: write images: %w", err)
	}

	ep := d.buffer.episode
	if _, err := d.store.insertEpisode(ctx, ep, d.buffer.frames); err != nil {
		return fmt.Errorf("save episode %d: %w", ep, err)
	}

	episodes, frames, tasks, err := d.store.counts(ctx)
	if err != nil {
		return fmt.Errorf("save episode %d: %w", ep, err)
	}
	d.info.TotalEpisodes, d.info.TotalFrames, d.info.TotalTasks = episodes, frames, tasks
	d.info.Splits = map[string]string{"train": fmt.Sprintf("0:%d", episodes)}
	if err := d.writeInfo(); err != nil {
		return err
	}

	log.Info("episode saved", "episode", ep, "frames", len(d.buffer.frames))
	d.buffer = episodeBuffer{episode: ep + 1}
	return nil
}

// ClearEpisodeBuffer drops the unsaved episode and its images.
func (d *Dataset) ClearEpisodeBuffer() error {
	werr := d.writer.wait()

	var errs []error
	if werr != nil {
		errs = append(errs, fmt.Errorf("write images: %w", werr))
	}
	for _, key := range d.info.Features.ImageKeys() {
		dir := filepath.Join(d.root, "images", key, episodeDir(d.buffer.episode))
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}

	log.Info("episode buffer cleared", "episode", d.buffer.episode, "frames", len(d.buffer.frames))
	d.buffer = episodeBuffer{episode: d.buffer.episode}
	return errors.Join(errs...)
}

// Episodes returns the saved episodes.
func (d *Dataset) Episodes(ctx context.Context) ([]Episode, error) {
	return d.store.episodes(ctx)
}

// Frames returns the saved frames of an episode.
func (d *Dataset) Frames(ctx context.Context, episode int) ([]FrameRecord, error) {
	return d.store.frames(ctx, episode)
}

// Tasks returns the task descriptions by task index.
func (d *Dataset) Tasks(ctx context.Context) ([]string, error) {
	return d.store.tasks(ctx)
}

func (d *Dataset) writeInfo() error {
	b, err := json.MarshalIndent(d.info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.root, infoPath), b, 0o644); err != nil {
		return fmt.Errorf("write info: %w", err)
	}
	return nil
}

// Pusher is the part of the hub client used to publish a dataset.
type Pusher interface {
	CreateRepo(ctx context.Context, opts hub.RepoOptions) (string, error)
	UploadFolder(ctx context.Context, opts hub.UploadOptions) (hub.CommitInfo, error)
	CreateTag(ctx context.Context, opts hub.TagOptions) error
}

// PushOptions control PushToHub.
type PushOptions struct {
	Private bool
	// Branch defaults to main.
	Branch string
}

// PushToHub uploads the dataset directory to its hub repository and tags
// the revision with the codebase version. Unsaved frames are not pushed.
func (d *Dataset) PushToHub(ctx context.Context, p Pusher, opts PushOptions) error {
	if err := d.writer.wait(); err != nil {
		return fmt.Errorf("push: write images: %w", err)
	}

	url, err := p.CreateRepo(ctx, hub.RepoOptions{
		ID:      d.info.RepoID,
		Type:    hub.RepoTypeDataset,
		Private: opts.Private,
		ExistOK: true,
	})
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}

	if _, err := p.UploadFolder(ctx, hub.UploadOptions{
		RepoID:   d.info.RepoID,
		Type:     hub.RepoTypeDataset,
		Folder:   d.root,
		Revision: opts.Branch,
		Message:  fmt.Sprintf("Upload %d episodes", d.info.TotalEpisodes),
		Ignore:   []string{"logs/*", "images/*/" + episodeDir(d.buffer.episode) + "/*"},
	}); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	if err := p.CreateTag(ctx, hub.TagOptions{
		RepoID:   d.info.RepoID,
		Type:     hub.RepoTypeDataset,
		Tag:      CodebaseVersion,
		Revision: opts.Branch,
		ExistOK:  true,
	}); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	log.Info("dataset pushed", "repo", d.info.RepoID, "url", url)
	return nil
}

// Close waits for pending images and closes the frame index.
func (d *Dataset) Close() error {
	werr := d.writer.wait()
	return errors.Join(werr, d.store.Close())
}
