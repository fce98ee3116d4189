package record

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/pearlywhite/internal/testutil"
	"github.com/gwillem/pearlywhite/pkg/camera"
	"github.com/gwillem/pearlywhite/pkg/dataset"
	"github.com/gwillem/pearlywhite/pkg/hub"
	"github.com/gwillem/pearlywhite/pkg/robot"
	"github.com/gwillem/pearlywhite/pkg/teleop"
	"github.com/gwillem/pearlywhite/pkg/xarm"
)

type rig struct {
	follower *robot.Follower
	arm      *testutil.FakeArm
	keyboard *teleop.Keyboard
	keys     chan teleop.KeyEvent
	ds       *dataset.Dataset
}

func newRig(t *testing.T) *rig {
	t.Helper()
	cfg := robot.DefaultFollowerConfig()
	cfg.Address = "arm"
	cfg.Cameras = map[string]camera.Config{"front": {IndexOrPath: "0", Width: 4, Height: 3, FPS: 30}}

	arm := testutil.NewFakeArm(xarm.Pose{})
	cams, _ := testutil.FakeCameras(cfg.Cameras)
	f := robot.NewFollower(cfg, cams, robot.WithArmDialer(func(context.Context, string) (robot.Arm, error) {
		return arm, nil
	}))

	keys := make(chan teleop.KeyEvent, 8)
	kb := teleop.NewKeyboard(teleop.KeyboardConfig{Step: 1}, teleop.ChanListener(keys))

	ds, err := dataset.Create(context.Background(), dataset.CreateOptions{
		RepoID:    "user/rec",
		Root:      filepath.Join(t.TempDir(), "rec"),
		FPS:       100,
		RobotType: f.Name(),
		Features: dataset.Merge(
			dataset.FromHardware(f.ActionFeatures(), dataset.PrefixAction, false),
			dataset.FromHardware(f.ObservationFeatures(), dataset.PrefixObservation, false),
		),
	})
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	return &rig{follower: f, arm: arm, keyboard: kb, keys: keys, ds: ds}
}

func testConfig(episodes int) Config {
	return Config{
		Episodes:    episodes,
		FPS:         100,
		EpisodeTime: 60 * time.Millisecond,
		ResetTime:   20 * time.Millisecond,
		Task:        "pick",
	}
}

// announcements collects operator prompts.
type announcements struct {
	mu   sync.Mutex
	msgs []string
	hook func(string)
}

func (a *announcements) add(msg string) {
	a.mu.Lock()
	a.msgs = append(a.msgs, msg)
	hook := a.hook
	a.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
}

func (a *announcements) count(prefix string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, m := range a.msgs {
		if strings.HasPrefix(m, prefix) {
			n++
		}
	}
	return n
}

func TestSession_RecordsEpisodes(t *testing.T) {
	r := newRig(t)
	r.keys <- teleop.KeyEvent{Key: "d", Pressed: true}

	ann := &announcements{}
	cfg := testConfig(2)
	cfg.LogDir = filepath.Join(r.ds.Root(), "logs")
	s := NewSession(cfg, r.follower, r.keyboard, r.ds, WithAnnounce(ann.add))

	res, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Episodes)
	assert.Equal(t, r.ds.NumFrames(), res.Frames)
	assert.NotZero(t, res.Frames)
	assert.False(t, res.Pushed)
	assert.Equal(t, s.ID(), res.SessionID)

	assert.Equal(t, 2, ann.count("Recording episode"))
	assert.Equal(t, 1, ann.count("Reset the environment"), "no reset after the last episode")
	assert.Equal(t, 1, ann.count("Stop recording"))

	assert.False(t, r.follower.Connected())
	assert.False(t, r.keyboard.Connected())

	frames, err := r.ds.Frames(context.Background(), 0)
	require.NoError(t, err)
	require.NotEmpty(t, frames)
	assert.JSONEq(t, "[1,0,0]", string(frames[len(frames)-1].Data["action"]))

	_, err = os.Stat(filepath.Join(cfg.LogDir, "session-"+s.ID()+".jsonl"))
	assert.NoError(t, err)
}

func TestSession_Rerecord(t *testing.T) {
	r := newRig(t)
	ann := &announcements{}
	events := &Events{}

	var once sync.Once
	ann.hook = func(msg string) {
		if strings.HasPrefix(msg, "Recording episode 1") {
			once.Do(func() {
				go func() {
					time.Sleep(20 * time.Millisecond)
					events.HandleKey(KeyRerecord)
				}()
			})
		}
	}

	s := NewSession(testConfig(1), r.follower, r.keyboard, r.ds, WithAnnounce(ann.add), WithEvents(events))
	res, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Episodes)
	assert.Equal(t, 2, ann.count("Recording episode 1 of 1"))
	assert.Equal(t, 1, ann.count("Re-recording episode"))
	assert.Equal(t, 1, ann.count("Reset the environment"), "reset runs before re-recording the last episode")

	episodes, err := r.ds.Episodes(context.Background())
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, 0, episodes[0].Index)
}

func TestSession_EscapeStops(t *testing.T) {
	r := newRig(t)
	go func() {
		time.Sleep(30 * time.Millisecond)
		r.keys <- teleop.KeyEvent{Key: teleop.EscapeKey, Pressed: true}
		r.keys <- teleop.KeyEvent{Key: teleop.EscapeKey, Pressed: false}
	}()

	cfg := testConfig(3)
	cfg.EpisodeTime = 5 * time.Second
	s := NewSession(cfg, r.follower, r.keyboard, r.ds)

	start := time.Now()
	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, res.Episodes, "the interrupted episode is saved")
	assert.True(t, s.Events().Stopped())
}

type recordingPusher struct {
	repo hub.RepoOptions
	tag  hub.TagOptions
}

func (p *recordingPusher) CreateRepo(ctx context.Context, opts hub.RepoOptions) (string, error) {
	p.repo = opts
	return "", nil
}

func (p *recordingPusher) UploadFolder(ctx context.Context, opts hub.UploadOptions) (hub.CommitInfo, error) {
	return hub.CommitInfo{}, nil
}

func (p *recordingPusher) CreateTag(ctx context.Context, opts hub.TagOptions) error {
	p.tag = opts
	return nil
}

func TestSession_Push(t *testing.T) {
	r := newRig(t)
	p := &recordingPusher{}

	cfg := testConfig(1)
	cfg.Push = true
	cfg.Private = true
	res, err := NewSession(cfg, r.follower, r.keyboard, r.ds, WithPusher(p)).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Pushed)
	assert.Equal(t, "user/rec", p.repo.ID)
	assert.True(t, p.repo.Private)
	assert.Equal(t, dataset.CodebaseVersion, p.tag.Tag)
}

func TestSession_PushWithoutClient(t *testing.T) {
	r := newRig(t)
	cfg := testConfig(1)
	cfg.Push = true
	_, err := NewSession(cfg, r.follower, r.keyboard, r.ds).Run(context.Background())
	assert.Error(t, err)
}

func TestSession_ConnectFailure(t *testing.T) {
	r := newRig(t)
	r.arm.FailOn = "enable"
	_, err := NewSession(testConfig(1), r.follower, r.keyboard, r.ds).Run(context.Background())
	assert.ErrorIs(t, err, testutil.ErrInjected)
	assert.False(t, r.keyboard.Connected())
}

func TestEvents_HandleKey(t *testing.T) {
	e := &Events{}
	assert.False(t, e.HandleKey("up"))

	assert.True(t, e.HandleKey(KeyExitEarly))
	assert.True(t, e.takeExitEarly())
	assert.False(t, e.takeExitEarly())

	assert.True(t, e.HandleKey(KeyRerecord))
	assert.True(t, e.Rerecording())
	assert.True(t, e.takeExitEarly())
	assert.True(t, e.takeRerecord())
	assert.False(t, e.Rerecording())

	assert.True(t, e.HandleKey(KeyStop))
	assert.True(t, e.Stopped())
	assert.True(t, e.takeExitEarly())
}
