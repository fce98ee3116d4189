package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore keeps blobs in memory.
type memStore struct {
	mu         sync.Mutex
	containers map[string]map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{containers: map[string]map[string][]byte{}}
}

func (m *memStore) CreateContainer(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[name]; !ok {
		m.containers[name] = map[string][]byte{}
	}
	return nil
}

func (m *memStore) ListContainers(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for n := range m.containers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names, nil
}

func (m *memStore) List(ctx context.Context, container, prefix string, recursive bool) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blobs, ok := m.containers[container]
	if !ok {
		return nil, ErrNotFound
	}
	dirs := map[string]bool{}
	var out []Entry
	for name, b := range blobs {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if i := strings.Index(rest, "/"); i >= 0 && !recursive {
			dirs[prefix+rest[:i]] = true
			continue
		}
		out = append(out, Entry{Name: container + "/" + name, Size: int64(len(b))})
	}
	for d := range dirs {
		out = append(out, Entry{Name: container + "/" + d, IsDir: true})
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *memStore) Upload(ctx context.Context, container, name string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	blobs, ok := m.containers[container]
	if !ok {
		return ErrNotFound
	}
	blobs[name] = b
	return nil
}

func (m *memStore) Download(ctx context.Context, container, name string, w io.Writer) (int64, error) {
	m.mu.Lock()
	b, ok := m.containers[container][name]
	m.mu.Unlock()
	if !ok {
		return 0, ErrNotFound
	}
	return io.Copy(w, bytes.NewReader(b))
}

func newTestFS() (*FS, *memStore) {
	s := newMemStore()
	return &FS{store: s}, s
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct{ in, container, name string }{
		{"", "", ""},
		{"/", "", ""},
		{"data", "data", ""},
		{"data/", "data", ""},
		{"/data/a/b.txt", "data", "a/b.txt"},
		{"data/a/../b", "data", "b"},
	}
	for _, tt := range tests {
		c, n, err := splitPath(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.container, c, tt.in)
		assert.Equal(t, tt.name, n, tt.in)
	}
}

func TestNewFS_RequiresCredentials(t *testing.T) {
	_, err := NewFS(Config{Account: "pearlywhite"})
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestFS_MkdirLs(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFS()

	assert.Error(t, f.Mkdir(ctx, ""))
	require.NoError(t, f.Mkdir(ctx, "datasets"))
	require.NoError(t, f.Mkdir(ctx, "datasets"))
	require.NoError(t, f.Mkdir(ctx, "models/sub"))

	entries, err := f.Ls(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Name: "datasets", IsDir: true}, {Name: "models", IsDir: true}}, entries)
}

func TestFS_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	f, s := newTestFS()
	require.NoError(t, f.Mkdir(ctx, "datasets"))

	src := filepath.Join(t.TempDir(), "hello3")
	writeFiles(t, src, map[string]string{
		"meta/info.json": `{"fps":30}`,
		"data.db":        "db",
		"images/front/episode_000000/frame_000000.png": "png",
	})

	n, err := f.Put(ctx, src, "datasets")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("db"), s.containers["datasets"]["hello3/data.db"])

	entries, err := f.Ls(ctx, "datasets/hello3")
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Name: "datasets/hello3/data.db", Size: 2},
		{Name: "datasets/hello3/images", IsDir: true},
		{Name: "datasets/hello3/meta", IsDir: true},
	}, entries)

	dst := filepath.Join(t.TempDir(), "from_blob")
	n, err = f.Get(ctx, "datasets/hello3", dst)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	b, err := os.ReadFile(filepath.Join(dst, "meta", "info.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"fps":30}`, string(b))
	assert.FileExists(t, filepath.Join(dst, "images", "front", "episode_000000", "frame_000000.png"))
}

func TestFS_SingleFile(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFS()
	require.NoError(t, f.Mkdir(ctx, "c"))

	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"notes.txt": "hi"})

	n, err := f.Put(ctx, filepath.Join(dir, "notes.txt"), "c/docs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := f.Ls(ctx, "c/docs/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Name: "c/docs/notes.txt", Size: 2}}, entries)

	out := t.TempDir()
	_, err = f.Get(ctx, "c/docs/notes.txt", out)
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(out, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(b))
}

func TestFS_Missing(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFS()
	require.NoError(t, f.Mkdir(ctx, "c"))

	_, err := f.Ls(ctx, "c/nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.Get(ctx, "c/nope", t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.Put(ctx, filepath.Join(t.TempDir(), "missing"), "c")
	assert.Error(t, err)

	_, err = f.Put(ctx, t.TempDir(), "")
	assert.ErrorContains(t, err, "container")
}

func TestFS_GetRejectsEscapingNames(t *testing.T) {
	ctx := context.Background()

	for _, name := range []string{"ds/../../escaped.txt", "ds//etc/escaped.txt"} {
		f, s := newTestFS()
		require.NoError(t, f.Mkdir(ctx, "c"))
		s.containers["c"]["ds/ok.txt"] = []byte("ok")
		s.containers["c"][name] = []byte("evil")

		base := t.TempDir()
		dst := filepath.Join(base, "a", "out")
		_, err := f.Get(ctx, "c/ds", dst)
		require.ErrorIs(t, err, ErrUnsafePath, name)

		assert.NoFileExists(t, filepath.Join(base, "escaped.txt"))
		assert.NoFileExists(t, filepath.Join(dst, "ok.txt"), "nothing is downloaded once a name is rejected")
	}
}
