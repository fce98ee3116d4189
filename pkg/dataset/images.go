package dataset

import (
	"fmt"
	"image/png"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/gwillem/pearlywhite/pkg/camera"
)

// DefaultImageWriterThreads is the number of concurrent PNG encoders.
const DefaultImageWriterThreads = 4

// imageWriter encodes frames to PNG on a bounded pool. write blocks while
// every worker is busy.
type imageWriter struct {
	threads int
	g       *errgroup.Group
}

func newImageWriter(threads int) *imageWriter {
	if threads <= 0 {
		threads = DefaultImageWriterThreads
	}
	w := &imageWriter{threads: threads}
	w.reset()
	return w
}

func (w *imageWriter) reset() {
	w.g = new(errgroup.Group)
	w.g.SetLimit(w.threads)
}

func (w *imageWriter) write(path string, frame camera.Frame) {
	w.g.Go(func() error {
		return writePNG(path, frame)
	})
}

// wait blocks until queued images are written and returns the first error.
func (w *imageWriter) wait() error {
	err := w.g.Wait()
	w.reset()
	return err
}

func writePNG(path string, frame camera.Frame) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, frame.Image()); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// imagePath is the path of a frame image relative to the dataset root.
func imagePath(key string, episode, frame int) string {
	return filepath.ToSlash(filepath.Join("images", key, episodeDir(episode), fmt.Sprintf("frame_%06d.png", frame)))
}

func episodeDir(episode int) string {
	return fmt.Sprintf("episode_%06d", episode)
}
