package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/gwillem/pearlywhite/internal/log"
)

// downloadWorkers bounds concurrent file downloads.
const downloadWorkers = 8

// SnapshotOptions describes a repository download.
type SnapshotOptions struct {
	RepoID   string
	Type     RepoType
	Revision string
	// LocalDir receives the files. Empty uses the hub cache layout under
	// CacheDir.
	LocalDir string
	// CacheDir overrides the cache root. Empty uses DefaultCacheDir.
	CacheDir string
}

// TreeEntry is one file or directory in a repository.
type TreeEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	OID  string `json:"oid"`
}

// DefaultCacheDir returns $HF_HUB_CACHE, $HF_HOME/hub or
// ~/.cache/huggingface/hub.
func DefaultCacheDir() string {
	if d := os.Getenv("HF_HUB_CACHE"); d != "" {
		return d
	}
	if d := os.Getenv("HF_HOME"); d != "" {
		return filepath.Join(d, "hub")
	}
	if d := os.Getenv("XDG_CACHE_HOME"); d != "" {
		return filepath.Join(d, "huggingface", "hub")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cache", "huggingface", "hub")
}

// repoFolderName is the cache directory name of a repo, e.g.
// "datasets--user--name".
func repoFolderName(id string, t RepoType) string {
	return t.apiPath() + "--" + strings.ReplaceAll(id, "/", "--")
}

// ListFiles returns every file of a revision, following pagination.
func (c *Client) ListFiles(ctx context.Context, repoID string, t RepoType, rev string) ([]TreeEntry, error) {
	if rev == "" {
		rev = DefaultRevision
	}
	next := fmt.Sprintf("/api/%s/%s/tree/%s?recursive=true", t.apiPath(), repoID, url.PathEscape(rev))

	var files []TreeEntry
	for next != "" {
		resp, err := c.do(ctx, http.MethodGet, next, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("list files of %s: %w", repoID, err)
		}
		var page []TreeEntry
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode tree: %w", err)
		}
		for _, e := range page {
			if e.Type == "file" {
				files = append(files, e)
			}
		}
		next = nextLink(resp.Header.Get("Link"))
	}
	return files, nil
}

var linkNext = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

func nextLink(header string) string {
	m := linkNext.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return m[1]
}

// SnapshotDownload downloads every file of a revision and returns the
// directory holding them.
func (c *Client) SnapshotDownload(ctx context.Context, opts SnapshotOptions) (string, error) {
	info, err := c.Revision(ctx, opts.RepoID, opts.Type, opts.Revision)
	if err != nil {
		return "", err
	}
	if !filepath.IsLocal(info.SHA) || strings.ContainsAny(info.SHA, `/\`) {
		return "", fmt.Errorf("revision sha %q: %w", info.SHA, ErrUnsafePath)
	}

	dir := opts.LocalDir
	if dir == "" {
		cache := opts.CacheDir
		if cache == "" {
			cache = DefaultCacheDir()
		}
		repoDir := filepath.Join(cache, repoFolderName(opts.RepoID, opts.Type))
		dir = filepath.Join(repoDir, "snapshots", info.SHA)

		ref := opts.Revision
		if ref == "" {
			ref = DefaultRevision
		}
		if !filepath.IsLocal(filepath.FromSlash(ref)) {
			return "", fmt.Errorf("revision %q: %w", ref, ErrUnsafePath)
		}
		if ref != info.SHA {
			refPath := filepath.Join(repoDir, "refs", ref)
			if err := os.MkdirAll(filepath.Dir(refPath), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(refPath, []byte(info.SHA), 0o644); err != nil {
				return "", fmt.Errorf("write ref: %w", err)
			}
		}
	}

	files, err := c.ListFiles(ctx, opts.RepoID, opts.Type, info.SHA)
	if err != nil {
		return "", err
	}
	for _, f := range files {
		if !filepath.IsLocal(filepath.FromSlash(f.Path)) {
			return "", fmt.Errorf("%s: file %q: %w", opts.RepoID, f.Path, ErrUnsafePath)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadWorkers)
	for _, f := range files {
		g.Go(func() error {
			return c.downloadFile(gctx, opts.RepoID, opts.Type, info.SHA, f, dir)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	log.Info("snapshot downloaded", "repo", opts.RepoID, "revision", info.SHA, "files", len(files), "dir", dir)
	return dir, nil
}

func (c *Client) downloadFile(ctx context.Context, repoID string, t RepoType, sha string, f TreeEntry, dir string) error {
	dst := filepath.Join(dir, filepath.FromSlash(f.Path))
	if st, err := os.Stat(dst); err == nil && st.Size() == f.Size {
		return nil
	}

	segments := strings.Split(f.Path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	p := fmt.Sprintf("/%s%s/resolve/%s/%s", t.urlPrefix(), repoID, sha, strings.Join(segments, "/"))

	resp, err := c.do(ctx, http.MethodGet, p, nil, nil)
	if err != nil {
		return fmt.Errorf("download %s: %w", f.Path, err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("download %s: %w", f.Path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
