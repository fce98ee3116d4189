// Package blob is a small filesystem over an Azure Blob storage account.
// Paths are "container/dir/file"; directories are blob name prefixes.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/gwillem/pearlywhite/internal/log"
)

// transferWorkers bounds concurrent blob transfers.
const transferWorkers = 4

// SASTokenEnv is the environment variable holding the SAS token.
const SASTokenEnv = "AZURE_STORAGE_SAS_TOKEN"

// ErrNoCredentials is returned when the account or SAS token is missing.
var ErrNoCredentials = errors.New("blob storage account and " + SASTokenEnv + " are required")

// Config locates a storage account.
type Config struct {
	Account string
	// SASToken grants access; it is read from the environment, never
	// from the config file.
	SASToken string `json:"-"`
	// Endpoint overrides https://<account>.blob.core.windows.net.
	Endpoint string
}

// FS is a filesystem on a storage account.
type FS struct {
	store store
}

// NewFS connects to the account with a SAS token.
func NewFS(cfg Config) (*FS, error) {
	if cfg.Account == "" || cfg.SASToken == "" {
		return nil, ErrNoCredentials
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	s, err := newAzureStore(endpoint, cfg.SASToken)
	if err != nil {
		return nil, err
	}
	return &FS{store: s}, nil
}

// splitPath returns the container and the blob name or prefix of p.
func splitPath(p string) (container, name string, err error) {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return "", "", nil
	}
	container, name, _ = strings.Cut(p, "/")
	return container, name, nil
}

// Mkdir creates the container of p. Directories below a container exist
// implicitly once a blob is written under them.
func (f *FS) Mkdir(ctx context.Context, p string) error {
	container, _, err := splitPath(p)
	if err != nil {
		return err
	}
	if container == "" {
		return errors.New("mkdir: empty path")
	}
	if err := f.store.CreateContainer(ctx, container); err != nil {
		return fmt.Errorf("mkdir %s: %w", container, err)
	}
	log.Info("container ready", "container", container)
	return nil
}

// Ls lists the containers for an empty path, otherwise the direct
// children of p.
func (f *FS) Ls(ctx context.Context, p string) ([]Entry, error) {
	container, name, err := splitPath(p)
	if err != nil {
		return nil, err
	}
	if container == "" {
		names, err := f.store.ListContainers(ctx)
		if err != nil {
			return nil, fmt.Errorf("list containers: %w", err)
		}
		entries := make([]Entry, len(names))
		for i, n := range names {
			entries[i] = Entry{Name: n, IsDir: true}
		}
		return entries, nil
	}

	prefix := ""
	if name != "" {
		prefix = name + "/"
	}
	entries, err := f.store.List(ctx, container, prefix, false)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p, err)
	}
	if len(entries) == 0 && name != "" {
		// p may name a single blob.
		all, err := f.store.List(ctx, container, name, false)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", p, err)
		}
		for _, e := range all {
			if e.Name == container+"/"+name && !e.IsDir {
				return []Entry{e}, nil
			}
		}
		return nil, fmt.Errorf("list %s: %w", p, ErrNotFound)
	}
	return entries, nil
}

// Put uploads a local file or directory into the remote directory. A
// directory lands at <remote>/<base name of local>/...
func (f *FS) Put(ctx context.Context, local, remote string) (int, error) {
	container, prefix, err := splitPath(remote)
	if err != nil {
		return 0, err
	}
	if container == "" {
		return 0, errors.New("put: remote path needs a container")
	}

	st, err := os.Stat(local)
	if err != nil {
		return 0, fmt.Errorf("put: %w", err)
	}
	base := filepath.Base(filepath.Clean(local))

	type upload struct{ src, dst string }
	var uploads []upload
	if !st.IsDir() {
		uploads = append(uploads, upload{local, path.Join(prefix, base)})
	} else {
		err = filepath.WalkDir(local, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(local, p)
			if err != nil {
				return err
			}
			uploads = append(uploads, upload{p, path.Join(prefix, base, filepath.ToSlash(rel))})
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("put: scan %s: %w", local, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferWorkers)
	for _, u := range uploads {
		g.Go(func() error {
			file, err := os.Open(u.src)
			if err != nil {
				return err
			}
			defer file.Close()
			if err := f.store.Upload(gctx, container, u.dst, file); err != nil {
				return fmt.Errorf("upload %s: %w", u.dst, err)
			}
			log.Debug("blob uploaded", "container", container, "blob", u.dst)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("put %s: %w", local, err)
	}

	log.Info("uploaded to blob storage", "local", local, "container", container, "files", len(uploads))
	return len(uploads), nil
}

// Get downloads a remote blob or every blob under a remote directory into
// local, keeping paths relative to the remote directory.
func (f *FS) Get(ctx context.Context, remote, local string) (int, error) {
	container, name, err := splitPath(remote)
	if err != nil {
		return 0, err
	}
	if container == "" {
		return 0, errors.New("get: remote path needs a container")
	}

	prefix := ""
	if name != "" {
		prefix = name + "/"
	}
	entries, err := f.store.List(ctx, container, prefix, true)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", remote, err)
	}

	type download struct{ blob, dst string }
	var downloads []download
	for _, e := range entries {
		blob := strings.TrimPrefix(e.Name, container+"/")
		rel := strings.TrimPrefix(blob, prefix)
		if rel == "" {
			continue
		}
		dst, err := localPath(local, rel)
		if err != nil {
			return 0, fmt.Errorf("get %s: %w", remote, err)
		}
		downloads = append(downloads, download{blob, dst})
	}
	if len(downloads) == 0 && name != "" {
		// remote names a single blob.
		downloads = append(downloads, download{name, local})
		if st, err := os.Stat(local); err == nil && st.IsDir() {
			dst, err := localPath(local, path.Base(name))
			if err != nil {
				return 0, fmt.Errorf("get %s: %w", remote, err)
			}
			downloads[0].dst = dst
		}
	}
	if len(downloads) == 0 {
		return 0, fmt.Errorf("get %s: %w", remote, ErrNotFound)
	}
	slices.SortFunc(downloads, func(a, b download) int { return strings.Compare(a.blob, b.blob) })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferWorkers)
	for _, d := range downloads {
		g.Go(func() error {
			return f.download(gctx, container, d.blob, d.dst)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("get %s: %w", remote, err)
	}

	log.Info("downloaded from blob storage", "remote", remote, "local", local, "files", len(downloads))
	return len(downloads), nil
}

// localPath joins a slash-separated blob name below dir. Names that would
// resolve outside dir are rejected.
func localPath(dir, rel string) (string, error) {
	p := filepath.FromSlash(rel)
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("blob %q: %w", rel, ErrUnsafePath)
	}
	return filepath.Join(dir, p), nil
}

func (f *FS) download(ctx context.Context, container, blob, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".blob-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := f.store.Download(ctx, container, blob, tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("download %s: %w", blob, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
