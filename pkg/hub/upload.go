package hub

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/gwillem/pearlywhite/internal/log"
)

// uploadWorkers bounds concurrent large-file transfers.
const uploadWorkers = 4

// preuploadBatch is the number of files sent per preupload request.
const preuploadBatch = 256

const (
	uploadModeRegular = "regular"
	uploadModeLFS     = "lfs"
)

// UploadOptions describes a folder upload.
type UploadOptions struct {
	RepoID string
	Type   RepoType
	// Folder is the local directory to upload.
	Folder string
	// PathInRepo prefixes every uploaded path.
	PathInRepo string
	Revision   string
	Message    string
	// Ignore holds path.Match patterns matched against repo paths.
	Ignore []string
}

// CommitInfo is the result of a commit.
type CommitInfo struct {
	URL string `json:"commitUrl"`
	OID string `json:"commitOid"`
}

// operation is one file to add in a commit.
type operation struct {
	localPath string
	repoPath  string
	size      int64
	sha256    string
	sample    []byte
	mode      string
}

// UploadFolder uploads every file under opts.Folder in a single commit.
// Files the hub marks as large go through git LFS storage first.
func (c *Client) UploadFolder(ctx context.Context, opts UploadOptions) (CommitInfo, error) {
	if opts.Revision == "" {
		opts.Revision = DefaultRevision
	}
	if opts.Message == "" {
		opts.Message = "Upload folder"
	}

	ops, err := collectFiles(opts.Folder, opts.PathInRepo, opts.Ignore)
	if err != nil {
		return CommitInfo{}, err
	}
	if len(ops) == 0 {
		return CommitInfo{}, fmt.Errorf("upload %s: no files", opts.Folder)
	}

	if err := c.preupload(ctx, opts, ops); err != nil {
		return CommitInfo{}, err
	}

	var lfs []*operation
	for _, op := range ops {
		if op.mode == uploadModeLFS {
			lfs = append(lfs, op)
		}
	}
	if err := c.uploadLFS(ctx, opts, lfs); err != nil {
		return CommitInfo{}, err
	}

	info, err := c.commit(ctx, opts, ops)
	if err != nil {
		return CommitInfo{}, err
	}
	log.Info("folder uploaded", "repo", opts.RepoID, "files", len(ops), "lfs", len(lfs), "commit", info.OID)
	return info, nil
}

func collectFiles(root, prefix string, ignore []string) ([]*operation, error) {
	var ops []*operation
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == ".git" || rel == ".cache" {
				return filepath.SkipDir
			}
			return nil
		}

		repoPath := path.Join(prefix, rel)
		for _, pattern := range ignore {
			if ok, _ := path.Match(pattern, repoPath); ok {
				return nil
			}
		}

		op, err := hashFile(p)
		if err != nil {
			return err
		}
		op.repoPath = repoPath
		ops = append(ops, op)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	slices.SortFunc(ops, func(a, b *operation) int { return strings.Compare(a.repoPath, b.repoPath) })
	return ops, nil
}

func hashFile(p string) (*operation, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sample := make([]byte, 512)
	n, err := io.ReadFull(f, sample)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	sample = sample[:n]

	h := sha256.New()
	h.Write(sample)
	rest, err := io.Copy(h, f)
	if err != nil {
		return nil, err
	}

	return &operation{
		localPath: p,
		size:      int64(n) + rest,
		sha256:    hex.EncodeToString(h.Sum(nil)),
		sample:    sample,
	}, nil
}

func (c *Client) preupload(ctx context.Context, opts UploadOptions, ops []*operation) error {
	byPath := make(map[string]*operation, len(ops))
	for _, op := range ops {
		byPath[op.repoPath] = op
	}

	p := fmt.Sprintf("/api/%s/%s/preupload/%s", opts.Type.apiPath(), opts.RepoID, url.PathEscape(opts.Revision))
	for batch := range slices.Chunk(ops, preuploadBatch) {
		type file struct {
			Path   string `json:"path"`
			Sample string `json:"sample"`
			Size   int64  `json:"size"`
		}
		req := struct {
			Files []file `json:"files"`
		}{}
		for _, op := range batch {
			req.Files = append(req.Files, file{
				Path:   op.repoPath,
				Sample: base64.StdEncoding.EncodeToString(op.sample),
				Size:   op.size,
			})
		}

		var resp struct {
			Files []struct {
				Path       string `json:"path"`
				UploadMode string `json:"uploadMode"`
			} `json:"files"`
		}
		if err := c.doJSON(ctx, http.MethodPost, p, req, &resp); err != nil {
			return fmt.Errorf("preupload: %w", err)
		}
		for _, f := range resp.Files {
			if op, ok := byPath[f.Path]; ok {
				op.mode = f.UploadMode
			}
		}
	}

	for _, op := range ops {
		if op.mode != uploadModeLFS {
			op.mode = uploadModeRegular
		}
	}
	return nil
}

type lfsAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

type lfsObject struct {
	OID     string `json:"oid"`
	Size    int64  `json:"size"`
	Actions struct {
		Upload *lfsAction `json:"upload"`
		Verify *lfsAction `json:"verify"`
	} `json:"actions"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) uploadLFS(ctx context.Context, opts UploadOptions, ops []*operation) error {
	if len(ops) == 0 {
		return nil
	}

	type object struct {
		OID  string `json:"oid"`
		Size int64  `json:"size"`
	}
	req := map[string]any{
		"operation": "upload",
		"transfers": []string{"basic"},
		"hash_algo": "sha256",
		"ref":       map[string]string{"name": "refs/heads/" + opts.Revision},
	}
	objects := make([]object, len(ops))
	byOID := make(map[string]*operation, len(ops))
	for i, op := range ops {
		objects[i] = object{OID: op.sha256, Size: op.size}
		byOID[op.sha256] = op
	}
	req["objects"] = objects

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal lfs batch: %w", err)
	}
	header := http.Header{}
	header.Set("Accept", "application/vnd.git-lfs+json")
	header.Set("Content-Type", "application/vnd.git-lfs+json")

	batchURL := fmt.Sprintf("/%s%s.git/info/lfs/objects/batch", opts.Type.urlPrefix(), opts.RepoID)
	resp, err := c.do(ctx, http.MethodPost, batchURL, bytes.NewReader(body), header)
	if err != nil {
		return fmt.Errorf("lfs batch: %w", err)
	}
	defer resp.Body.Close()

	var batch struct {
		Objects []lfsObject `json:"objects"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return fmt.Errorf("decode lfs batch: %w", err)
	}

	for _, obj := range batch.Objects {
		if obj.Error != nil {
			return fmt.Errorf("lfs object %s: %d %s", obj.OID, obj.Error.Code, obj.Error.Message)
		}
		if _, ok := byOID[obj.OID]; !ok {
			return fmt.Errorf("lfs batch returned unknown object %s", obj.OID)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadWorkers)
	for _, obj := range batch.Objects {
		if obj.Actions.Upload == nil {
			// Already in storage.
			continue
		}
		op := byOID[obj.OID]
		g.Go(func() error {
			if err := c.putObject(ctx, op, obj.Actions.Upload); err != nil {
				return fmt.Errorf("upload %s: %w", op.repoPath, err)
			}
			if obj.Actions.Verify != nil {
				if err := c.verifyObject(ctx, op, obj.Actions.Verify); err != nil {
					return fmt.Errorf("verify %s: %w", op.repoPath, err)
				}
			}
			log.Debug("lfs object uploaded", "path", op.repoPath, "size", op.size)
			return nil
		})
	}
	return g.Wait()
}

func (c *Client) putObject(ctx context.Context, op *operation, action *lfsAction) error {
	if _, ok := action.Header["chunk_size"]; ok {
		return fmt.Errorf("multipart lfs upload is not supported (%d bytes)", op.size)
	}

	f, err := os.Open(op.localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, action.Href, f)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = op.size
	for k, v := range action.Header {
		req.Header.Set(k, v)
	}

	resp, err := c.storage.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) verifyObject(ctx context.Context, op *operation, action *lfsAction) error {
	body, err := json.Marshal(map[string]any{"oid": op.sha256, "size": op.size})
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/vnd.git-lfs+json")
	for k, v := range action.Header {
		header.Set(k, v)
	}
	resp, err := c.do(ctx, http.MethodPost, action.Href, bytes.NewReader(body), header)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// commit sends the NDJSON commit payload: a header line, then one line
// per file. Regular files are inlined as base64; LFS files reference the
// stored object.
func (c *Client) commit(ctx context.Context, opts UploadOptions, ops []*operation) (CommitInfo, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	enc := json.NewEncoder(w)

	type line struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	if err := enc.Encode(line{Key: "header", Value: map[string]string{
		"summary":     opts.Message,
		"description": "",
	}}); err != nil {
		return CommitInfo{}, err
	}

	for _, op := range ops {
		var l line
		if op.mode == uploadModeLFS {
			l = line{Key: "lfsFile", Value: map[string]any{
				"path": op.repoPath,
				"algo": "sha256",
				"oid":  op.sha256,
				"size": op.size,
			}}
		} else {
			content, err := os.ReadFile(op.localPath)
			if err != nil {
				return CommitInfo{}, err
			}
			l = line{Key: "file", Value: map[string]string{
				"path":     op.repoPath,
				"encoding": "base64",
				"content":  base64.StdEncoding.EncodeToString(content),
			}}
		}
		if err := enc.Encode(l); err != nil {
			return CommitInfo{}, err
		}
	}
	if err := w.Flush(); err != nil {
		return CommitInfo{}, err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/x-ndjson")
	p := fmt.Sprintf("/api/%s/%s/commit/%s", opts.Type.apiPath(), opts.RepoID, url.PathEscape(opts.Revision))
	resp, err := c.do(ctx, http.MethodPost, p, &buf, header)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit: %w", err)
	}
	defer resp.Body.Close()

	var info CommitInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return CommitInfo{}, fmt.Errorf("decode commit: %w", err)
	}
	return info, nil
}
