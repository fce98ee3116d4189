package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gwillem/pearlywhite/internal/log"
)

// RepoOptions describes a repository to create.
type RepoOptions struct {
	// ID is "namespace/name" or just "name" for the token's account.
	ID      string
	Type    RepoType
	Private bool
	// ExistOK turns a conflict on an existing repo into success.
	ExistOK bool
}

// SplitRepoID returns the namespace and name of a repo id.
func SplitRepoID(id string) (namespace, name string, err error) {
	parts := strings.Split(id, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return "", parts[0], nil
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return parts[0], parts[1], nil
	}
	return "", "", fmt.Errorf("invalid repo id %q", id)
}

// RepoURL returns the browser URL of a repo.
func (c *Client) RepoURL(id string, t RepoType) string {
	return c.url("/" + t.urlPrefix() + id)
}

// CreateRepo creates a repository and returns its URL.
func (c *Client) CreateRepo(ctx context.Context, opts RepoOptions) (string, error) {
	namespace, name, err := SplitRepoID(opts.ID)
	if err != nil {
		return "", err
	}

	body := map[string]any{
		"name":    name,
		"private": opts.Private,
	}
	if namespace != "" {
		body["organization"] = namespace
	}
	if opts.Type != "" && opts.Type != RepoTypeModel {
		body["type"] = string(opts.Type)
	}

	var out struct {
		URL string `json:"url"`
	}
	err = c.doJSON(ctx, http.MethodPost, "/api/repos/create", body, &out)
	if IsStatus(err, http.StatusConflict) && opts.ExistOK {
		log.Debug("repo exists", "repo", opts.ID)
		return c.RepoURL(opts.ID, opts.Type), nil
	}
	if err != nil {
		return "", fmt.Errorf("create repo %s: %w", opts.ID, err)
	}
	if out.URL == "" {
		out.URL = c.RepoURL(opts.ID, opts.Type)
	}
	log.Info("repo created", "repo", opts.ID, "type", opts.Type, "private", opts.Private)
	return out.URL, nil
}

// TagOptions describes a tag to create.
type TagOptions struct {
	RepoID   string
	Type     RepoType
	Tag      string
	Revision string
	Message  string
	ExistOK  bool
}

// CreateTag tags a revision of a repository.
func (c *Client) CreateTag(ctx context.Context, opts TagOptions) error {
	rev := opts.Revision
	if rev == "" {
		rev = DefaultRevision
	}
	path := fmt.Sprintf("/api/%s/%s/tag/%s", opts.Type.apiPath(), opts.RepoID, url.PathEscape(rev))

	body := map[string]string{"tag": opts.Tag}
	if opts.Message != "" {
		body["message"] = opts.Message
	}

	err := c.doJSON(ctx, http.MethodPost, path, body, nil)
	if IsStatus(err, http.StatusConflict) && opts.ExistOK {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create tag %s on %s: %w", opts.Tag, opts.RepoID, err)
	}
	return nil
}

// RevisionInfo is the resolved commit of a revision.
type RevisionInfo struct {
	ID  string `json:"id"`
	SHA string `json:"sha"`
}

// Revision resolves a branch, tag or commit to a commit sha.
func (c *Client) Revision(ctx context.Context, repoID string, t RepoType, rev string) (RevisionInfo, error) {
	if rev == "" {
		rev = DefaultRevision
	}
	var info RevisionInfo
	path := fmt.Sprintf("/api/%s/%s/revision/%s", t.apiPath(), repoID, url.PathEscape(rev))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &info); err != nil {
		return RevisionInfo{}, fmt.Errorf("resolve revision %s of %s: %w", rev, repoID, err)
	}
	return info, nil
}
