package main

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/gwillem/pearlywhite/internal/config"
	"github.com/gwillem/pearlywhite/internal/log"
	"github.com/gwillem/pearlywhite/pkg/blob"
	"github.com/gwillem/pearlywhite/pkg/dataset"
	"github.com/gwillem/pearlywhite/pkg/hub"
)

// transferEnv loads the config (defaults when there is none) and secrets.
// Transfers do not need the arm to be set up.
func transferEnv() (*config.Config, config.Secrets, error) {
	cfg, err := config.LoadOrDefault(opts.Config)
	if err != nil {
		return nil, config.Secrets{}, err
	}
	secrets, err := loadSecrets()
	if err != nil {
		return nil, config.Secrets{}, err
	}
	return cfg, secrets, nil
}

func newBlobFS() (*blob.FS, *config.Config, error) {
	cfg, secrets, err := transferEnv()
	if err != nil {
		return nil, nil, err
	}
	fsys, err := blob.NewFS(blob.Config{
		Account:  cfg.Blob.Account,
		SASToken: secrets.SASToken,
		Endpoint: cfg.Blob.Endpoint,
	})
	if err != nil {
		return nil, nil, err
	}
	return fsys, cfg, nil
}

func newHubClient() (*hub.Client, *config.Config, error) {
	cfg, secrets, err := transferEnv()
	if err != nil {
		return nil, nil, err
	}
	if secrets.HFToken == "" {
		return nil, nil, hub.ErrNoToken
	}
	return hub.NewClient(secrets.HFToken, hubOptions(cfg)...), cfg, nil
}

type BlobCommand struct {
	Mkdir BlobMkdirCommand `command:"mkdir" description:"Create a container"`
	Ls    BlobLsCommand    `command:"ls" description:"List containers or blobs"`
	Put   BlobPutCommand   `command:"put" description:"Upload a file or directory"`
	Get   BlobGetCommand   `command:"get" description:"Download a blob or directory"`
}

type BlobMkdirCommand struct {
	Args struct {
		Container string `positional-arg-name:"container" description:"Container name (default from config)"`
	} `positional-args:"yes"`
}

func (c *BlobMkdirCommand) Execute(args []string) error {
	fsys, cfg, err := newBlobFS()
	if err != nil {
		return err
	}
	name := c.Args.Container
	if name == "" {
		name = cfg.Blob.Container
	}
	if err := fsys.Mkdir(context.Background(), name); err != nil {
		return err
	}
	fmt.Println(successStyle.Render("Container ready: ") + name)
	return nil
}

type BlobLsCommand struct {
	Args struct {
		Path string `positional-arg-name:"path" description:"container/dir; empty lists containers"`
	} `positional-args:"yes"`
}

func (c *BlobLsCommand) Execute(args []string) error {
	fsys, _, err := newBlobFS()
	if err != nil {
		return err
	}
	entries, err := fsys.Ls(context.Background(), c.Args.Path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir {
			fmt.Println(subHeaderStyle.Render(e.Name + "/"))
			continue
		}
		fmt.Printf("%12d  %s\n", e.Size, e.Name)
	}
	return nil
}

type BlobPutCommand struct {
	Args struct {
		Local  string `positional-arg-name:"local"`
		Remote string `positional-arg-name:"remote" description:"container/dir (default: the configured container)"`
	} `positional-args:"yes"`
}

func (c *BlobPutCommand) Execute(args []string) error {
	if c.Args.Local == "" {
		return fmt.Errorf("put: local path is required")
	}
	fsys, cfg, err := newBlobFS()
	if err != nil {
		return err
	}
	remote := c.Args.Remote
	if remote == "" {
		remote = cfg.Blob.Container
	}
	n, err := fsys.Put(context.Background(), c.Args.Local, remote)
	if err != nil {
		return err
	}
	fmt.Printf("Uploaded %d file(s) to %s\n", n, remote)
	return nil
}

type BlobGetCommand struct {
	Args struct {
		Remote string `positional-arg-name:"remote" required:"yes"`
		Local  string `positional-arg-name:"local"`
	} `positional-args:"yes"`
}

func (c *BlobGetCommand) Execute(args []string) error {
	fsys, _, err := newBlobFS()
	if err != nil {
		return err
	}
	local := c.Args.Local
	if local == "" {
		local = path.Base(c.Args.Remote)
	}
	n, err := fsys.Get(context.Background(), c.Args.Remote, local)
	if err != nil {
		return err
	}
	fmt.Printf("Downloaded %d file(s) to %s\n", n, local)
	return nil
}

type HubCommand struct {
	Login    HubLoginCommand    `command:"login" description:"Check the HF_TOKEN"`
	Upload   HubUploadCommand   `command:"upload" description:"Upload a folder to a repository"`
	Download HubDownloadCommand `command:"download" description:"Download a repository snapshot"`
}

type HubLoginCommand struct{}

func (c *HubLoginCommand) Execute(args []string) error {
	client, _, err := newHubClient()
	if err != nil {
		return err
	}
	user, err := client.Login(context.Background())
	if err != nil {
		return err
	}
	fmt.Println(successStyle.Render("Logged in as ") + user)
	return nil
}

type HubUploadCommand struct {
	Type       string `long:"type" default:"dataset" choice:"model" choice:"dataset" choice:"space" description:"Repository type"`
	Private    bool   `long:"private" description:"Create the repository as private"`
	PathInRepo string `long:"path-in-repo" description:"Directory in the repository"`
	Revision   string `long:"revision" default:"main" description:"Branch to commit to"`
	Message    string `long:"message" short:"m" description:"Commit message"`
	Args       struct {
		RepoID string `positional-arg-name:"repo-id" required:"yes"`
		Folder string `positional-arg-name:"folder" required:"yes"`
	} `positional-args:"yes" required:"yes"`
}

func (c *HubUploadCommand) Execute(args []string) error {
	client, _, err := newHubClient()
	if err != nil {
		return err
	}
	ctx := context.Background()
	t := hub.RepoType(c.Type)

	url, err := client.CreateRepo(ctx, hub.RepoOptions{ID: c.Args.RepoID, Type: t, Private: c.Private, ExistOK: true})
	if err != nil {
		return err
	}
	info, err := client.UploadFolder(ctx, hub.UploadOptions{
		RepoID:     c.Args.RepoID,
		Type:       t,
		Folder:     c.Args.Folder,
		PathInRepo: c.PathInRepo,
		Revision:   c.Revision,
		Message:    c.Message,
	})
	if err != nil {
		return err
	}
	fmt.Println(successStyle.Render("Uploaded to ") + url)
	if info.URL != "" {
		fmt.Println(dimStyle.Render(info.URL))
	}
	return nil
}

type HubDownloadCommand struct {
	Type     string `long:"type" default:"dataset" choice:"model" choice:"dataset" choice:"space" description:"Repository type"`
	Revision string `long:"revision" default:"main" description:"Branch, tag or commit"`
	LocalDir string `long:"local-dir" description:"Download into this directory instead of the hub cache"`
	Args     struct {
		RepoID string `positional-arg-name:"repo-id" required:"yes"`
	} `positional-args:"yes" required:"yes"`
}

func (c *HubDownloadCommand) Execute(args []string) error {
	client, _, err := newHubClient()
	if err != nil {
		return err
	}
	dir, err := client.SnapshotDownload(context.Background(), hub.SnapshotOptions{
		RepoID:   c.Args.RepoID,
		Type:     hub.RepoType(c.Type),
		Revision: c.Revision,
		LocalDir: c.LocalDir,
	})
	if err != nil {
		return err
	}
	fmt.Println(successStyle.Render("Downloaded to ") + dir)
	return nil
}

type RetrieveCommand struct {
	Public bool   `long:"public" description:"Create the hub dataset as public"`
	Root   string `long:"root" description:"Local dataset directory (default: the lerobot cache)"`
	Args   struct {
		Remote string `positional-arg-name:"remote" required:"yes" description:"container/dir holding the dataset"`
		RepoID string `positional-arg-name:"repo-id" description:"Hub dataset (default from config)"`
	} `positional-args:"yes"`
}

// Execute downloads a dataset from blob storage, publishes it to the hub
// and fetches the hub copy into the local dataset cache.
func (c *RetrieveCommand) Execute(args []string) error {
	fsys, cfg, err := newBlobFS()
	if err != nil {
		return err
	}
	client, _, err := newHubClient()
	if err != nil {
		return err
	}
	repoID := c.Args.RepoID
	if repoID == "" {
		repoID = cfg.Record.RepoID
	}
	if _, _, err := hub.SplitRepoID(repoID); err != nil {
		return err
	}
	ctx := context.Background()

	tmp, err := os.MkdirTemp("", "pearlywhite-retrieve-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	fmt.Println(subHeaderStyle.Render("━━━ Blob storage ━━━"))
	n, err := fsys.Get(ctx, c.Args.Remote, tmp)
	if err != nil {
		return err
	}
	fmt.Printf("  Downloaded %d file(s) from %s\n", n, c.Args.Remote)

	fmt.Println(subHeaderStyle.Render("━━━ Hub ━━━"))
	url, err := client.CreateRepo(ctx, hub.RepoOptions{
		ID:      repoID,
		Type:    hub.RepoTypeDataset,
		Private: !c.Public,
		ExistOK: true,
	})
	if err != nil {
		return err
	}
	if _, err := client.UploadFolder(ctx, hub.UploadOptions{
		RepoID:  repoID,
		Type:    hub.RepoTypeDataset,
		Folder:  tmp,
		Message: "Upload dataset from " + c.Args.Remote,
	}); err != nil {
		return err
	}
	fmt.Printf("  Uploaded to %s\n", url)

	root := c.Root
	if root == "" {
		root = dataset.DefaultRoot(repoID)
	}
	dir, err := client.SnapshotDownload(ctx, hub.SnapshotOptions{
		RepoID:   repoID,
		Type:     hub.RepoTypeDataset,
		LocalDir: root,
	})
	if err != nil {
		return err
	}
	log.Info("dataset retrieved", "remote", c.Args.Remote, "repo", repoID, "root", dir)
	fmt.Println()
	fmt.Println(successStyle.Render("Dataset ready at ") + dir)
	return nil
}
