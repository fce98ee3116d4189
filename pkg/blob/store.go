package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// Entry is one item of a listing.
type Entry struct {
	// Name is the full path, container first.
	Name  string
	Size  int64
	IsDir bool
}

// store is the object storage the filesystem runs on.
type store interface {
	CreateContainer(ctx context.Context, name string) error
	ListContainers(ctx context.Context) ([]string, error)
	// List returns blobs under prefix. Non-recursive listings also return
	// one directory entry per "/"-delimited child prefix.
	List(ctx context.Context, container, prefix string, recursive bool) ([]Entry, error)
	Upload(ctx context.Context, container, name string, r io.Reader) error
	Download(ctx context.Context, container, name string, w io.Writer) (int64, error)
}

// azureStore is a store on an Azure storage account.
type azureStore struct {
	client *azblob.Client
}

func newAzureStore(serviceURL, sasToken string) (*azureStore, error) {
	u := strings.TrimRight(serviceURL, "/") + "/?" + strings.TrimPrefix(sasToken, "?")
	client, err := azblob.NewClientWithNoCredential(u, &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: 3},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &azureStore{client: client}, nil
}

func (s *azureStore) CreateContainer(ctx context.Context, name string) error {
	_, err := s.client.CreateContainer(ctx, name, nil)
	if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil
	}
	return err
}

func (s *azureStore) ListContainers(ctx context.Context) ([]string, error) {
	var names []string
	pager := s.client.NewListContainersPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range page.ContainerItems {
			names = append(names, *c.Name)
		}
	}
	return names, nil
}

func (s *azureStore) List(ctx context.Context, containerName, prefix string, recursive bool) ([]Entry, error) {
	var entries []Entry
	addBlob := func(item *container.BlobItem) {
		e := Entry{Name: containerName + "/" + *item.Name}
		if item.Properties != nil && item.Properties.ContentLength != nil {
			e.Size = *item.Properties.ContentLength
		}
		entries = append(entries, e)
	}

	if recursive {
		pager := s.client.NewListBlobsFlatPager(containerName, &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(prefix)})
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			for _, item := range page.Segment.BlobItems {
				addBlob(item)
			}
		}
		return entries, nil
	}

	cc := s.client.ServiceClient().NewContainerClient(containerName)
	pager := cc.NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{Prefix: to.Ptr(prefix)})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range page.Segment.BlobPrefixes {
			entries = append(entries, Entry{Name: containerName + "/" + strings.TrimSuffix(*p.Name, "/"), IsDir: true})
		}
		for _, item := range page.Segment.BlobItems {
			addBlob(item)
		}
	}
	return entries, nil
}

func (s *azureStore) Upload(ctx context.Context, containerName, name string, r io.Reader) error {
	_, err := s.client.UploadStream(ctx, containerName, name, r, nil)
	return err
}

func (s *azureStore) Download(ctx context.Context, containerName, name string, w io.Writer) (int64, error) {
	resp, err := s.client.DownloadStream(ctx, containerName, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return 0, fmt.Errorf("%s/%s: %w", containerName, name, ErrNotFound)
		}
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

// ErrNotFound is returned for missing paths.
var ErrNotFound = errors.New("not found")

// ErrUnsafePath is returned when a blob name would be written outside the
// download directory.
var ErrUnsafePath = errors.New("path escapes download directory")
