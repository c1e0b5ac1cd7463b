// Package catalog reads the remote data catalog: its index of published
// tables, the metadata documents of datasets and tables, and table payloads.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	syncerrors "github.com/catalogsync/catalogsync/internal/errors"
	"github.com/catalogsync/catalogsync/internal/storage"
	"github.com/catalogsync/catalogsync/pkg/types"
)

const (
	// DefaultIndexObject is the object key of the catalog index.
	DefaultIndexObject = "catalog.json"

	// CompressedSuffix marks a snappy-compressed index object.
	CompressedSuffix = ".sz"

	// PayloadFormat is the only table payload format the materializer reads.
	PayloadFormat = "parquet"
)

// indexRecord is one row of the published index.
type indexRecord struct {
	Channel    string   `json:"channel"`
	Namespace  string   `json:"namespace"`
	Version    string   `json:"version"`
	Dataset    string   `json:"dataset"`
	Table      string   `json:"table"`
	Checksum   string   `json:"checksum"`
	IsPublic   *bool    `json:"is_public"`
	Dimensions []string `json:"dimensions"`
	Formats    []string `json:"formats"`
}

func (r indexRecord) entry() types.CatalogEntry {
	return types.CatalogEntry{
		Channel:          types.Channel(r.Channel),
		Namespace:        r.Namespace,
		Version:          r.Version,
		DatasetShortName: r.Dataset,
		TableShortName:   r.Table,
		Checksum:         r.Checksum,
		IsPrivate:        r.IsPublic != nil && !*r.IsPublic,
		Dimensions:       r.Dimensions,
		Formats:          r.Formats,
	}
}

// Client reads the remote catalog through an ObjectStorage.
type Client struct {
	store       storage.ObjectStorage
	indexObject string
	logger      *zap.Logger
	now         func() time.Time
}

// NewClient creates a catalog client. An empty indexObject uses
// DefaultIndexObject.
func NewClient(store storage.ObjectStorage, indexObject string, logger *zap.Logger) *Client {
	if indexObject == "" {
		indexObject = DefaultIndexObject
	}
	return &Client{
		store:       store,
		indexObject: indexObject,
		logger:      logger.Named("catalog"),
		now:         time.Now,
	}
}

// ListEntries reads the index and returns a snapshot of the entries passing f.
// Every call re-reads the index. If the index cannot be read no entries are
// returned and the error matches errors.ErrCatalogUnavailable.
func (c *Client) ListEntries(ctx context.Context, f Filter) (*Snapshot, error) {
	raw, err := c.readIndex(ctx)
	if err != nil {
		return nil, syncerrors.NewCatalogUnavailable("read index "+c.indexObject, err)
	}

	var records []indexRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, syncerrors.NewIndexCorrupt("decode index "+c.indexObject, err)
	}

	all := make([]types.CatalogEntry, len(records))
	for i, r := range records {
		all[i] = r.entry()
	}
	snap := newSnapshot(c.now(), all, f)

	c.logger.Info("catalog.index",
		zap.String("object", c.indexObject),
		zap.Int("entries", len(all)),
		zap.Int("selected", snap.Len()),
	)
	return snap, nil
}

func (c *Client) readIndex(ctx context.Context) ([]byte, error) {
	r, err := c.store.Open(ctx, c.indexObject)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(c.indexObject, CompressedSuffix) {
		return snappy.Decode(nil, raw)
	}
	return raw, nil
}

// FetchDatasetMeta reads the dataset's index.json document.
func (c *Client) FetchDatasetMeta(ctx context.Context, datasetPath string) (*types.DatasetMeta, error) {
	var meta types.DatasetMeta
	if err := c.readJSON(ctx, datasetPath+"/index.json", &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// FetchTableMeta reads the table's metadata document.
func (c *Client) FetchTableMeta(ctx context.Context, e types.CatalogEntry) (*types.TableMeta, error) {
	var meta types.TableMeta
	if err := c.readJSON(ctx, e.TablePath()+".meta.json", &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// DownloadTable copies the table's payload into dir and returns the local path.
func (c *Client) DownloadTable(ctx context.Context, e types.CatalogEntry, localName, dir string) (string, error) {
	if len(e.Formats) > 0 && !containsFormat(e.Formats, PayloadFormat) {
		return "", fmt.Errorf("table %s is not published as %s (formats %v)", e.TablePath(), PayloadFormat, e.Formats)
	}

	objectPath := e.TablePath() + "." + PayloadFormat
	localPath := filepath.Join(dir, localName+"."+PayloadFormat)
	if err := c.store.Download(ctx, objectPath, localPath); err != nil {
		return "", storageError(objectPath, err)
	}
	return localPath, nil
}

func (c *Client) readJSON(ctx context.Context, objectPath string, v any) error {
	r, err := c.store.Open(ctx, objectPath)
	if err != nil {
		return storageError(objectPath, err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return storageError(objectPath, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", objectPath, err)
	}
	return nil
}

func storageError(objectPath string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, storage.ErrObjectNotFound) {
		return syncerrors.NewStorageError(syncerrors.CodeObjectNotFound, objectPath, err)
	}
	return syncerrors.NewStorageError(syncerrors.CodeDownloadFailed, objectPath, err)
}

func containsFormat(formats []string, want string) bool {
	for _, f := range formats {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}
