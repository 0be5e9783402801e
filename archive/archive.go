// Package archive publishes dataset versions to a bucket and serves them back
// to the statement stores that synchronise from it.
//
// A version of a dataset is a set of resources stored under
//
//	datasets/<version>/<dataset>/<resource>
//
// next to an index.json manifest describing them. The history of a dataset,
// stored at datasets/latest/<dataset>/versions.json, lists its published
// versions and names the latest one. Only versions listed in the history are
// visible to readers: the history is written last when publishing, and first
// when dropping.
package archive

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"slices"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/errgroup"

	"github.com/go-digitaltwin/go-resolution"
	"github.com/go-digitaltwin/go-resolution/internal/retry"
)

// Well-known resources of a dataset version.
const (
	StatementsResource = "statements.pack"
	IssuesResource     = "issues.log"
	ResourcesResource  = "resources.json"
	IndexResource      = "index.json"
)

const historyResource = "versions.json"

// ErrReadOnly is returned by modifications of an archive opened read-only.
var ErrReadOnly = errors.New("archive is read-only")

// Config describes how to open an archive.
type Config struct {
	// URL of the bucket, e.g. file:///var/lib/datasets, s3://bucket?region=eu-west-1,
	// gs://bucket or mem://.
	URL string
	// ReadOnly archives reject modifications, and open object stores
	// anonymously.
	ReadOnly bool
	// RetainWindow, when positive, makes Publish prune versions older than the
	// window.
	RetainWindow time.Duration
	// Retry bounds the retries of every bucket call; the zero value means
	// retry.Default.
	Retry retry.Policy
}

// Manager manages the versions of datasets in a bucket. A Manager is safe for
// concurrent use, but concurrent modifications of the same dataset's history
// race with each other; a single publisher per dataset is expected.
type Manager struct {
	bucket   *blob.Bucket
	readOnly bool
	retain   time.Duration
	policy   retry.Policy
	now      func() time.Time
}

// Open opens the bucket named by cfg.URL.
func Open(ctx context.Context, cfg Config) (*Manager, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse archive url: %w", err)
	}
	if cfg.ReadOnly && (u.Scheme == "s3" || u.Scheme == "gs") {
		q := u.Query()
		q.Set("anonymous", "true")
		u.RawQuery = q.Encode()
	}
	bucket, err := blob.OpenBucket(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	return New(bucket, cfg), nil
}

// New returns a Manager of an opened bucket; cfg.URL is ignored. The Manager
// takes ownership of the bucket.
func New(bucket *blob.Bucket, cfg Config) *Manager {
	policy := cfg.Retry
	if policy == (retry.Policy{}) {
		policy = retry.Default
	}
	return &Manager{
		bucket:   bucket,
		readOnly: cfg.ReadOnly,
		retain:   cfg.RetainWindow,
		policy:   policy,
		now:      time.Now,
	}
}

// Close closes the underlying bucket.
func (m *Manager) Close() error { return m.bucket.Close() }

// A Resource is a single file of a dataset version.
type Resource struct {
	Name      string
	MediaType string
	Data      []byte
}

// indexDocument is the index.json manifest of a published version.
type indexDocument struct {
	Dataset     string             `json:"dataset"`
	Version     resolution.Version `json:"version"`
	PublishedAt time.Time          `json:"published_at"`
	Resources   []indexResource    `json:"resources"`
}

type indexResource struct {
	Name      string `json:"name"`
	MediaType string `json:"mime_type,omitempty"`
	Size      int    `json:"size"`
	Checksum  string `json:"checksum"`
}

// history is the versions.json document of a dataset.
type history struct {
	Latest   resolution.Version   `json:"latest,omitzero"`
	Versions []resolution.Version `json:"versions"`
}

func (h *history) contains(v resolution.Version) bool {
	_, found := slices.BinarySearchFunc(h.Versions, v, resolution.Version.Compare)
	return found
}

func (h *history) add(v resolution.Version) {
	if i, found := slices.BinarySearchFunc(h.Versions, v, resolution.Version.Compare); !found {
		h.Versions = slices.Insert(h.Versions, i, v)
	}
}

func (h *history) remove(v resolution.Version) {
	h.Versions = slices.DeleteFunc(h.Versions, func(x resolution.Version) bool { return x.ID == v.ID })
	if h.Latest.ID == v.ID {
		h.Latest = resolution.Version{}
		if n := len(h.Versions); n > 0 {
			h.Latest = h.Versions[n-1]
		}
	}
}

// Publish uploads the resources of a dataset version and its index, then adds
// the version to the dataset's history, making it the latest version unless a
// newer one is already published. Nothing is added to the history if any
// upload fails.
func (m *Manager) Publish(ctx context.Context, dataset string, version resolution.Version, resources []Resource) (err error) {
	ctx, span := tracer.Start(ctx, "Publish", trace.WithAttributes(
		attribute.String("archive.dataset", dataset),
		attribute.Stringer("archive.version", version),
		attribute.Int("archive.resources", len(resources)),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	if m.readOnly {
		return ErrReadOnly
	}
	start := time.Now()

	index := indexDocument{
		Dataset:     dataset,
		Version:     version,
		PublishedAt: m.now().UTC(),
		Resources:   make([]indexResource, len(resources)),
	}
	for _, r := range resources {
		if r.Name == IndexResource || r.Name == "" || path.Base(r.Name) != r.Name {
			return fmt.Errorf("publish %s/%s: invalid resource name %q", dataset, version, r.Name)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range resources {
		sum := sha1.Sum(r.Data)
		index.Resources[i] = indexResource{
			Name:      r.Name,
			MediaType: r.MediaType,
			Size:      len(r.Data),
			Checksum:  hex.EncodeToString(sum[:]),
		}
		g.Go(func() error {
			return m.write(gctx, resourceKey(dataset, version, r.Name), r.Data, r.MediaType)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("publish %s/%s: %w", dataset, version, err)
	}

	b, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("publish %s/%s: encode index: %w", dataset, version, err)
	}
	if err := m.write(ctx, resourceKey(dataset, version, IndexResource), b, "application/json"); err != nil {
		return fmt.Errorf("publish %s/%s: %w", dataset, version, err)
	}

	err = m.updateHistory(ctx, dataset, func(h *history) error {
		h.add(version)
		if h.Latest.Compare(version) < 0 {
			h.Latest = version
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w", dataset, version, err)
	}
	measurePublish(ctx, dataset, index.Resources, time.Since(start))
	component.Logger(ctx).Info("Published dataset version",
		slog.String("dataset", dataset),
		slog.String("version", version.ID),
		slog.Int("resources", len(resources)),
	)

	if m.retain > 0 {
		if _, err := m.Prune(ctx, dataset, m.now(), m.retain); err != nil {
			return fmt.Errorf("publish %s/%s: %w", dataset, version, err)
		}
	}
	return nil
}

// Backfill opens a resource of a published version. It returns
// resolution.ErrNotFound if the version is not in the dataset's history or
// lacks the resource. The caller must close the returned reader.
func (m *Manager) Backfill(ctx context.Context, dataset string, version resolution.Version, resource string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "Backfill", trace.WithAttributes(
		attribute.String("archive.dataset", dataset),
		attribute.Stringer("archive.version", version),
		attribute.String("archive.resource", resource),
	))
	defer span.End()

	h, err := m.readHistory(ctx, dataset)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("backfill %s/%s: %w", dataset, version, err)
	}
	if !h.contains(version) {
		return nil, fmt.Errorf("backfill %s/%s: %w", dataset, version, resolution.ErrNotFound)
	}

	var r *blob.Reader
	err = retry.Do(ctx, m.policy, retry.OnlyTransient(func(ctx context.Context) (err error) {
		r, err = m.bucket.NewReader(ctx, resourceKey(dataset, version, resource), nil)
		return err
	}))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("backfill %s/%s/%s: %w", dataset, version, resource, resolution.ErrNotFound)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("backfill %s/%s/%s: %w", dataset, version, resource, err)
	}
	return r, nil
}

// History returns the published versions of a dataset in chronological order.
// A dataset that was never published has no versions.
func (m *Manager) History(ctx context.Context, dataset string) ([]resolution.Version, error) {
	h, err := m.readHistory(ctx, dataset)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", dataset, err)
	}
	return h.Versions, nil
}

// Latest returns the latest version of a dataset, or resolution.ErrNotFound.
func (m *Manager) Latest(ctx context.Context, dataset string) (resolution.Version, error) {
	h, err := m.readHistory(ctx, dataset)
	if err != nil {
		return resolution.Version{}, fmt.Errorf("latest %s: %w", dataset, err)
	}
	if h.Latest.ID == "" {
		return resolution.Version{}, fmt.Errorf("latest %s: %w", dataset, resolution.ErrNotFound)
	}
	return h.Latest, nil
}

// ReleaseVersion makes a published version the latest one, e.g. to roll back
// a faulty run.
func (m *Manager) ReleaseVersion(ctx context.Context, dataset string, version resolution.Version) error {
	if m.readOnly {
		return ErrReadOnly
	}
	err := m.updateHistory(ctx, dataset, func(h *history) error {
		if !h.contains(version) {
			return resolution.ErrNotFound
		}
		h.Latest = version
		return nil
	})
	if err != nil {
		return fmt.Errorf("release %s/%s: %w", dataset, version, err)
	}
	return nil
}

// DropVersion removes a version from the dataset's history and deletes its
// resources. Dropping the latest version makes the newest remaining version
// the latest.
func (m *Manager) DropVersion(ctx context.Context, dataset string, version resolution.Version) (err error) {
	ctx, span := tracer.Start(ctx, "DropVersion", trace.WithAttributes(
		attribute.String("archive.dataset", dataset),
		attribute.Stringer("archive.version", version),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	if m.readOnly {
		return ErrReadOnly
	}

	err = m.updateHistory(ctx, dataset, func(h *history) error {
		h.remove(version)
		return nil
	})
	if err != nil {
		return fmt.Errorf("drop %s/%s: %w", dataset, version, err)
	}
	if err := m.deleteVersion(ctx, dataset, version); err != nil {
		return fmt.Errorf("drop %s/%s: %w", dataset, version, err)
	}
	return nil
}

// Prune drops the versions of a dataset published before runTime-window,
// except the latest version. It returns the dropped versions.
func (m *Manager) Prune(ctx context.Context, dataset string, runTime time.Time, window time.Duration) ([]resolution.Version, error) {
	if m.readOnly {
		return nil, ErrReadOnly
	}
	cutoff := runTime.Add(-window)
	var dropped []resolution.Version
	err := m.updateHistory(ctx, dataset, func(h *history) error {
		dropped = nil
		for _, v := range h.Versions {
			if v.ID != h.Latest.ID && v.Time.Before(cutoff) {
				dropped = append(dropped, v)
			}
		}
		for _, v := range dropped {
			h.remove(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("prune %s: %w", dataset, err)
	}
	for _, v := range dropped {
		if err := m.deleteVersion(ctx, dataset, v); err != nil {
			return dropped, fmt.Errorf("prune %s/%s: %w", dataset, v, err)
		}
	}
	if len(dropped) > 0 {
		component.Logger(ctx).Info("Pruned dataset versions",
			slog.String("dataset", dataset),
			slog.Int("dropped", len(dropped)),
			slog.Time("cutoff", cutoff),
		)
	}
	return dropped, nil
}

func (m *Manager) readHistory(ctx context.Context, dataset string) (*history, error) {
	var b []byte
	err := retry.Do(ctx, m.policy, retry.OnlyTransient(func(ctx context.Context) (err error) {
		b, err = m.bucket.ReadAll(ctx, historyKey(dataset))
		return err
	}))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return &history{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var h history
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	slices.SortFunc(h.Versions, resolution.Version.Compare)
	return &h, nil
}

func (m *Manager) updateHistory(ctx context.Context, dataset string, fn func(h *history) error) error {
	h, err := m.readHistory(ctx, dataset)
	if err != nil {
		return err
	}
	if err := fn(h); err != nil {
		return err
	}
	if h.Versions == nil {
		h.Versions = []resolution.Version{}
	}
	b, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return m.write(ctx, historyKey(dataset), b, "application/json")
}

func (m *Manager) write(ctx context.Context, key string, data []byte, mediaType string) error {
	opts := &blob.WriterOptions{ContentType: mediaType}
	err := retry.Do(ctx, m.policy, retry.OnlyTransient(func(ctx context.Context) error {
		return m.bucket.WriteAll(ctx, key, data, opts)
	}))
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (m *Manager) deleteVersion(ctx context.Context, dataset string, version resolution.Version) error {
	it := m.bucket.List(&blob.ListOptions{Prefix: versionPrefix(dataset, version)})
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list resources: %w", err)
		}
		err = retry.Do(ctx, m.policy, retry.OnlyTransient(func(ctx context.Context) error {
			err := m.bucket.Delete(ctx, obj.Key)
			if gcerrors.Code(err) == gcerrors.NotFound {
				return nil
			}
			return err
		}))
		if err != nil {
			return fmt.Errorf("delete %s: %w", obj.Key, err)
		}
	}
}

func versionPrefix(dataset string, version resolution.Version) string {
	return path.Join("datasets", version.ID, dataset) + "/"
}

func resourceKey(dataset string, version resolution.Version, resource string) string {
	return path.Join("datasets", version.ID, dataset, resource)
}

func historyKey(dataset string) string {
	return path.Join("datasets", "latest", dataset, historyResource)
}
