package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/go-digitaltwin/go-resolution"
	"github.com/go-digitaltwin/go-resolution/archive"
)

// An Archive holds the published versions of datasets. Implementations retry
// transient failures themselves; *archive.Manager does.
type Archive interface {
	History(ctx context.Context, dataset string) ([]resolution.Version, error)
	Latest(ctx context.Context, dataset string) (resolution.Version, error)
	Backfill(ctx context.Context, dataset string, version resolution.Version, resource string) (io.ReadCloser, error)
}

// SyncOptions controls a Sync.
type SyncOptions struct {
	// Clear wipes every local version of a leaf before syncing it.
	Clear bool
	// RunTime anchors the retention window; zero means now.
	RunTime time.Time
	// RetainWindow keeps versions published at or after RunTime minus the
	// window. The latest version is always kept.
	RetainWindow time.Duration
}

// Sync pulls the retained versions of every leaf of scope from the archive,
// releases the archive's latest version locally and drops local versions that
// fell out of retention.
//
// Leaves sync independently: a leaf that fails is logged and reported in the
// joined error, while the other leaves are still synced and those already
// synced stay valid.
func (s *Store) Sync(ctx context.Context, a Archive, scope resolution.Scope, opts SyncOptions) error {
	ctx, span := tracer.Start(ctx, "Sync")
	defer span.End()

	if opts.RunTime.IsZero() {
		opts.RunTime = time.Now()
	}
	var errs []error
	for _, dataset := range scope.Leaves {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.syncLeaf(ctx, a, dataset, opts); err != nil {
			component.Logger(ctx).Error("Failed to sync dataset",
				slog.String("dataset", dataset),
				slog.Any("error", err),
			)
			syncFailures.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attribute.String(datasetKey, dataset))))
			errs = append(errs, fmt.Errorf("sync %s: %w", dataset, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) syncLeaf(ctx context.Context, a Archive, dataset string, opts SyncOptions) error {
	logger := component.Logger(ctx).With(slog.String("dataset", dataset))
	if opts.Clear {
		if err := s.Clear(dataset); err != nil {
			return err
		}
	}

	latest, err := a.Latest(ctx, dataset)
	if errors.Is(err, resolution.ErrNotFound) {
		logger.Warn("Dataset was never published")
		return nil
	}
	if err != nil {
		return err
	}
	history, err := a.History(ctx, dataset)
	if err != nil {
		return err
	}

	cutoff := opts.RunTime.Add(-opts.RetainWindow)
	retained := map[string]resolution.Version{latest.ID: latest}
	for _, v := range history {
		if !v.Time.Before(cutoff) {
			retained[v.ID] = v
		}
	}

	local, err := s.Versions(dataset)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(local))
	for _, v := range local {
		present[v.ID] = true
	}

	for _, v := range history {
		if _, ok := retained[v.ID]; !ok || present[v.ID] {
			continue
		}
		if err := s.backfill(ctx, a, dataset, v); err != nil {
			return err
		}
		logger.Info("Backfilled dataset version", slog.String("version", v.ID))
	}
	if !present[latest.ID] {
		if !slices.ContainsFunc(history, func(v resolution.Version) bool { return v.ID == latest.ID }) {
			// The latest version is listed apart from the history.
			if err := s.backfill(ctx, a, dataset, latest); err != nil {
				return err
			}
		}
	}
	if err := s.release(dataset, latest); err != nil {
		return err
	}

	for _, v := range local {
		if _, ok := retained[v.ID]; ok {
			continue
		}
		if err := s.DropVersion(ctx, dataset, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) backfill(ctx context.Context, a Archive, dataset string, v resolution.Version) error {
	r, err := a.Backfill(ctx, dataset, v, archive.StatementsResource)
	if err != nil {
		return err
	}
	defer r.Close()
	if _, err := s.importPack(ctx, dataset, v, r); err != nil {
		// Chunks flushed before the failure stay unlisted; drop them so the
		// next sync starts the version afresh.
		if dropErr := s.deletePrefix(statementPrefix(dataset, v)); dropErr != nil {
			return errors.Join(err, dropErr)
		}
		return err
	}
	return nil
}
