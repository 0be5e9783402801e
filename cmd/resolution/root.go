package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cobra"

	"github.com/go-digitaltwin/go-resolution"
	"github.com/go-digitaltwin/go-resolution/archive"
	"github.com/go-digitaltwin/go-resolution/internal/config"
	"github.com/go-digitaltwin/go-resolution/neo4jresolver"
	"github.com/go-digitaltwin/go-resolution/resolver"
	"github.com/go-digitaltwin/go-resolution/store"
)

// app carries the loaded configuration to the commands.
type app struct {
	configFile string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := new(app)
	root := &cobra.Command{
		Use:   "resolution",
		Short: "Deduplicate entities collected from many datasets",
		Long: `resolution keeps versioned statements of many datasets, proposes likely
duplicate entities, records merge decisions in an identity graph and
assembles merged entities on demand.

Configuration hierarchy (highest to lowest priority):
  1. Environment variables (RESOLUTION_*)
  2. Config file (./resolution.yaml or $HOME/.resolution/resolution.yaml)
  3. Defaults`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (default: ./resolution.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		a.publishCmd(),
		a.syncCmd(),
		a.importCmd(),
		a.exportCmd(),
		a.versionsCmd(),
		a.xrefCmd(),
		a.dedupeCmd(),
		a.decideCmd(),
		a.candidatesCmd(),
		a.explodeCmd(),
		a.proposeCmd(),
		a.feedCmd(),
		a.annotateCmd(),
	)
	return root
}

// setup loads the configuration and injects a logger into the command's
// context.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	level, _ := cfg.Log.SlogLevel()
	if a.verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(cmd.ErrOrStderr(), opts)
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(cmd.ErrOrStderr(), opts)
	}
	a.cfg = cfg
	a.logger = slog.New(handler)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(component.InjectLogger(ctx, a.logger))
	return nil
}

func (a *app) openStore() (*store.Store, error) {
	s, err := store.Open(store.Config{
		Path:       a.cfg.Store.Path,
		InMemory:   a.cfg.Store.InMemory,
		SyncWrites: a.cfg.Store.SyncWrites,
		Logger:     a.logger.With(slog.String("component", "badger")),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

func (a *app) openArchive(ctx context.Context) (*archive.Manager, error) {
	m, err := archive.Open(ctx, archive.Config{
		URL:          a.cfg.Archive.URL,
		ReadOnly:     a.cfg.Archive.ReadOnly,
		RetainWindow: a.cfg.Archive.RetainWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return m, nil
}

// scope resolves a dataset name through the catalog, if one is configured.
func (a *app) scope(name string) (resolution.Scope, error) {
	if a.cfg.Catalog == "" {
		return resolution.LeafScope(name), nil
	}
	data, err := os.ReadFile(a.cfg.Catalog)
	if err != nil {
		return resolution.Scope{}, fmt.Errorf("read catalog: %w", err)
	}
	catalog, err := resolution.LoadCatalog(data)
	if err != nil {
		return resolution.Scope{}, fmt.Errorf("load catalog %s: %w", a.cfg.Catalog, err)
	}
	return catalog.Scope(name)
}

// graph is a resolver over the configured edge log.
type graph struct {
	*resolver.Resolver
	// save persists judgements of a file-backed graph; Neo4j-backed graphs
	// persist every judgement as it is made.
	save  func() error
	close func(ctx context.Context) error
}

func (a *app) openGraph(ctx context.Context) (*graph, error) {
	if uri := a.cfg.Graph.Neo4jURI; uri != "" {
		driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(a.cfg.Graph.Neo4jUser, a.cfg.Graph.Neo4jPassword, ""))
		if err != nil {
			return nil, fmt.Errorf("connect neo4j: %w", err)
		}
		db := a.cfg.Graph.Neo4jDatabase
		if err := neo4jresolver.BootstrapDatabase(ctx, driver, db); err != nil {
			_ = driver.Close(ctx)
			return nil, fmt.Errorf("bootstrap database %q: %w", db, err)
		}
		r, err := resolver.New(ctx, neo4jresolver.NewLog(driver, db))
		if err != nil {
			_ = driver.Close(ctx)
			return nil, fmt.Errorf("load graph: %w", err)
		}
		return &graph{Resolver: r, save: func() error { return nil }, close: driver.Close}, nil
	}

	path := a.cfg.Graph.Path
	r, err := resolver.Load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("load graph %s: %w", path, err)
	}
	save := func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := resolver.SaveFile(path, r); err != nil {
			return fmt.Errorf("save graph %s: %w", path, err)
		}
		return nil
	}
	return &graph{Resolver: r, save: save, close: func(context.Context) error { return nil }}, nil
}

func parseVersion(id string) (resolution.Version, error) {
	if id == "" {
		return resolution.Version{}, errors.New("missing version")
	}
	return resolution.ParseVersion(id)
}

func closeWith(ctx context.Context, c io.Closer, what string) {
	if err := c.Close(); err != nil {
		component.Logger(ctx).Warn("Couldn't close "+what, slog.Any("error", err))
	}
}
