package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-digitaltwin/go-resolution"
	"github.com/go-digitaltwin/go-resolution/archive"
	"github.com/go-digitaltwin/go-resolution/pack"
	"github.com/go-digitaltwin/go-resolution/store"
)

func (a *app) publishCmd() *cobra.Command {
	var versionID string
	cmd := &cobra.Command{
		Use:   "publish <dataset> <statements.pack>",
		Short: "Publish a statement pack as a new version of a dataset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dataset, file := args[0], args[1]
			version := resolution.NewVersion(time.Now())
			if versionID != "" {
				var err error
				if version, err = parseVersion(versionID); err != nil {
					return err
				}
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			// Refuse packs the stores could not import.
			for _, err := range pack.All(bytes.NewReader(data)) {
				if err != nil {
					return fmt.Errorf("check %s: %w", file, err)
				}
			}

			m, err := a.openArchive(ctx)
			if err != nil {
				return err
			}
			defer closeWith(ctx, m, "archive")
			resources := []archive.Resource{{Name: archive.StatementsResource, MediaType: "text/csv", Data: data}}
			if err := m.Publish(ctx, dataset, version, resources); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), version.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&versionID, "version", "", "version id (default: a new version)")
	return cmd
}

func (a *app) syncCmd() *cobra.Command {
	var wipe bool
	cmd := &cobra.Command{
		Use:   "sync <dataset>",
		Short: "Pull the retained versions of a dataset's leaves from the archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			scope, err := a.scope(args[0])
			if err != nil {
				return err
			}
			m, err := a.openArchive(ctx)
			if err != nil {
				return err
			}
			defer closeWith(ctx, m, "archive")
			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeWith(ctx, s, "store")
			return s.Sync(ctx, m, scope, store.SyncOptions{
				Clear:        wipe,
				RetainWindow: a.cfg.Archive.RetainWindow,
			})
		},
	}
	cmd.Flags().BoolVar(&wipe, "clear", false, "wipe local versions before syncing")
	return cmd
}

func (a *app) importCmd() *cobra.Command {
	var versionID string
	cmd := &cobra.Command{
		Use:   "import <dataset> <statements.pack>",
		Short: "Import a statement pack into the local store and release it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			version := resolution.NewVersion(time.Now())
			if versionID != "" {
				var err error
				if version, err = parseVersion(versionID); err != nil {
					return err
				}
			}
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer closeWith(ctx, f, "pack")
			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeWith(ctx, s, "store")
			if err := s.ImportPack(ctx, args[0], version, f); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), version.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&versionID, "version", "", "version id (default: a new version)")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var versionID string
	cmd := &cobra.Command{
		Use:   "export <dataset>",
		Short: "Write the statements of a local dataset version as a pack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeWith(ctx, s, "store")

			var version resolution.Version
			if versionID != "" {
				version, err = parseVersion(versionID)
			} else {
				version, err = s.Latest(args[0])
			}
			if err != nil {
				return err
			}
			return s.ExportPack(ctx, args[0], version, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&versionID, "version", "", "version id (default: the latest)")
	return cmd
}

func (a *app) versionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <dataset>",
		Short: "List the local versions of a dataset, marking the latest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeWith(ctx, s, "store")
			versions, err := s.Versions(args[0])
			if err != nil {
				return err
			}
			latest, _ := s.Latest(args[0])
			for _, v := range versions {
				mark := " "
				if v.ID == latest.ID {
					mark = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", mark, v.ID)
			}
			return nil
		},
	}
}
