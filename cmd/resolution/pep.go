package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-digitaltwin/go-resolution/pep"
)

func (a *app) openCategoriser() (*pep.Client, error) {
	if a.cfg.PEP.URL == "" {
		return nil, fmt.Errorf("pep.url is not configured")
	}
	return pep.NewClient(pep.Config{
		URL:               a.cfg.PEP.URL,
		Timeout:           a.cfg.PEP.Timeout,
		RequestsPerSecond: a.cfg.PEP.RequestsPerSecond,
		CacheTTL:          a.cfg.PEP.CacheTTL,
	})
}

func (a *app) annotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "annotate <dataset>",
		Short: "List the positions of a dataset held by politically exposed persons",
		Long: `annotate asks the categorisation service about every position of the
dataset, as merged by the identity graph, and prints the positions it
categorises as politically exposed, one JSON object per line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.openCategoriser()
			if err != nil {
				return err
			}
			scope, err := a.scope(args[0])
			if err != nil {
				return err
			}
			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeWith(ctx, s, "store")
			g, err := a.openGraph(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = g.close(ctx) }()

			view, err := s.View(scope, g.Linker())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for e, err := range view.Entities(ctx) {
				if err != nil {
					return err
				}
				changed, err := pep.Annotate(ctx, c, e)
				if err != nil {
					return err
				}
				if !changed {
					continue
				}
				name, _ := e.First("name")
				err = enc.Encode(struct {
					ID     string   `json:"id"`
					Name   string   `json:"name,omitempty"`
					Topics []string `json:"topics"`
				}{e.ID, strings.TrimSpace(name), e.Props()["topics"]})
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
}
