package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"
	"github.com/spf13/cobra"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/go-digitaltwin/go-resolution"
	"github.com/go-digitaltwin/go-resolution/edges"
	"github.com/go-digitaltwin/go-resolution/index"
	"github.com/go-digitaltwin/go-resolution/resolver"
)

// withGraph opens the graph, runs fn and saves the graph if fn succeeded.
func (a *app) withGraph(ctx context.Context, fn func(g *graph) error) (err error) {
	g, err := a.openGraph(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := g.close(ctx); closeErr != nil {
			component.Logger(ctx).Warn("Couldn't close graph", slog.Any("error", closeErr))
		}
	}()
	if err := fn(g); err != nil {
		return err
	}
	return g.save()
}

func (a *app) xrefCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "xref <dataset>",
		Short: "Suggest likely duplicate entities of a dataset as candidates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			scope, err := a.scope(args[0])
			if err != nil {
				return err
			}
			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeWith(ctx, s, "store")

			return a.withGraph(ctx, func(g *graph) error {
				view, err := s.View(scope, g.Linker())
				if err != nil {
					return err
				}
				idx, err := index.Build(ctx, view,
					index.WithStopwordsPct(a.cfg.Index.StopwordsPct),
					index.WithMaxPairs(a.cfg.Index.MaxPairs),
				)
				if err != nil {
					return err
				}
				if limit == 0 {
					limit = a.cfg.Index.XrefLimit
				}
				n, err := index.Xref(ctx, idx, g, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d candidates suggested\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of suggestions (default: index.xref_limit)")
	return cmd
}

func (a *app) dedupeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dedupe <dataset>",
		Short: "Merge duplicate relationship entities of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			scope, err := a.scope(args[0])
			if err != nil {
				return err
			}
			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeWith(ctx, s, "store")

			return a.withGraph(ctx, func(g *graph) error {
				view, err := s.View(scope, g.Linker())
				if err != nil {
					return err
				}
				summary, err := edges.Dedupe(ctx, g, view)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d edges, %d merged, %d ambiguous, %d skipped\n",
					summary.Edges, summary.Merged, summary.Ambiguous, summary.Skipped)
				return nil
			})
		},
	}
}

func (a *app) decideCmd() *cobra.Command {
	var (
		user  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "decide <a> <b> <positive|negative|unsure>",
		Short: "Record a judgement between two identifiers",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			j, err := resolution.ParseJudgement(args[2])
			if err != nil {
				return err
			}
			opts := []resolver.DecideOption{resolver.WithUser(user)}
			if force {
				opts = append(opts, resolver.WithForce())
			}
			return a.withGraph(ctx, func(g *graph) error {
				canonical, err := g.Decide(ctx, args[0], args[1], j, opts...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), canonical)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user recorded with the judgement")
	cmd.Flags().BoolVar(&force, "force", false, "override conflicting judgements")
	return cmd
}

func (a *app) candidatesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "List pending candidate pairs by descending score",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g, err := a.openGraph(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = g.close(ctx) }()

			var n int
			for pair, score := range g.Candidates() {
				if limit > 0 && n == limit {
					break
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%.4f\n", pair.Source, pair.Target, score)
				n++
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of pairs listed; 0 lists every pair")
	return cmd
}

func (a *app) explodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explode <id>",
		Short: "Undo every merge of an identifier's cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withGraph(ctx, func(g *graph) error {
				members, err := g.Explode(ctx, args[0])
				if err != nil {
					return err
				}
				for _, id := range members {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func (a *app) proposeCmd() *cobra.Command {
	var p resolver.Proposal
	cmd := &cobra.Command{
		Use:   "propose <a> <b> <positive|negative|unsure>",
		Short: "Publish a judgement to the feed applied by the feed command",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			j, err := resolution.ParseJudgement(args[2])
			if err != nil {
				return err
			}
			p.A, p.B, p.Judgement = args[0], args[1], j

			if a.cfg.Feed.Topic == "" {
				return errors.New("feed.topic is not configured")
			}
			topic, err := pubsub.OpenTopic(ctx, a.cfg.Feed.Topic)
			if err != nil {
				return fmt.Errorf("open topic: %w", err)
			}
			defer func() { _ = topic.Shutdown(ctx) }()
			return resolver.NewFeed(topic).Propose(ctx, p)
		},
	}
	cmd.Flags().StringVar(&p.User, "user", "", "user recorded with the judgement")
	cmd.Flags().Float64Var(&p.Score, "score", 0, "score recorded with the judgement")
	cmd.Flags().BoolVar(&p.Force, "force", false, "override conflicting judgements")
	return cmd
}

func (a *app) feedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feed",
		Short: "Apply proposed judgements from the feed until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if a.cfg.Feed.Subscription == "" {
				return errors.New("feed.subscription is not configured")
			}
			sub, err := pubsub.OpenSubscription(ctx, a.cfg.Feed.Subscription)
			if err != nil {
				return fmt.Errorf("open subscription: %w", err)
			}
			// Interruption stops the procedure gracefully; the graph must outlive it
			// so that the judgements applied so far are saved.
			background := context.WithoutCancel(ctx)
			defer func() { _ = sub.Shutdown(background) }()

			return a.withGraph(background, func(g *graph) error {
				component.RunProc(func(l *component.L) {
					l.Fork("apply judgements", resolver.ApplyJudgements(sub, g.Resolver))
				}, component.WithName("feed"), component.WithContext(background), component.WithStopper(ctx.Done()))
				component.Logger(ctx).Info("Stopped applying judgements", slog.Int("clusters", len(g.Canonicals())))
				return nil
			})
		},
	}
}
