package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"reelbot/internal/app"
	"reelbot/internal/config"
)

func statsCmd() *cobra.Command {
	var (
		topN    int
		minUses int
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "print ledger aggregates, top posts, best hours and tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, svc, log, err := loadConfig(true)
			if err != nil {
				return err
			}
			defer svc.Close()

			cfg := mgr.Get()
			store, err := app.OpenLedger(cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			stats := store.Stats(ctx)

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.SetStyle(table.StyleLight)
			t.SetTitle("Ledger")
			t.AppendRows([]table.Row{
				{"total posts", stats.TotalPosts},
				{"total likes", stats.TotalLikes},
				{"total comments", stats.TotalComments},
				{"total views", stats.TotalViews},
				{"avg engagement", fmt.Sprintf("%.2f%%", stats.AvgEngagement)},
				{"avg likes/post", fmt.Sprintf("%.1f", stats.AvgLikes)},
				{"avg views/post", fmt.Sprintf("%.1f", stats.AvgViews)},
			})
			t.Render()

			if top := store.TopByEngagement(ctx, topN); len(top) > 0 {
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.SetStyle(table.StyleLight)
				t.SetTitle("Top posts")
				t.AppendHeader(table.Row{"source", "title", "views", "engagement", "published"})
				for _, r := range top {
					t.AppendRow(table.Row{
						r.SourceID, truncate(r.Title, 40), r.Views,
						fmt.Sprintf("%.2f%%", r.EngagementRate),
						r.PublishedAt.In(cfg.Location()).Format("2006-01-02 15:04"),
					})
				}
				t.Render()
			}

			minSample := cfg.Schedule.Optimize.MinSample
			if minSample <= 0 {
				minSample = config.DefaultOptimizeSample
			}
			if hours := store.BestPostingHours(ctx, minSample); len(hours) > 0 {
				labels := make([]string, 0, len(hours))
				for _, h := range hours {
					labels = append(labels, fmt.Sprintf("%02d:00", h))
				}
				fmt.Println("best posting hours:", strings.Join(labels, ", "))
			} else {
				fmt.Printf("best posting hours: not enough measured posts (need %d)\n", minSample)
			}

			if tags := store.BestTags(ctx, topN, minUses); len(tags) > 0 {
				fmt.Println("best tags:", "#"+strings.Join(tags, " #"))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&topN, "top", 10, "how many posts/tags to show")
	cmd.Flags().IntVar(&minUses, "min-tag-uses", 2, "ignore tags used fewer times")
	return cmd
}

func exportCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "dump the ledger as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, svc, log, err := loadConfig(true)
			if err != nil {
				return err
			}
			defer svc.Close()

			store, err := app.OpenLedger(mgr.Get(), log)
			if err != nil {
				return err
			}
			defer store.Close()

			out := os.Stdout
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return store.Export(cmd.Context(), out)
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "write to file instead of stdout")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
