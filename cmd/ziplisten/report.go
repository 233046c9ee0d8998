package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/sunflower-analytics/ziplisten/internal/models"
	"github.com/sunflower-analytics/ziplisten/internal/rollup"
)

func newReportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Ad hoc reports computed from the raw events",
	}
	cmd.AddCommand(newRisingCmd(a))
	return cmd
}

func newRisingCmd(a *app) *cobra.Command {
	var (
		window time.Duration
		limit  int
		at     string
	)

	cmd := &cobra.Command{
		Use:   "rising",
		Short: "Rank artists by play growth between two consecutive windows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if window <= 0 {
				return errors.New("--window must be positive")
			}
			if limit < 0 {
				return errors.New("--limit must not be negative")
			}
			now := time.Now().UTC()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = t
			}

			src, err := a.eventSource(cmd.Context())
			if err != nil {
				return err
			}
			current, previous, err := rollup.WindowCounts(cmd.Context(), src, now, window)
			if err != nil {
				return err
			}

			ranked := rollup.RankGrowth(current, previous)
			if limit > 0 {
				ranked = lo.Subset(ranked, 0, uint(limit))
			}
			return printRising(cmd.OutOrStdout(), ranked)
		},
	}
	cmd.Flags().DurationVar(&window, "window", 7*24*time.Hour, "length of each comparison window")
	cmd.Flags().IntVar(&limit, "limit", 10, "number of artists to show (0 for all)")
	cmd.Flags().StringVar(&at, "at", "", "end of the current window, RFC 3339 (default now)")
	return cmd
}

func printRising(w io.Writer, rows []models.ArtistGrowth) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "ARTIST\tCURRENT\tPREVIOUS\tGROWTH %\t")
	for _, g := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f\t\n", g.Artist, g.CurrentPlays, g.PreviousPlays, g.GrowthPercent)
	}
	return tw.Flush()
}
