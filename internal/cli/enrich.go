package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Finish pending enrichment",
		Long:  "Queue every frame whose enrichment has not finished and wait for the pipeline to go idle.",
		Args:  cobra.NoArgs,
		Run:   runEnrich,
	}

	cmd.Flags().Duration("timeout", 5*time.Minute, "Give up waiting after this long")

	RootCmd.AddCommand(cmd)
}

func runEnrich(cmd *cobra.Command, args []string) {
	timeout, _ := cmd.Flags().GetDuration("timeout")

	s := openStore(cmd.Context())
	defer closeStore(s)

	queued := s.Resume()
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := s.WaitEnrichment(ctx); err != nil {
		exitErr("wait for enrichment", err)
	}

	stats, err := s.Stats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}
	printJSON(map[string]any{
		"queued":   queued,
		"by_state": stats.ByState,
	})
}
