package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/framestore/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context [description]",
		Short: "Assemble relevant frames for a task",
		Long:  "Search and score frames by relevance and recency, then greedily pack them into a token budget.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runContext,
	}

	cmd.Flags().String("track", "", "Filter by track")
	cmd.Flags().String("kind", "", "Filter by kind")
	cmd.Flags().StringSliceP("tags", "t", nil, "Tag glob patterns")
	cmd.Flags().IntP("budget", "b", 4000, "Max tokens in output")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) {
	track, _ := cmd.Flags().GetString("track")
	kind, _ := cmd.Flags().GetString("kind")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	budget, _ := cmd.Flags().GetInt("budget")
	query := strings.Join(args, " ")

	s := openStore(cmd.Context())
	defer closeStore(s)

	result, err := s.Context(cmd.Context(), store.ContextParams{
		Query:       query,
		Track:       track,
		Kind:        kind,
		TagPatterns: tags,
		Budget:      budget,
	})
	if err != nil {
		exitErr("context", err)
	}
	printJSON(result)
}
