package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/framestore/internal/model"
	"github.com/rcliao/framestore/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search frames by keyword",
		Long:  "Search titles, tags, tracks and text. With no query, list frames matching the filters, newest first.",
		Run:   runSearch,
	}

	cmd.Flags().String("track", "", "Filter by track")
	cmd.Flags().String("kind", "", "Filter by kind")
	cmd.Flags().String("role", "", "Filter by role")
	cmd.Flags().StringSlice("tag", nil, "Tag glob patterns, e.g. 'proj/*'")
	cmd.Flags().IntP("limit", "l", 20, "Max results")

	similar := &cobra.Command{
		Use:   "similar <text>",
		Short: "Rank embedded frames by similarity to text",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSimilar,
	}
	similar.Flags().IntP("limit", "l", 10, "Max results")
	similar.Flags().Float64("min-score", 0, "Drop matches below this cosine similarity")

	RootCmd.AddCommand(cmd, similar)
}

func runSearch(cmd *cobra.Command, args []string) {
	track, _ := cmd.Flags().GetString("track")
	kind, _ := cmd.Flags().GetString("kind")
	role, _ := cmd.Flags().GetString("role")
	tags, _ := cmd.Flags().GetStringSlice("tag")
	limit, _ := cmd.Flags().GetInt("limit")

	s := openStore(cmd.Context())
	defer closeStore(s)

	results, err := s.Search(store.SearchParams{
		Query:       strings.Join(args, " "),
		Track:       track,
		Kind:        kind,
		Role:        model.Role(role),
		TagPatterns: tags,
		Limit:       limit,
	})
	if err != nil {
		exitErr("search", err)
	}
	printJSON(results)
}

func runSimilar(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	minScore, _ := cmd.Flags().GetFloat64("min-score")

	s := openStore(cmd.Context())
	defer closeStore(s)

	results, err := s.Similar(cmd.Context(), store.SimilarParams{
		Text:     strings.Join(args, " "),
		Limit:    limit,
		MinScore: minScore,
	})
	if err != nil {
		exitErr("similar", err)
	}
	printJSON(results)
}
