package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/framestore/internal/model"
	"github.com/rcliao/framestore/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "List frames in append order",
		Run:   runTimeline,
	}

	cmd.Flags().String("track", "", "Filter by track")
	cmd.Flags().String("kind", "", "Filter by kind")
	cmd.Flags().String("role", "", "Filter by role")
	cmd.Flags().String("state", "", "Filter by enrichment state")
	cmd.Flags().Int64("after", -1, "Start past this frame id")
	cmd.Flags().BoolP("reverse", "r", false, "Newest first")
	cmd.Flags().IntP("limit", "l", 20, "Max results")
	cmd.Flags().Bool("ids-only", false, "Only output id and title")

	RootCmd.AddCommand(cmd)
}

func runTimeline(cmd *cobra.Command, args []string) {
	track, _ := cmd.Flags().GetString("track")
	kind, _ := cmd.Flags().GetString("kind")
	role, _ := cmd.Flags().GetString("role")
	state, _ := cmd.Flags().GetString("state")
	after, _ := cmd.Flags().GetInt64("after")
	reverse, _ := cmd.Flags().GetBool("reverse")
	limit, _ := cmd.Flags().GetInt("limit")
	idsOnly, _ := cmd.Flags().GetBool("ids-only")

	p := store.TimelineParams{
		Track:   track,
		Kind:    kind,
		Role:    model.Role(role),
		State:   model.EnrichmentState(state),
		Reverse: reverse,
		Limit:   limit,
	}
	if after >= 0 {
		p.After = model.ID(model.FrameID(after))
	}

	s := openStore(cmd.Context())
	defer closeStore(s)

	frames := s.Timeline(p)
	if idsOnly {
		for _, f := range frames {
			fmt.Printf("%d\t%s\n", f.ID, f.Title)
		}
		return
	}
	if frames == nil {
		frames = []*model.Frame{}
	}
	printJSON(frames)
}
