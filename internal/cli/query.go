package cli

import (
	"slices"

	"github.com/spf13/cobra"

	"github.com/rcliao/framestore/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "query <term>...",
		Short: "Look up frame ids by term",
		Long:  "Return the ids of soft-indexed frames matching any term, best first.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runQuery,
	}

	cmd.Flags().Bool("frames", false, "Print full frames instead of ids")

	RootCmd.AddCommand(cmd)
}

func runQuery(cmd *cobra.Command, args []string) {
	full, _ := cmd.Flags().GetBool("frames")

	s := openStore(cmd.Context())
	defer closeStore(s)

	ids := slices.Collect(s.Query(args...))
	if ids == nil {
		ids = []model.FrameID{}
	}
	if !full {
		printJSON(ids)
		return
	}
	frames := make([]*model.Frame, 0, len(ids))
	for _, id := range ids {
		if f, ok := s.GetFrame(id); ok {
			frames = append(frames, f)
		}
	}
	printJSON(frames)
}
