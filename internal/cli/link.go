package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/framestore/internal/model"
	"github.com/rcliao/framestore/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "link <from> <to>",
		Short: "Create a relation between frames",
		Long:  "Create a relation between two frames. derived_from links count as ancestry and may not form a cycle.",
		Args:  cobra.ExactArgs(2),
		Run:   runLink,
	}

	cmd.Flags().StringP("rel", "r", string(model.RelRelatesTo), "Relation: derived_from, relates_to, contradicts, refines")

	RootCmd.AddCommand(cmd)
}

func runLink(cmd *cobra.Command, args []string) {
	rel, _ := cmd.Flags().GetString("rel")
	from, to := parseFrameID(args[0]), parseFrameID(args[1])

	s := openStore(cmd.Context())
	defer closeStore(s)

	link, err := s.Link(cmd.Context(), store.LinkParams{
		From: from,
		To:   to,
		Rel:  model.Rel(rel),
	})
	if err != nil {
		exitErr("link", err)
	}
	printJSON(link)
}
