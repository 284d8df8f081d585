package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/framestore/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "triplets [id]",
		Short: "Show extracted subject-predicate-object relations",
		Long:  "Show the triplets of one frame, or match across the store with --subject, --predicate and --object.",
		Args:  cobra.MaximumNArgs(1),
		Run:   runTriplets,
	}

	cmd.Flags().String("subject", "", "Match subject (case-insensitive)")
	cmd.Flags().String("predicate", "", "Match predicate")
	cmd.Flags().String("object", "", "Match object")

	RootCmd.AddCommand(cmd)
}

func runTriplets(cmd *cobra.Command, args []string) {
	subject, _ := cmd.Flags().GetString("subject")
	predicate, _ := cmd.Flags().GetString("predicate")
	object, _ := cmd.Flags().GetString("object")

	s := openStore(cmd.Context())
	defer closeStore(s)

	var triplets []model.Triplet
	if len(args) == 1 {
		triplets = s.Triplets(parseFrameID(args[0]))
	} else {
		triplets = s.FindTriplets(subject, predicate, object)
	}
	if triplets == nil {
		triplets = []model.Triplet{}
	}
	printJSON(triplets)
}
