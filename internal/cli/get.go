package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/framestore/internal/model"
	"github.com/rcliao/framestore/internal/store"
	fserr "github.com/rcliao/framestore/pkg/errors"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a frame",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	cmd.Flags().Bool("content", false, "Write the raw content to stdout instead of the frame")
	cmd.Flags().Bool("chunks", false, "Include chunks")
	cmd.Flags().Bool("lineage", false, "Include parent, ancestors, children and links")

	RootCmd.AddCommand(cmd)
}

type frameView struct {
	*model.Frame
	Chunks   []model.Chunk   `json:"chunks,omitempty"`
	Triplets []model.Triplet `json:"triplets,omitempty"`
	Lineage  *store.Lineage  `json:"lineage,omitempty"`

	Searchable bool `json:"searchable"`
	Enriching  bool `json:"enriching,omitempty"`
}

func runGet(cmd *cobra.Command, args []string) {
	id := parseFrameID(args[0])
	withContent, _ := cmd.Flags().GetBool("content")
	withChunks, _ := cmd.Flags().GetBool("chunks")
	withLineage, _ := cmd.Flags().GetBool("lineage")

	s := openStore(cmd.Context())
	defer closeStore(s)

	f, ok := s.GetFrame(id)
	if !ok {
		exitErr("get", fserr.New(fserr.CodeStoreFrameNotFound, "frame not found", fserr.FieldFrameID(uint64(id))))
	}

	if withContent {
		raw, err := s.Content(cmd.Context(), id)
		if err != nil {
			exitErr("read content", err)
		}
		os.Stdout.Write(raw)
		return
	}

	view := frameView{
		Frame:      f,
		Triplets:   s.Triplets(id),
		Searchable: s.Searchable(id),
		Enriching:  s.Enriching(id),
	}
	if withChunks {
		chunks, err := s.Chunks(cmd.Context(), id)
		if err != nil {
			exitErr("read chunks", err)
		}
		view.Chunks = chunks
	}
	if withLineage {
		view.Lineage, _ = s.Lineage(id)
	}
	printJSON(view)
}
