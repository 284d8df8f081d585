package cli

import (
	"bufio"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/framestore/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export frames as JSON lines",
		Long:  "Export frames in id order as newline-delimited JSON, followed by the links between them.",
		Run:   runExport,
	}

	cmd.Flags().String("track", "", "Only export this track")
	cmd.Flags().Bool("with-content", false, "Embed raw content in frame records")
	cmd.Flags().StringP("output", "o", "", "Write to a file instead of stdout")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	track, _ := cmd.Flags().GetString("track")
	withContent, _ := cmd.Flags().GetBool("with-content")
	output, _ := cmd.Flags().GetString("output")

	var out io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			exitErr("create output", err)
		}
		defer f.Close()
		out = f
	}
	w := bufio.NewWriter(out)

	s := openStore(cmd.Context())
	defer closeStore(s)

	if _, err := s.Export(cmd.Context(), w, store.ExportParams{Track: track, WithContent: withContent}); err != nil {
		exitErr("export", err)
	}
	if err := w.Flush(); err != nil {
		exitErr("export", err)
	}
}
