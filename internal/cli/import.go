package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import frames from an export",
		Long: "Import frames from JSON lines (a file or stdin) in the format produced by export. " +
			"Frames whose content is already stored are skipped.",
		Args: cobra.MaximumNArgs(1),
		Run:  runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	var in io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			exitErr("open input", err)
		}
		defer f.Close()
		in = f
	}

	s := openStore(cmd.Context())
	defer closeStore(s)

	res, err := s.Import(cmd.Context(), in)
	if err != nil {
		exitErr("import", err)
	}
	printJSON(res)
}
