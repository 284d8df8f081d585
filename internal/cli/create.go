package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/framestore/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new store",
		Long:  "Create a new, empty store at the configured path. Fails if anything already exists there.",
		Args:  cobra.NoArgs,
		Run:   runCreate,
	}

	RootCmd.AddCommand(cmd)
}

func runCreate(cmd *cobra.Command, args []string) {
	e := loadEnv()
	s, err := store.Create(cmd.Context(), e.cfg.Store.Path, e.storeOptions())
	if err != nil {
		exitErr("create store", err)
	}
	defer closeStore(s)

	printJSON(map[string]string{"store_id": s.ID(), "path": s.Path()})
}
