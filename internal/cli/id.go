package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bramblemesh/bramble/pkg/config"
	"github.com/bramblemesh/bramble/pkg/identity"
	"github.com/bramblemesh/bramble/pkg/store"
)

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print this node's identity and friend code",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := flagDataDir
		if dir == "" {
			var err error
			if dir, err = config.DefaultDir(); err != nil {
				return err
			}
		}
		cfg, err := config.Load(dir)
		if err != nil {
			return err
		}

		stores, err := store.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer stores.Close()

		id, err := identity.LoadOrCreate(stores.KV)
		if err != nil {
			return err
		}

		fmt.Printf("node id:     %s\n", id.NodeID)
		fmt.Printf("node hash:   %#04x\n", id.NodeHash)
		fmt.Printf("friend code: %s\n", id.FriendCode)
		fmt.Printf("nickname:    %s\n", id.Nickname())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(idCmd)
}
