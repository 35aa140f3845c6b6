package cli

import (
	"fmt"

	"github.com/rudransh-shrivastava/ewonic/internal/db"
	"github.com/rudransh-shrivastava/ewonic/internal/identity"
	"github.com/rudransh-shrivastava/ewonic/internal/relay"
	"github.com/rudransh-shrivastava/ewonic/internal/store"
	"github.com/spf13/cobra"
)

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Issue a fresh peer id for this device",
	Long: `Derives a new peer id from the device identifier stored in the database
and records it as issued. Each run prints a different id.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		gdb, err := db.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close(gdb)

		devices := store.NewIdentityStore(gdb)
		device, err := devices.UniqueID(cmd.Context())
		if err != nil {
			return err
		}

		id, err := identity.New(cmd.Context(), devices, store.NewIssuedStore(gdb))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "device:     %s\n", device)
		fmt.Fprintf(out, "peer id:    %s\n", id)
		fmt.Fprintf(out, "advertised: %s\n", relay.AdvertisedName(cfg.Relay.NamePrefix, id))
		return nil
	},
}
