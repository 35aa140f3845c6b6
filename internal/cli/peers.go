package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rudransh-shrivastava/ewonic/internal/db"
	"github.com/rudransh-shrivastava/ewonic/internal/store"
	"github.com/spf13/cobra"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List peers seen by earlier sessions",
	Args:  cobra.NoArgs,
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

		rows, err := store.NewSightingStore(gdb).List(cmd.Context())
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no peers seen yet")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PEER\tNAME\tHANDLE\tTRANSPORT\tSEEN\tLAST SEEN")
		for _, r := range rows {
			last := time.Unix(r.LastSeen, 0).Format(time.DateTime)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.PeerID, r.DisplayName, r.Handle, r.Transport, r.SeenCount, last)
		}
		return w.Flush()
	},
}
