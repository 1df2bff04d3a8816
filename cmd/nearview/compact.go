package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"nearview/keys"
)

var compactCmd = &cobra.Command{
	Use:   "compact <account> <scope> [key]",
	Short: "Drop versions of a key older than the newest one at or below --threshold",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := keys.ParseScope(args[1])
		if err != nil {
			return err
		}
		var subKey []byte
		if len(args) == 3 {
			if subKey, err = parseBytes(args[2]); err != nil {
				return err
			}
		}
		threshold, _ := cmd.Flags().GetUint64("threshold")

		ctx := cmd.Context()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Compact(ctx, scope, args[0], subKey, threshold); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "compacted %s %s below %d\n", scope, args[0], threshold)
		return nil
	},
}

func init() {
	compactCmd.Flags().Uint64("threshold", 0, "block height; the newest version at or below it is kept")
	_ = compactCmd.MarkFlagRequired("threshold")
}
