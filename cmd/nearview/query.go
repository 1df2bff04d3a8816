package main

import (
	"encoding/hex"
	"encoding/json"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"nearview/types"
)

var callCmd = &cobra.Command{
	Use:   "call <account> <method>",
	Short: "Run a view method of an account's contract",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		input, _ := cmd.Flags().GetString("args")
		res, err := a.Query.RunContract(ctx, args[0], args[1], []byte(input), heightFlag(cmd))
		if err != nil {
			return err
		}
		out := struct {
			Result      any      `json:"result"`
			Logs        []string `json:"logs"`
			BlockHeight uint64   `json:"block_height"`
		}{displayBytes(res.Result), res.Logs, res.BlockHeight}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var viewAccountCmd = &cobra.Command{
	Use:   "view-account <account>",
	Short: "Show an account as of a block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		view, err := a.Query.ViewAccount(ctx, args[0], heightFlag(cmd))
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), view)
	},
}

var viewAccessKeyCmd = &cobra.Command{
	Use:   "view-access-key <account> <public-key>",
	Short: "Show one access key of an account as of a block",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pk, err := types.ParsePublicKey(args[1])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		view, err := a.Query.ViewAccessKey(ctx, args[0], pk, heightFlag(cmd))
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), view)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan <account>",
	Short: "List an account's data keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern, _ := cmd.Flags().GetString("pattern")
		limit, _ := cmd.Flags().GetInt("limit")
		var cursor []byte
		if c, _ := cmd.Flags().GetString("cursor"); c != "" {
			var err error
			if cursor, err = parseBytes(c); err != nil {
				return err
			}
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		page, err := a.Query.ScanDataKeys(ctx, args[0], pattern, cursor, limit, heightFlag(cmd))
		if err != nil {
			return err
		}
		type item struct {
			Key   string `json:"key"`
			Value any    `json:"value"`
		}
		out := struct {
			Items       []item `json:"items"`
			Cursor      any    `json:"cursor,omitempty"`
			BlockHeight uint64 `json:"block_height"`
		}{Items: make([]item, 0, len(page.Items)), BlockHeight: page.BlockHeight}
		for _, kv := range page.Items {
			out.Items = append(out.Items, item{textOrHex(kv.Key), displayBytes(kv.Value)})
		}
		if page.Cursor != nil {
			out.Cursor = hexBytes(page.Cursor)
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	withHeight(callCmd)
	callCmd.Flags().String("args", "", "raw call input, usually JSON")

	withHeight(viewAccountCmd)
	withHeight(viewAccessKeyCmd)

	withHeight(scanCmd)
	scanCmd.Flags().String("pattern", "*", "glob over data keys; only '*' is special")
	scanCmd.Flags().String("cursor", "", "cursor from a previous page (0x-hex)")
	scanCmd.Flags().Int("limit", 0, "page size (default: query.scan_limit)")
}

// displayBytes keeps JSON results structured, shows printable bytes as text
// and falls back to 0x-hex.
func displayBytes(b []byte) any {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	return textOrHex(b)
}

func textOrHex(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return hexBytes(b)
}

func hexBytes(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
