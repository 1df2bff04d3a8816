// nearview 命令行：查询历史状态、执行只读合约调用、维护变更索引文件
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"nearview/app"
	"nearview/config"
	"nearview/logs"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "nearview",
	Short:         "nearview serves historical account state and view calls from a block-versioned store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		return logs.Init(cfg.Log.Level, cfg.Log.JSON)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml or toml); NEARVIEW_* environment variables override it")
	rootCmd.AddCommand(callCmd, viewAccountCmd, viewAccessKeyCmd, scanCmd, changesCmd, compactCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openApp builds the application from the loaded config. Commands that
// never execute contracts pass stateOnly to skip the sandbox.
func openApp(ctx context.Context, stateOnly bool) (*app.App, error) {
	return app.New(ctx, cfg, app.Options{StateOnly: stateOnly})
}

func withHeight(cmd *cobra.Command) {
	cmd.Flags().Uint64("height", 0, "block height to query at (default: latest)")
}

// heightFlag returns nil unless --height was given explicitly, so that
// block 0 stays addressable.
func heightFlag(cmd *cobra.Command) *uint64 {
	if !cmd.Flags().Changed("height") {
		return nil
	}
	h, _ := cmd.Flags().GetUint64("height")
	return &h
}

// parseBytes accepts either a 0x-prefixed hex string or literal text.
func parseBytes(s string) ([]byte, error) {
	if strings.HasPrefix(s, "0x") {
		b, err := hex.DecodeString(s[2:])
		if err != nil {
			return nil, fmt.Errorf("decode %q: %w", s, err)
		}
		return b, nil
	}
	return []byte(s), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
