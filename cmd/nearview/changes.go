package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"nearview/changes"
	"nearview/config"
	"nearview/filestore"
	"nearview/keys"
)

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Inspect and build change-index files",
}

var changesDumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "Print every record of a change-index file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := changes.OpenFile(args[0])
		if err != nil {
			return err
		}
		defer r.Close()
		return printEntries(cmd, r, nil)
	},
}

var changesLookupCmd = &cobra.Command{
	Use:   "lookup <file> <account>",
	Short: "Print the change lists of one account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := &changes.Filter{AccountID: args[1], BlockHeight: heightFlag(cmd)}
		if p, _ := cmd.Flags().GetString("key-prefix"); p != "" {
			b, err := parseBytes(p)
			if err != nil {
				return err
			}
			f.KeyPrefix = b
		}
		r, err := changes.OpenFile(args[0])
		if err != nil {
			return err
		}
		defer r.Close()
		return printEntries(cmd, r, f)
	},
}

var changesMergeCmd = &cobra.Command{
	Use:   "merge <out> <in>...",
	Short: "Merge change-index files into one",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var inputs []*changes.Reader
		defer func() {
			for _, r := range inputs {
				_ = r.Close()
			}
		}()
		for _, path := range args[1:] {
			r, err := changes.OpenFile(path)
			if err != nil {
				return err
			}
			inputs = append(inputs, r)
		}
		return writeFile(args[0], func(w *bufio.Writer) error {
			return changes.MergeChangesFiles(w, inputs...)
		})
	},
}

var changesExportCmd = &cobra.Command{
	Use:   "export <out>",
	Short: "Write the change index of a file-backend store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Storage.Backend != config.BackendFile || cfg.Storage.Shards != 1 {
			return errors.New("export needs an unsharded file backend")
		}
		s, err := filestore.Open(filestore.Config{Dir: cfg.Storage.DataDir, MaxSubKeyLength: cfg.Storage.MaxSubKeyLength})
		if err != nil {
			return err
		}
		defer s.Close()
		return writeFile(args[0], func(w *bufio.Writer) error {
			return s.ExportChanges(w)
		})
	},
}

func init() {
	withHeight(changesLookupCmd)
	changesLookupCmd.Flags().String("key-prefix", "", "scope tag plus key prefix, e.g. dfoo or 0x64ff")
	changesCmd.AddCommand(changesDumpCmd, changesLookupCmd, changesMergeCmd, changesExportCmd)
}

func printEntries(cmd *cobra.Command, r *changes.Reader, f *changes.Filter) error {
	w := bufio.NewWriter(cmd.OutOrStdout())
	err := r.Scan(f, func(e changes.Entry) error {
		heights := make([]string, len(e.Changes))
		for i, h := range e.Changes {
			heights[i] = fmt.Sprint(h)
		}
		_, err := fmt.Fprintf(w, "%s\t%s\t%s\n", e.AccountID, describeKey(e.Key), strings.Join(heights, ","))
		return err
	})
	if ferr := w.Flush(); err == nil {
		err = ferr
	}
	return err
}

// describeKey renders a change-index key: its scope tag then the subKey.
func describeKey(k []byte) string {
	if len(k) == 0 {
		return ""
	}
	scope := keys.Scope(k[0])
	if len(k) == 1 {
		return scope.String()
	}
	return scope.String() + ":" + textOrHex(k[1:])
}

func writeFile(path string, fn func(w *bufio.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := fn(w); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
