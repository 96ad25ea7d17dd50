package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vango-go/voicebook/pkg/store"
)

func newStateCmd(deps appDeps, stdout io.Writer) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Read or write persisted transcript, book and memory",
	}
	cmd.PersistentFlags().StringVar(&dsn, "store", "", "store dsn (default $VOICEBOOK_CONSOLE_STORE, then $VOICEBOOK_GATEWAY_URL)")

	resolve := func() string {
		if dsn != "" {
			return dsn
		}
		if v := strings.TrimSpace(os.Getenv("VOICEBOOK_CONSOLE_STORE")); v != "" {
			return v
		}
		if v := strings.TrimSpace(os.Getenv("VOICEBOOK_GATEWAY_URL")); v != "" {
			return v
		}
		return "http://localhost:8081"
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a stored value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !store.ValidKey(args[0]) {
				return fmt.Errorf("unknown key %q (want %s, %s or %s)", args[0], store.KeyTranscript, store.KeyBook, store.KeyMemory)
			}
			st, err := deps.openStore(cmd.Context(), resolve())
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			v, err := st.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get %s: %w", args[0], err)
			}
			fmt.Fprintln(stdout, v)
			return nil
		},
	}

	put := &cobra.Command{
		Use:   "put <key> [value]",
		Short: "Store a value; reads stdin when value is omitted or -",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !store.ValidKey(args[0]) {
				return fmt.Errorf("unknown key %q (want %s, %s or %s)", args[0], store.KeyTranscript, store.KeyBook, store.KeyMemory)
			}
			var value string
			if len(args) == 2 && args[1] != "-" {
				value = args[1]
			} else {
				in := deps.stdin
				if in == nil {
					in = os.Stdin
				}
				raw, err := io.ReadAll(in)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				value = string(raw)
			}
			st, err := deps.openStore(cmd.Context(), resolve())
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			if err := st.Put(cmd.Context(), args[0], value); err != nil {
				return fmt.Errorf("put %s: %w", args[0], err)
			}
			return nil
		},
	}

	cmd.AddCommand(get, put)
	return cmd
}
