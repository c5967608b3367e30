package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check store database health (schema, integrity, tables)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			health, err := st.CheckHealth(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Database path: %s\n", health.DBPath)
			fmt.Fprintf(out, "Database exists: %s\n", yesNo(health.DatabaseExists))
			fmt.Fprintf(out, "Readable: %s\n", yesNo(health.DatabaseReadable))
			if len(health.TablesPresent) > 0 {
				tables := append([]string(nil), health.TablesPresent...)
				sort.Strings(tables)
				fmt.Fprintf(out, "Tables: %s\n", strings.Join(tables, ", "))
			}
			if len(health.MissingTables) > 0 {
				missing := append([]string(nil), health.MissingTables...)
				sort.Strings(missing)
				fmt.Fprintf(out, "Missing tables: %s\n", strings.Join(missing, ", "))
			} else {
				fmt.Fprintln(out, "Missing tables: none")
			}
			fmt.Fprintf(out, "Integrity check: %s\n", yesNo(health.IntegrityCheck))
			fmt.Fprintf(out, "Sessions: %d\n", health.SessionCount)
			if health.Error != "" {
				fmt.Fprintf(out, "Error: %s\n", health.Error)
			}
			return err
		},
	}
}
