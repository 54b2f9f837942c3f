package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func whitelistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whitelist",
		Short: "Manage the whitelist entries kept in the store",
		Long: `Entries are grouped by dimension: team, user or channel. A dimension
with no entries allows every value.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List whitelist entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := requireStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.ListWhitelistEntries(context.Background())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No whitelist entries.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DIMENSION\tVALUE\tADDED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Dimension, e.Value, e.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add [team|user|channel] [id]",
		Short: "Add an identifier to the whitelist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := requireStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.AddWhitelistEntry(context.Background(), args[0], args[1]); err != nil {
				return err
			}
			logger.Info("whitelist entry added", "dimension", args[0], "value", args[1])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove [team|user|channel] [id]",
		Short: "Remove an identifier from the whitelist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := requireStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			removed, err := st.RemoveWhitelistEntry(context.Background(), args[0], args[1])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no %s entry %q", args[0], args[1])
			}
			logger.Info("whitelist entry removed", "dimension", args[0], "value", args[1])
			return nil
		},
	})

	return cmd
}
