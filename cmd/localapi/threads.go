package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newFoldCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fold <thread_id>",
		Short: "Summarize a thread now and print the summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.service.Summarize(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), summary)
			return nil
		},
	}
}

func newInspectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <thread_id>",
		Short: "Print how the next prompt for a thread would be assembled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.service.InspectContext(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
