package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-ingest/internal/app"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset the saved crawl position",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the saved checkpoint as JSON",
		Args:  cobra.NoArgs,
		RunE:  runCheckpointShow,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete the saved checkpoint so the next crawl starts fresh",
		Args:  cobra.NoArgs,
		RunE:  runCheckpointClear,
	})
	return cmd
}

func runCheckpointShow(cmd *cobra.Command, _ []string) error {
	rt, err := resolveSession(cmd.Context())
	if err != nil {
		return err
	}
	store, closeStore, err := app.OpenCheckpoints(cmd.Context(), rt.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	cp, err := store.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "no checkpoint")
		return nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(cp); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return nil
}

func runCheckpointClear(cmd *cobra.Command, _ []string) error {
	rt, err := resolveSession(cmd.Context())
	if err != nil {
		return err
	}
	store, closeStore, err := app.OpenCheckpoints(cmd.Context(), rt.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	if err := store.Clear(cmd.Context()); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "checkpoint cleared")
	return nil
}
