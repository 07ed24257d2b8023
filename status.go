package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"icloud-restore/internal/state"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show saved listing and restore progress",
		Long: `Display the state of the local checkpoint database: how much of the
deleted-file listing has been fetched and how many items have been
restored. Never touches the network.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()

	if _, err := os.Stat(resolvedCfg.StatePath); os.IsNotExist(err) {
		fmt.Println("No saved state — nothing has run yet.")
		return nil
	}

	store, err := state.NewStore(resolvedCfg.StatePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	cp, err := store.LoadCheckpoint(ctx)
	if err != nil {
		return err
	}

	count, totalSize, err := store.InventorySummary(ctx)
	if err != nil {
		return err
	}

	counts, err := store.StatusCounts(ctx)
	if err != nil {
		return err
	}

	printer := message.NewPrinter(language.English)

	switch {
	case cp.Pages == 0 && !cp.Complete:
		fmt.Println("Listing: not started")
	case cp.Complete:
		printer.Printf("Listing: complete (%d items, %d pages)\n", count, cp.Pages)
	default:
		printer.Printf("Listing: in progress (%d items after %d pages)\n", count, cp.Pages)
	}

	if totalSize > 0 {
		printer.Printf("Total size: %d bytes\n", totalSize)
	}

	if len(counts) == 0 {
		fmt.Println("Restore: not started")
		return nil
	}

	fmt.Println("Restore:")
	printer.Printf("  pending:          %d\n", counts[state.StatusPending]+counts[state.StatusInFlight])
	printer.Printf("  succeeded:        %d\n", counts[state.StatusSucceeded])
	printer.Printf("  failed_permanent: %d\n", counts[state.StatusFailedPermanent])

	return nil
}
