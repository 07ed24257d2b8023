package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"icloud-restore/internal/state"
)

// flagResetYes skips the reset confirmation.
var flagResetYes bool

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear saved listing and restore progress",
		Long: `Delete the local checkpoint and progress records. The next run starts
a fresh enumeration instead of resuming. Has no effect on iCloud itself.`,
		Args: cobra.NoArgs,
		RunE: runReset,
	}

	cmd.Flags().BoolVarP(&flagResetYes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}

func runReset(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	if _, err := os.Stat(resolvedCfg.StatePath); os.IsNotExist(err) {
		fmt.Println("No saved state to clear.")
		return nil
	}

	if !flagResetYes {
		if !isatty.IsTerminal(os.Stdin.Fd()) {
			return errors.New("refusing to reset without confirmation on a non-interactive stdin; pass --yes")
		}

		fmt.Fprint(os.Stderr, "Clear all saved progress? [y/N]: ")

		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading confirmation: %w", err)
		}

		answer := strings.ToLower(strings.TrimSpace(line))
		if answer != "y" && answer != "yes" {
			return errors.New("canceled")
		}
	}

	store, err := state.NewStore(resolvedCfg.StatePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Reset(cmd.Context()); err != nil {
		return err
	}

	fmt.Println("Saved state cleared.")

	return nil
}
