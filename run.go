package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"icloud-restore/internal/browser"
	"icloud-restore/internal/config"
	"icloud-restore/internal/engine"
	"icloud-restore/internal/icloud"
	"icloud-restore/internal/session"
	"icloud-restore/internal/state"
)

// flagYes skips the confirmation prompt, for unattended reruns.
var flagYes bool

// httpClientTimeout bounds individual provider requests. Large tombstone
// pages can take a while to stream.
const httpClientTimeout = 60 * time.Second

// failedListLimit caps how many permanently failed items the summary
// prints before pointing at the status command.
const failedListLimit = 10

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Log in, list deleted files, and restore them",
		Long: `Run the full recovery flow: open a browser window for login, enumerate
all deleted files (resuming any previous listing), confirm, and restore
them in batches. Interrupt with Ctrl-C at any point; a rerun resumes from
the saved checkpoint instead of starting over.`,
		Args: cobra.NoArgs,
		RunE: runRun,
	}

	cmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}

func runRun(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)
	cfg := resolvedCfg

	if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	store, err := state.NewStore(cfg.StatePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions := session.NewStore(cfg.AssumedTTL, cfg.ExpiryMargin)

	ctrl := browser.NewController(browser.Config{
		DebugPort:      cfg.DebugPort,
		LoginTimeout:   cfg.LoginTimeout,
		RefreshTimeout: cfg.RefreshTimeout,
	}, sessions, logger)
	defer ctrl.Close()

	if err := loginFlow(ctx, ctrl); err != nil {
		return err
	}

	coord := session.NewCoordinator(sessions, reloginRefresher{ctrl: ctrl}, logger)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	go coord.WatchStaleness(watchCtx, cfg.CheckInterval)

	client := icloud.NewClient(icloud.DefaultBaseURL, &http.Client{Timeout: httpClientTimeout}, logger)

	if err := fetchInventory(ctx, cfg, client, store, sessions, coord, logger); err != nil {
		return err
	}

	count, totalSize, err := store.InventorySummary(ctx)
	if err != nil {
		return err
	}

	if count == 0 {
		statusf("No deleted files found — the iCloud Drive trash is empty.\n")
		return nil
	}

	if err := confirmRestore(count, totalSize); err != nil {
		return err
	}

	if err := store.DeriveRecords(ctx); err != nil {
		return err
	}

	restorer := engine.NewRestorer(engine.RestorerConfig{
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.Concurrency,
		MaxAttempts: cfg.MaxAttempts,
		MinInterval: cfg.MinInterval,
	}, client, store, sessions, coord, nil, logger)

	summary, err := restorer.Run(ctx)
	if err != nil {
		statusf("\nRun interrupted — progress is saved, rerun to resume.\n")
		return err
	}

	return reportSummary(ctx, store, summary, coord.Refreshes())
}

// reloginRefresher refreshes via page reload, and when the underlying
// browser login itself has expired it pauses the run and waits for the
// human to log in again in the still-open window instead of failing.
type reloginRefresher struct {
	ctrl *browser.Controller
}

func (r reloginRefresher) Refresh(ctx context.Context) (*session.Session, error) {
	sess, err := r.ctrl.Refresh(ctx)
	if err == nil {
		return sess, nil
	}

	if !errors.Is(err, browser.ErrLoginLost) {
		return nil, err
	}

	statusf("\nBrowser session lost. Log in again in the browser window to continue.\n")

	return r.ctrl.WaitForLogin(ctx)
}

// loginFlow starts the browser and waits for the human to log in.
func loginFlow(ctx context.Context, ctrl *browser.Controller) error {
	statusf("Opening the iCloud recovery page...\n")

	if err := ctrl.Start(ctx); err != nil {
		if errors.Is(err, browser.ErrChromeNotFound) {
			return fmt.Errorf("%w — install Google Chrome or Chromium", err)
		}

		return err
	}

	statusf("A browser window is open. Log in with your Apple ID (including 2FA).\n")

	if _, err := ctrl.WaitForLogin(ctx); err != nil {
		if errors.Is(err, browser.ErrLoginTimeout) {
			return fmt.Errorf("%w — rerun and complete login", err)
		}

		return err
	}

	statusf("Login detected.\n")

	return nil
}

// fetchInventory runs the listing fetcher unless a previous run already
// completed it.
func fetchInventory(
	ctx context.Context,
	cfg *config.Resolved,
	client *icloud.Client,
	store *state.Store,
	sessions *session.Store,
	coord *session.Coordinator,
	logger *slog.Logger,
) error {
	statusf("Enumerating deleted files...\n")

	fetcher := engine.NewFetcher(engine.FetcherConfig{
		PageSize:    cfg.ListingPageSize,
		MaxAttempts: cfg.ListingMaxAttempts,
	}, client, store, sessions, coord, logger)

	if err := fetcher.FetchAll(ctx); err != nil {
		if errors.Is(err, engine.ErrListingFailed) {
			return fmt.Errorf("%w — progress is saved, rerun to resume", err)
		}

		return err
	}

	return nil
}

// confirmRestore shows the inventory summary and asks before touching
// anything, unless --yes was given. Refuses to guess on a non-TTY.
func confirmRestore(count int, totalSize int64) error {
	printer := message.NewPrinter(language.English)

	statusf("\nReady to restore %s files (%s).\n",
		printer.Sprintf("%d", count),
		humanize.Bytes(uint64(totalSize)),
	)

	if flagYes {
		return nil
	}

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return errors.New("refusing to restore without confirmation on a non-interactive stdin; pass --yes")
	}

	fmt.Fprint(os.Stderr, "Proceed? [y/N]: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading confirmation: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	default:
		return errors.New("canceled")
	}
}

// reportSummary prints the final counts and maps permanent failures to a
// non-zero exit.
func reportSummary(ctx context.Context, store *state.Store, summary *engine.Summary, refreshes int) error {
	printer := message.NewPrinter(language.English)

	statusf("\nRestore complete.\n")
	statusf("  Restored: %s\n", printer.Sprintf("%d", summary.Succeeded))
	statusf("  Failed:   %s\n", printer.Sprintf("%d", summary.FailedPermanent))

	if refreshes > 0 {
		statusf("  Session refreshes: %d\n", refreshes)
	}

	if summary.FailedPermanent == 0 {
		return nil
	}

	failed, err := store.FailedRecords(ctx)
	if err != nil {
		return err
	}

	statusf("\nPermanently failed items:\n")

	for i, rec := range failed {
		if i == failedListLimit {
			statusf("  ... and %d more (see `icloud-restore status`)\n", len(failed)-failedListLimit)
			break
		}

		statusf("  %s: %s\n", rec.ItemID, rec.LastError)
	}

	statusf("\nRerun to retry failed items after resetting, or inspect them in the web UI.\n")

	return errItemsFailed
}
