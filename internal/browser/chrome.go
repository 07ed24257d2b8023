// Package browser drives a Chrome instance through the DevTools protocol
// to capture and refresh iCloud session credentials. The browser is the
// automation target: this package launches it, watches its outbound
// requests for the login signal, and reloads the recovery page to mint
// fresh credentials on demand. A human completes the actual login and 2FA.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// ErrChromeNotFound means no Chrome or Chromium binary could be located.
var ErrChromeNotFound = errors.New("browser: chrome not found")

// profilePrefix names the throwaway user-data-dir. Chrome refuses remote
// debugging on the default profile, and a fresh profile also guarantees no
// prior session leaks into the run.
const profilePrefix = "icloud-restore-"

// startupPollInterval paces the wait for the DevTools endpoint after launch.
const (
	startupPollInterval = time.Second
	startupMaxWait      = 20 * time.Second
)

// chromeProcess is a Chrome instance we launched ourselves, with the
// temporary profile directory that must be cleaned up after it.
type chromeProcess struct {
	cmd        *exec.Cmd
	profileDir string
}

// findChrome locates a Chrome or Chromium binary for the current platform.
func findChrome() (string, error) {
	var candidates []string

	switch runtime.GOOS {
	case "darwin":
		candidates = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "windows":
		candidates = []string{
			os.ExpandEnv(`${ProgramFiles}\Google\Chrome\Application\chrome.exe`),
			os.ExpandEnv(`${ProgramFiles(x86)}\Google\Chrome\Application\chrome.exe`),
			os.ExpandEnv(`${LocalAppData}\Google\Chrome\Application\chrome.exe`),
		}
	default:
		candidates = []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
		}
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	for _, name := range []string{"google-chrome", "chromium", "chrome"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}

	return "", ErrChromeNotFound
}

// launchChrome starts Chrome with remote debugging on the given port, a
// fresh temporary profile, and the start URL open, then waits for the
// DevTools endpoint to come up.
func launchChrome(ctx context.Context, binary string, port int, startURL string, logger *slog.Logger) (*chromeProcess, error) {
	profileDir, err := os.MkdirTemp("", profilePrefix)
	if err != nil {
		return nil, fmt.Errorf("browser: creating profile dir: %w", err)
	}

	cmd := exec.Command(binary,
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--user-data-dir="+profileDir,
		"--no-first-run",
		"--no-default-browser-check",
		startURL,
	)

	if err := cmd.Start(); err != nil {
		os.RemoveAll(profileDir)
		return nil, fmt.Errorf("browser: starting chrome: %w", err)
	}

	logger.Info("launched chrome",
		slog.String("binary", binary),
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("debug_port", port),
	)

	proc := &chromeProcess{cmd: cmd, profileDir: profileDir}

	if err := waitForDevtools(ctx, port); err != nil {
		proc.Close(logger)
		return nil, err
	}

	return proc, nil
}

// waitForDevtools polls the DevTools version endpoint until it answers.
func waitForDevtools(ctx context.Context, port int) error {
	deadline := time.Now().Add(startupMaxWait)

	for time.Now().Before(deadline) {
		if devtoolsUp(ctx, port) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startupPollInterval):
		}
	}

	return fmt.Errorf("browser: devtools endpoint on port %d not ready after %s", port, startupMaxWait)
}

// devtoolsUp reports whether a DevTools endpoint answers on the port.
// Used both to wait for our own launch and to detect an already-running
// debug Chrome we can attach to instead of launching a second one.
func devtoolsUp(ctx context.Context, port int) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// Close terminates the Chrome process and removes its temporary profile.
func (p *chromeProcess) Close(logger *slog.Logger) {
	if p.cmd != nil && p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil {
			logger.Debug("killing chrome", slog.String("error", err.Error()))
		}

		// Reap the child so it does not linger as a zombie.
		go p.cmd.Wait() //nolint:errcheck // exit status is irrelevant after Kill
	}

	if p.profileDir != "" {
		if err := os.RemoveAll(p.profileDir); err != nil {
			logger.Warn("removing chrome profile dir",
				slog.String("dir", p.profileDir),
				slog.String("error", err.Error()),
			)
		}
	}
}
