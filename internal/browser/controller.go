package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"icloud-restore/internal/session"
)

// RecoveryURL is the iCloud page whose scripts issue the authenticated
// docws requests we capture credentials from.
const RecoveryURL = "https://www.icloud.com/recovery/"

// defaultBuildNumber is sent when the captured request carries no client
// build params. Matches the web client at the time of reverse engineering.
const defaultBuildNumber = "2546Build54"

// Controller errors.
var (
	// ErrLoginTimeout means the human did not complete login in time.
	// Fatal: report and rerun, never retried automatically.
	ErrLoginTimeout = errors.New("browser: login not detected in time")
	// ErrLoginLost means a reload failed to re-trigger an authenticated
	// request, so the underlying browser session itself has expired.
	ErrLoginLost = errors.New("browser: session lost, re-login required")
)

// State is the controller lifecycle state.
type State int

// Controller states.
const (
	StateUnauthenticated State = iota
	StateAwaitingLogin
	StateAuthenticated
	StateRefreshing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAwaitingLogin:
		return "awaiting-login"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transport is the DevTools session the controller drives. cdpConn is the
// real implementation; tests substitute a fake.
type transport interface {
	Call(ctx context.Context, method string, params, result any) error
	Requests() <-chan RequestEvent
	Close() error
}

// Config tunes the controller.
type Config struct {
	DebugPort      int
	RecoveryURL    string
	LoginTimeout   time.Duration
	RefreshTimeout time.Duration
}

// Controller owns the single browser automation target for the run. All
// interactions with the browser are serialized through its mutex: no two
// reloads ever race, and login detection consumes the request stream from
// exactly one place at a time.
type Controller struct {
	cfg    Config
	store  *session.Store
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	transport transport
	chrome    *chromeProcess

	nowFunc func() time.Time // injectable for testing
}

// NewController creates a controller publishing captured sessions into store.
func NewController(cfg Config, store *session.Store, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.RecoveryURL == "" {
		cfg.RecoveryURL = RecoveryURL
	}

	return &Controller{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Start attaches to an already-running debug Chrome on the configured port
// or launches a fresh one, opens the recovery page, and enables network
// observation. Transitions Unauthenticated -> AwaitingLogin.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUnauthenticated {
		return fmt.Errorf("browser: start in state %s", c.state)
	}

	if !devtoolsUp(ctx, c.cfg.DebugPort) {
		binary, err := findChrome()
		if err != nil {
			return err
		}

		chrome, err := launchChrome(ctx, binary, c.cfg.DebugPort, c.cfg.RecoveryURL, c.logger)
		if err != nil {
			return err
		}

		c.chrome = chrome
	} else {
		c.logger.Info("attaching to running chrome", slog.Int("debug_port", c.cfg.DebugPort))
	}

	conn, err := dialPage(ctx, c.cfg.DebugPort, c.logger)
	if err != nil {
		c.closeChromeLocked()
		return err
	}

	c.transport = conn

	for _, method := range []string{"Network.enable", "Page.enable"} {
		if err := conn.Call(ctx, method, nil, nil); err != nil {
			c.closeLocked()
			return err
		}
	}

	if err := conn.Call(ctx, "Page.navigate", map[string]string{"url": c.cfg.RecoveryURL}, nil); err != nil {
		c.closeLocked()
		return err
	}

	c.state = StateAwaitingLogin
	c.logger.Info("recovery page open, waiting for login")

	return nil
}

// WaitForLogin blocks until the page issues its first authenticated docws
// request, then captures it into a Session and publishes it to the store.
// Returns ErrLoginTimeout if the human does not finish logging in within
// the configured window.
func (c *Controller) WaitForLogin(ctx context.Context) (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateAwaitingLogin {
		return nil, fmt.Errorf("browser: wait for login in state %s", c.state)
	}

	sess, err := c.awaitCapture(ctx, c.cfg.LoginTimeout, ErrLoginTimeout)
	if err != nil {
		return nil, err
	}

	c.state = StateAuthenticated
	c.logger.Info("login detected",
		slog.String("dsid", sess.DSID),
	)

	return sess, nil
}

// Refresh reloads the recovery page so the still-valid browser login
// re-issues the authenticated request pattern with fresh short-lived
// credentials. Returns ErrLoginLost (and falls back to AwaitingLogin) when
// no such request appears within the refresh window. Implements
// session.Refresher.
func (c *Controller) Refresh(ctx context.Context) (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateAuthenticated {
		return nil, fmt.Errorf("browser: refresh in state %s", c.state)
	}

	c.state = StateRefreshing

	// Discard requests observed before the reload; capturing one of those
	// would hand back the same expired credentials.
	c.drainRequests()

	if err := c.transport.Call(ctx, "Page.reload", nil, nil); err != nil {
		c.state = StateAuthenticated
		return nil, err
	}

	sess, err := c.awaitCapture(ctx, c.cfg.RefreshTimeout, ErrLoginLost)
	if err != nil {
		if errors.Is(err, ErrLoginLost) {
			c.state = StateAwaitingLogin
		} else {
			c.state = StateAuthenticated
		}

		return nil, err
	}

	c.state = StateAuthenticated
	c.logger.Info("session refreshed via reload")

	return sess, nil
}

// Close tears down the DevTools connection and, when we launched it, the
// Chrome process and its temporary profile.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()
}

func (c *Controller) closeLocked() {
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("closing devtools connection", slog.String("error", err.Error()))
		}

		c.transport = nil
	}

	c.closeChromeLocked()
	c.state = StateClosed
}

func (c *Controller) closeChromeLocked() {
	if c.chrome != nil {
		c.chrome.Close(c.logger)
		c.chrome = nil
	}
}

// awaitCapture consumes the request stream until an authenticated request
// appears, then builds a Session from it. timeoutErr is returned when the
// window elapses.
func (c *Controller) awaitCapture(ctx context.Context, timeout time.Duration, timeoutErr error) (*session.Session, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("browser: capture canceled: %w", ctx.Err())
		case <-timer.C:
			return nil, timeoutErr
		case ev := <-c.transport.Requests():
			if !isAuthenticatedRequest(ev.URL) {
				continue
			}

			sess, err := c.capture(ctx, ev)
			if err != nil {
				return nil, err
			}

			c.store.Replace(sess)

			return sess, nil
		}
	}
}

// drainRequests discards all buffered request events.
func (c *Controller) drainRequests() {
	for {
		select {
		case <-c.transport.Requests():
		default:
			return
		}
	}
}

// isAuthenticatedRequest is the login-detection predicate: an icloud.com
// API request carrying the per-account dsid query parameter. Only requests
// issued after a completed login carry it.
func isAuthenticatedRequest(rawURL string) bool {
	return strings.Contains(rawURL, "icloud.com") && strings.Contains(rawURL, "dsid=")
}

// capture builds a Session from a detected authenticated request: identity
// query params from the URL, cookies from the browser context.
func (c *Controller) capture(ctx context.Context, ev RequestEvent) (*session.Session, error) {
	parsed, err := url.Parse(ev.URL)
	if err != nil {
		return nil, fmt.Errorf("browser: parsing captured request URL: %w", err)
	}

	query := parsed.Query()

	sess := &session.Session{
		Cookies:               map[string]string{},
		Headers:               map[string]string{},
		ClientID:              query.Get("clientId"),
		DSID:                  query.Get("dsid"),
		ClientBuildNumber:     query.Get("clientBuildNumber"),
		ClientMasteringNumber: query.Get("clientMasteringNumber"),
		CapturedAt:            c.nowFunc(),
	}

	// The web client generates its clientId as a random UUID per page
	// load; some request variants omit it from the URL.
	if sess.ClientID == "" {
		sess.ClientID = uuid.NewString()
	}

	if sess.ClientBuildNumber == "" {
		sess.ClientBuildNumber = defaultBuildNumber
	}

	if sess.ClientMasteringNumber == "" {
		sess.ClientMasteringNumber = defaultBuildNumber
	}

	cookies, err := c.fetchCookies(ctx)
	if err != nil {
		return nil, err
	}

	sess.Cookies = cookies

	return sess, nil
}

// fetchCookies pulls the icloud.com cookies from the browser context.
func (c *Controller) fetchCookies(ctx context.Context) (map[string]string, error) {
	var result struct {
		Cookies []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"cookies"`
	}

	params := map[string][]string{"urls": {"https://www.icloud.com"}}

	if err := c.transport.Call(ctx, "Network.getCookies", params, &result); err != nil {
		return nil, fmt.Errorf("browser: fetching cookies: %w", err)
	}

	cookies := make(map[string]string, len(result.Cookies))
	for _, ck := range result.Cookies {
		cookies[ck.Name] = ck.Value
	}

	return cookies, nil
}
