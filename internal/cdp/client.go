// Package cdp implements the CDP Tab Client: the low-level browser driver
// that owns a connection to a Chrome DevTools Protocol endpoint, attaches to
// a target, enables the domains the engine needs, and realizes each step
// kind's browser-facing half (DOM queries, mouse/keyboard dispatch,
// evaluation, fetch interception, dialog handling). It works with raw
// cdproto domain commands rather than chromedp's high-level actions, which
// cannot express isolated worlds, fetch interception or per-rune keyboard
// dispatch.
package cdp

import (
	"context"
	"fmt"
	"sync"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/console"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/webtestflow/cdp-orchestrator/internal/model"
)

// SessionRegistry is the minimal contract the client needs from the
// Session Registry collaborator. Defined here, at the point of
// consumption, rather than imported from package registry, so this package
// has no dependency on any particular registry implementation.
type SessionRegistry interface {
	GetTargetID(sessionID string) (string, bool)
	Register(sessionID, targetID string)
}

// EventKind discriminates the client's own event callback (console/network),
// distinct from the runner's step:start/pass/fail events.
type EventKind string

const (
	EventConsole EventKind = "console"
	EventNetwork EventKind = "network"
)

// Event is the payload delivered to the client's event callback.
type Event struct {
	Kind       EventKind
	Level      string // console
	Text       string // console
	Method     string // network
	URL        string // network
	Status     int    // network
	DurationMS int64  // network
}

const (
	defaultNavigateTimeout = 30 * time.Second
)

// Client owns a single CDP connection and the transient state collected
// over its lifetime: console/network logs, mock rules, the request
// start-time map, and the current execution context (main frame or an
// isolated world bound to an iframe).
type Client struct {
	port     int
	log      *zap.Logger
	registry SessionRegistry

	mu          sync.Mutex
	connected   bool
	ownedTab    bool
	targetID    target.ID
	sessionID   string
	execContext *runtime.ExecutionContextID // nil => main frame

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	ctx           context.Context
	cancel        context.CancelFunc

	console      []model.ConsoleRecord
	network      []model.NetworkRecord
	requestStart map[network.RequestID]pendingRequest
	mockRules    []compiledMockRule

	dialogAction string // "accept" or "dismiss" (default)
	dialogText   string
	navTimeout   time.Duration

	onEvent func(Event)
}

// New constructs a client bound to a host-local debug port. It does not
// connect; call Connect.
func New(port int, logger *zap.Logger, registry SessionRegistry) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		port:         port,
		log:          logger,
		registry:     registry,
		dialogAction: "dismiss",
		navTimeout:   defaultNavigateTimeout,
	}
}

// SetNavigateTimeout overrides the default 30s page-load bound. Must be
// called before Connect.
func (c *Client) SetNavigateTimeout(d time.Duration) {
	if d > 0 {
		c.navTimeout = d
	}
}

// SetEventCallback installs the sink for console/network events. A handler
// that panics is recovered in the dispatch wrapper and never disrupts the
// run.
func (c *Client) SetEventCallback(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

func (c *Client) emit(ev Event) {
	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("event callback panicked", zap.Any("recover", r))
		}
	}()
	fn(ev)
}

// Connect is idempotent: it closes any stale connection, clears collected
// state, and establishes a fresh one, choosing a target per the four-way
// rule in chooseTarget.
func (c *Client) Connect(ctx context.Context, sessionID string, createTab bool) error {
	c.mu.Lock()
	wasConnected := c.connected
	c.mu.Unlock()
	if wasConnected {
		if err := c.Close(); err != nil {
			c.log.Warn("closing stale connection before reconnect", zap.Error(err))
		}
	}

	c.mu.Lock()
	c.console = nil
	c.network = nil
	c.requestStart = make(map[network.RequestID]pendingRequest)
	c.mockRules = nil
	c.sessionID = sessionID
	c.mu.Unlock()

	debugURL := fmt.Sprintf("http://127.0.0.1:%d", c.port)
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, debugURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Targets boots the browser-level connection without creating a tab;
	// the returned list also feeds the session-target liveness check.
	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		browserCancel()
		allocCancel()
		return errors.Wrap(err, "connecting to CDP endpoint")
	}

	targetID, owned, err := c.chooseTarget(browserCtx, targets, sessionID, createTab)
	if err != nil {
		browserCancel()
		allocCancel()
		return errors.Wrap(err, "choosing CDP target")
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(targetID))
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		browserCancel()
		allocCancel()
		return errors.Wrap(err, "attaching to CDP target")
	}

	c.mu.Lock()
	c.allocCtx, c.allocCancel = allocCtx, allocCancel
	c.browserCtx, c.browserCancel = browserCtx, browserCancel
	c.ctx, c.cancel = tabCtx, tabCancel
	c.targetID = targetID
	c.ownedTab = owned
	c.execContext = nil
	c.connected = true
	c.mu.Unlock()

	if err := c.enableDomains(); err != nil {
		_ = c.Close()
		return errors.Wrap(err, "enabling CDP domains")
	}
	c.registerListeners()

	return nil
}

// chooseTarget picks the tab to attach to, against the target list fetched
// at connect time: a registered session target if still alive, a fresh
// blank tab for a new session or an isolated-tab request, else the first
// existing page.
func (c *Client) chooseTarget(browserCtx context.Context, targets []*target.Info, sessionID string, createTab bool) (target.ID, bool, error) {
	alive := func(id string) bool {
		for _, t := range targets {
			if string(t.TargetID) == id {
				return true
			}
		}
		return false
	}

	if sessionID != "" && c.registry != nil {
		if tid, ok := c.registry.GetTargetID(sessionID); ok && tid != "" && alive(tid) {
			return target.ID(tid), false, nil
		}
	}

	if sessionID != "" {
		tid, err := createBlankTarget(browserCtx)
		if err != nil {
			return "", false, err
		}
		if c.registry != nil {
			c.registry.Register(sessionID, string(tid))
		}
		return tid, false, nil
	}

	if createTab {
		tid, err := createBlankTarget(browserCtx)
		if err != nil {
			return "", false, err
		}
		return tid, true, nil
	}

	for _, t := range targets {
		if t.Type == "page" {
			return t.TargetID, false, nil
		}
	}
	return "", false, errors.New("no existing page target")
}

// createBlankTarget issues Target.createTarget against the browser-level
// executor — these are browser commands, not tab-session commands, so they
// cannot ride the (not yet attached) tab context.
func createBlankTarget(browserCtx context.Context) (target.ID, error) {
	cc := chromedp.FromContext(browserCtx)
	ctx, cancel := context.WithTimeout(browserCtx, 10*time.Second)
	defer cancel()
	return target.CreateTarget("about:blank").Do(cdproto.WithExecutor(ctx, cc.Browser))
}

func (c *Client) enableDomains() error {
	return chromedp.Run(c.ctx,
		console.Enable(),
		network.Enable(),
		page.Enable(),
		dom.Enable(),
		runtime.Enable(),
		fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}),
	)
}

// Navigate sets up a load-event listener before issuing navigation (to
// avoid a race) and fails with a navigation timeout (default 30s). Any
// error returned by the navigate command is propagated verbatim.
func (c *Client) Navigate(ctx context.Context, url string) error {
	loaded := make(chan struct{}, 1)
	lctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	chromedp.ListenTarget(lctx, func(ev interface{}) {
		if _, ok := ev.(*page.EventLoadEventFired); ok {
			select {
			case loaded <- struct{}{}:
			default:
			}
		}
	})

	navCtx, navCancel := context.WithTimeout(ctx, c.navTimeout)
	defer navCancel()

	var navErr error
	err := chromedp.Run(c.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errText, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errText != "" {
			navErr = fmt.Errorf("navigation error: %s", errText)
		}
		return nil
	}))
	if err != nil {
		return errors.Wrap(err, "navigate")
	}
	if navErr != nil {
		return navErr
	}

	select {
	case <-loaded:
		return nil
	case <-navCtx.Done():
		return fmt.Errorf("navigation timeout after %s", c.navTimeout)
	}
}

// Close sets connected=false first so in-flight mock handlers observe the
// disconnected state and abort, then unsubscribes listeners, closes the
// owned tab if any, closes the underlying connection, and clears transient
// state.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	owned := c.ownedTab
	targetID := c.targetID
	cancel := c.cancel
	browserCancel := c.browserCancel
	allocCancel := c.allocCancel
	browserCtx := c.browserCtx
	c.onEvent = nil
	c.mu.Unlock()

	if owned && targetID != "" && browserCtx != nil {
		cc := chromedp.FromContext(browserCtx)
		if cc != nil && cc.Browser != nil {
			closeCtx, closeCancel := context.WithTimeout(browserCtx, 5*time.Second)
			_ = target.CloseTarget(targetID).Do(cdproto.WithExecutor(closeCtx, cc.Browser))
			closeCancel()
		}
	}

	if cancel != nil {
		cancel()
	}
	if browserCancel != nil {
		browserCancel()
	}
	if allocCancel != nil {
		allocCancel()
	}

	c.mu.Lock()
	c.requestStart = nil
	c.mockRules = nil
	c.mu.Unlock()
	return nil
}

// GetConsoleMessages returns a defensive copy; it never drains or reorders
// the stored sequence.
func (c *Client) GetConsoleMessages() []model.ConsoleRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ConsoleRecord, len(c.console))
	copy(out, c.console)
	return out
}

// GetNetworkResponses returns a defensive copy.
func (c *Client) GetNetworkResponses() []model.NetworkRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.NetworkRecord, len(c.network))
	copy(out, c.network)
	return out
}

// Connected reports whether the client currently holds a live CDP
// connection, so callers can skip operations that require one (e.g.
// diagnostic DOM snapshots on a connect failure).
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// HandleDialog records the handler; the dialog-opening listener applies it
// on the next javascriptDialogOpening event.
func (c *Client) HandleDialog(action, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialogAction = action
	c.dialogText = text
}
