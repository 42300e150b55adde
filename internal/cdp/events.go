package cdp

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/console"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/webtestflow/cdp-orchestrator/internal/model"
)

// registerListeners wires chromedp.ListenTarget to the domain events the
// engine consumes. Every handler is wrapped to swallow panics so a
// malformed event never kills the run.
func (c *Client) registerListeners() {
	chromedp.ListenTarget(c.ctx, func(ev interface{}) {
		defer func() {
			if r := recover(); r != nil {
				c.log.Warn("CDP event listener panicked", zap.Any("recover", r))
			}
		}()

		switch e := ev.(type) {
		case *console.EventMessageAdded:
			c.onConsoleMessage(e)
		case *network.EventRequestWillBeSent:
			c.onRequestWillBeSent(e)
		case *network.EventResponseReceived:
			c.onResponseReceived(e)
		case *fetch.EventRequestPaused:
			c.onRequestPaused(e)
		case *page.EventJavascriptDialogOpening:
			c.onDialogOpening(e)
		}
	})
}

func (c *Client) onConsoleMessage(e *console.EventMessageAdded) {
	level := string(e.Message.Level)
	rec := model.ConsoleRecord{Level: level, Text: e.Message.Text, Time: time.Now()}

	c.mu.Lock()
	c.console = append(c.console, rec)
	c.mu.Unlock()

	c.emit(Event{Kind: EventConsole, Level: level, Text: e.Message.Text})
}

// pendingRequest is the per-request-id entry recorded on
// requestWillBeSent: the start instant the response duration is computed
// from, plus the HTTP method (responseReceived does not carry it).
type pendingRequest struct {
	start  time.Time
	method string
}

func (c *Client) onRequestWillBeSent(e *network.EventRequestWillBeSent) {
	c.mu.Lock()
	if c.requestStart == nil {
		c.requestStart = make(map[network.RequestID]pendingRequest)
	}
	c.requestStart[e.RequestID] = pendingRequest{start: time.Now(), method: e.Request.Method}
	c.mu.Unlock()
}

func (c *Client) onResponseReceived(e *network.EventResponseReceived) {
	now := time.Now()

	c.mu.Lock()
	pending, ok := c.requestStart[e.RequestID]
	if ok {
		delete(c.requestStart, e.RequestID)
	}
	var duration int64
	if ok {
		duration = now.Sub(pending.start).Milliseconds()
	}
	status := int(e.Response.Status)
	rec := model.NetworkRecord{
		URL:        e.Response.URL,
		Method:     pending.method,
		Status:     status,
		Time:       now,
		DurationMS: duration,
	}
	c.network = append(c.network, rec)
	c.mu.Unlock()

	c.emit(Event{
		Kind:       EventNetwork,
		Method:     rec.Method,
		URL:        rec.URL,
		Status:     status,
		DurationMS: duration,
	})
}

// onDialogOpening auto-responds per the configured dialog handler (default:
// dismiss).
func (c *Client) onDialogOpening(e *page.EventJavascriptDialogOpening) {
	c.mu.Lock()
	action := c.dialogAction
	text := c.dialogText
	ctx := c.ctx
	c.mu.Unlock()

	accept := action == "accept"
	go func() {
		_ = chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			return page.HandleJavaScriptDialog(accept).WithPromptText(text).Do(ctx)
		}))
	}()
}
