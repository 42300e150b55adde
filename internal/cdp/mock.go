package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// compiledMockRule is the runtime form of a model.MockRuleDef: the glob
// pattern compiled to an anchored regexp.
type compiledMockRule struct {
	pattern *regexp.Regexp
	status  int
	body    interface{}
	delayMS int
}

// AddMockRule compiles pattern (`*` => any substring, `?` => any single
// character, all other regex metacharacters escaped) into an anchored
// regular expression and appends it to the rule list.
func (c *Client) AddMockRule(pattern string, status int, body interface{}, delayMS int) {
	re := compileGlob(pattern)
	c.mu.Lock()
	c.mockRules = append(c.mockRules, compiledMockRule{pattern: re, status: status, body: body, delayMS: delayMS})
	c.mu.Unlock()
}

func compileGlob(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// onRequestPaused is the fetch.requestPaused handler.
// If the client is closing, it does nothing — close() sets connected=false
// first precisely so this check observes it.
func (c *Client) onRequestPaused(e *fetch.EventRequestPaused) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	rules := make([]compiledMockRule, len(c.mockRules))
	copy(rules, c.mockRules)
	c.mu.Unlock()

	url := e.Request.URL
	method := e.Request.Method

	if method == "OPTIONS" {
		var matched bool
		for _, r := range rules {
			if r.pattern.MatchString(url) {
				matched = true
				break
			}
		}
		if matched {
			c.fulfillPreflight(ctx, e.RequestID)
			return
		}
	}

	for _, r := range rules {
		if !r.pattern.MatchString(url) {
			continue
		}
		c.fulfillMatched(ctx, e.RequestID, r)
		return
	}

	_ = chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return fetch.ContinueRequest(e.RequestID).Do(ctx)
	}))
}

func corsHeaders() []*fetch.HeaderEntry {
	return []*fetch.HeaderEntry{
		{Name: "Access-Control-Allow-Origin", Value: "*"},
		{Name: "Access-Control-Allow-Methods", Value: "GET, POST, PUT, PATCH, DELETE, OPTIONS"},
		{Name: "Access-Control-Allow-Headers", Value: "*"},
	}
}

func (c *Client) fulfillPreflight(ctx context.Context, id fetch.RequestID) {
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return fetch.FulfillRequest(id, 204).WithResponseHeaders(corsHeaders()).Do(ctx)
	}))
	if err != nil {
		c.log.Debug("fulfilling OPTIONS preflight failed", zap.Error(err))
	}
}

func (c *Client) fulfillMatched(ctx context.Context, id fetch.RequestID, rule compiledMockRule) {
	if rule.delayMS > 0 {
		time.Sleep(time.Duration(rule.delayMS) * time.Millisecond)
	}

	var bodyStr string
	switch b := rule.body.(type) {
	case nil:
		bodyStr = ""
	case string:
		bodyStr = b
	default:
		buf, err := json.Marshal(b)
		if err == nil {
			bodyStr = string(buf)
		}
	}

	headers := corsHeaders()
	headers = append(headers, &fetch.HeaderEntry{Name: "Content-Type", Value: "application/json"})
	encoded := base64.StdEncoding.EncodeToString([]byte(bodyStr))

	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return fetch.FulfillRequest(id, int64(rule.status)).
			WithResponseHeaders(headers).
			WithBody(encoded).
			Do(ctx)
	}))
	if err != nil {
		c.log.Debug("fulfilling mocked request failed, continuing unmodified", zap.Error(err))
		_ = chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			return fetch.ContinueRequest(id).Do(ctx)
		}))
	}
}
