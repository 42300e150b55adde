package cdp

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/console"
	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleMessages_AppendAndDefensiveCopy(t *testing.T) {
	c := New(9222, nil, nil)

	c.onConsoleMessage(&console.EventMessageAdded{
		Message: &console.ConsoleMessage{Level: "error", Text: "boom"},
	})

	first := c.GetConsoleMessages()
	second := c.GetConsoleMessages()
	require.Len(t, first, 1)
	assert.Equal(t, len(first), len(second), "back-to-back accessors see equal lengths")
	assert.Equal(t, "error", first[0].Level)
	assert.Equal(t, "boom", first[0].Text)

	// mutating the returned slice must not touch the stored log.
	first[0].Text = "tampered"
	assert.Equal(t, "boom", c.GetConsoleMessages()[0].Text)
}

func TestNetworkRecord_MethodAndDurationFromRequestStart(t *testing.T) {
	c := New(9222, nil, nil)
	c.requestStart = map[network.RequestID]pendingRequest{}

	c.onRequestWillBeSent(&network.EventRequestWillBeSent{
		RequestID: "r1",
		Request:   &network.Request{URL: "http://x/api", Method: "POST"},
	})
	time.Sleep(5 * time.Millisecond)
	c.onResponseReceived(&network.EventResponseReceived{
		RequestID: "r1",
		Response:  &network.Response{URL: "http://x/api", Status: 201},
	})

	recs := c.GetNetworkResponses()
	require.Len(t, recs, 1)
	assert.Equal(t, "POST", recs[0].Method)
	assert.Equal(t, 201, recs[0].Status)
	assert.GreaterOrEqual(t, recs[0].DurationMS, int64(5))

	// the start-time entry is dropped once consumed.
	assert.Empty(t, c.requestStart)
}

func TestEventCallback_ReceivesConsoleAndNetwork(t *testing.T) {
	c := New(9222, nil, nil)
	c.requestStart = map[network.RequestID]pendingRequest{}

	var events []Event
	c.SetEventCallback(func(ev Event) { events = append(events, ev) })

	c.onConsoleMessage(&console.EventMessageAdded{
		Message: &console.ConsoleMessage{Level: "warning", Text: "careful"},
	})
	c.onResponseReceived(&network.EventResponseReceived{
		RequestID: "r-unknown",
		Response:  &network.Response{URL: "http://x", Status: 404},
	})

	require.Len(t, events, 2)
	assert.Equal(t, EventConsole, events[0].Kind)
	assert.Equal(t, "careful", events[0].Text)
	assert.Equal(t, EventNetwork, events[1].Kind)
	assert.Equal(t, 404, events[1].Status)
}

func TestEventCallback_PanicSwallowed(t *testing.T) {
	c := New(9222, nil, nil)
	c.SetEventCallback(func(Event) { panic("listener bug") })

	assert.NotPanics(t, func() {
		c.onConsoleMessage(&console.EventMessageAdded{
			Message: &console.ConsoleMessage{Level: "info", Text: "hi"},
		})
	})
}

func TestAddMockRule_InsertionOrderFirstMatchWins(t *testing.T) {
	c := New(9222, nil, nil)
	c.AddMockRule("*/api/*", 200, nil, 0)
	c.AddMockRule("*/api/users", 500, nil, 0)

	url := "http://x/api/users"
	var matched *compiledMockRule
	for i := range c.mockRules {
		if c.mockRules[i].pattern.MatchString(url) {
			matched = &c.mockRules[i]
			break
		}
	}
	require.NotNil(t, matched)
	assert.Equal(t, 200, matched.status, "the first inserted matching rule wins")
}
