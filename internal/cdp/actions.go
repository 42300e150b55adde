package cdp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"
)

// jsString renders a Go string as a JSON-encoded string literal, the
// required way to embed a caller-supplied selector or value inside
// injected JavaScript.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Evaluate runs expression in the current execution context (main frame, or
// the isolated-world id stored after a switch_frame), with returnByValue
// and awaitPromise enabled.
func (c *Client) Evaluate(ctx context.Context, expression string) (interface{}, error) {
	c.mu.Lock()
	execCtx := c.execContext
	tabCtx := c.ctx
	c.mu.Unlock()

	var result interface{}
	err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		action := runtime.Evaluate(expression).WithReturnByValue(true).WithAwaitPromise(true)
		if execCtx != nil {
			action = action.WithContextID(*execCtx)
		}
		obj, exc, err := action.Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("%s", exc.Text)
		}
		if obj == nil || obj.Type == "undefined" || len(obj.Value) == 0 {
			return nil
		}
		return json.Unmarshal(obj.Value, &result)
	}))
	if err != nil {
		return nil, errors.Wrap(err, "evaluate")
	}
	return result, nil
}

// queryNode resolves selector to a node id in the current frame via
// document.querySelector, used by Click/Hover for box-model lookups.
func (c *Client) queryNode(ctx context.Context, selector string) (cdp.NodeID, error) {
	var nodeID cdp.NodeID
	err := chromedp.Run(c.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		docNode, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		id, err := dom.QuerySelector(docNode.NodeID, selector).Do(ctx)
		if err != nil {
			return err
		}
		nodeID = id
		return nil
	}))
	if err != nil {
		return 0, err
	}
	if nodeID == 0 {
		return 0, fmt.Errorf("Element not found: %s", selector)
	}
	return nodeID, nil
}

// boxCenter computes the content-quad center: points at indices 0-1 and
// 4-5 form opposite corners of the content rectangle.
func (c *Client) boxCenter(ctx context.Context, nodeID cdp.NodeID) (x, y float64, err error) {
	var box *dom.BoxModel
	err = chromedp.Run(c.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		box, err = dom.GetBoxModel().WithNodeID(nodeID).Do(ctx)
		return err
	}))
	if err != nil {
		return 0, 0, err
	}
	content := box.Content
	if len(content) < 6 {
		return 0, 0, fmt.Errorf("unexpected box model content quad")
	}
	x = content[0] + (content[4]-content[0])/2
	y = content[1] + (content[5]-content[1])/2
	return x, y, nil
}

// Click locates selector, computes the box-model center, and dispatches
// mousePressed then mouseReleased at that point.
func (c *Client) Click(ctx context.Context, selector string) error {
	nodeID, err := c.queryNode(ctx, selector)
	if err != nil {
		return err
	}
	x, y, err := c.boxCenter(ctx, nodeID)
	if err != nil {
		return errors.Wrap(err, "click: box model")
	}
	return chromedp.Run(c.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := input.DispatchMouseEvent(input.MousePressed, x, y).
			WithButton(input.Left).WithClickCount(1).Do(ctx); err != nil {
			return err
		}
		return input.DispatchMouseEvent(input.MouseReleased, x, y).
			WithButton(input.Left).WithClickCount(1).Do(ctx)
	}))
}

// Hover moves the mouse to selector's box-model center.
func (c *Client) Hover(ctx context.Context, selector string) error {
	nodeID, err := c.queryNode(ctx, selector)
	if err != nil {
		return err
	}
	x, y, err := c.boxCenter(ctx, nodeID)
	if err != nil {
		return errors.Wrap(err, "hover: box model")
	}
	return chromedp.Run(c.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
	}))
}

// Select sets the element's value and fires input+change — not a native
// pointer dropdown interaction.
func (c *Client) Select(ctx context.Context, selector, value string) error {
	script := fmt.Sprintf(`(function(){
		var el = document.querySelector(%s);
		if (!el) return false;
		el.value = %s;
		el.dispatchEvent(new Event('input', {bubbles:true}));
		el.dispatchEvent(new Event('change', {bubbles:true}));
		return true;
	})()`, jsString(selector), jsString(value))
	ok, err := c.Evaluate(ctx, script)
	if err != nil {
		return err
	}
	if b, _ := ok.(bool); !b {
		return fmt.Errorf("Element not found: %s", selector)
	}
	return nil
}

// Fill focuses the element, clears existing content via a Ctrl+A/Delete key
// sequence, dispatches one char key event per codepoint of value, fires
// input and change bubbling events, then blurs.
func (c *Client) Fill(ctx context.Context, selector, value string) error {
	focusScript := fmt.Sprintf(`(function(){
		var el = document.querySelector(%s);
		if (!el) return false;
		el.focus();
		return true;
	})()`, jsString(selector))
	ok, err := c.Evaluate(ctx, focusScript)
	if err != nil {
		return err
	}
	if b, _ := ok.(bool); !b {
		return fmt.Errorf("Element not found: %s", selector)
	}

	if err := c.selectAllAndDelete(ctx); err != nil {
		return errors.Wrap(err, "fill: clearing existing content")
	}

	for _, r := range value {
		if err := c.dispatchChar(ctx, r); err != nil {
			return errors.Wrap(err, "fill: dispatching character")
		}
	}

	finishScript := fmt.Sprintf(`(function(){
		var el = document.querySelector(%s);
		if (!el) return;
		el.dispatchEvent(new Event('input', {bubbles:true}));
		el.dispatchEvent(new Event('change', {bubbles:true}));
		el.blur();
	})()`, jsString(selector))
	_, err = c.Evaluate(ctx, finishScript)
	return err
}

func (c *Client) selectAllAndDelete(ctx context.Context) error {
	return chromedp.Run(c.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		seq := []struct {
			typ  input.KeyType
			key  string
			code string
			mod  input.Modifier
		}{
			{input.KeyDown, "Control", "ControlLeft", 0},
			{input.KeyDown, "a", "KeyA", modifierCtrl},
			{input.KeyUp, "a", "KeyA", modifierCtrl},
			{input.KeyUp, "Control", "ControlLeft", 0},
			{input.KeyDown, "Delete", "Delete", 0},
			{input.KeyUp, "Delete", "Delete", 0},
		}
		for _, k := range seq {
			if err := input.DispatchKeyEvent(k.typ).WithKey(k.key).WithCode(k.code).WithModifiers(k.mod).Do(ctx); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (c *Client) dispatchChar(ctx context.Context, r rune) error {
	text := string(r)
	return chromedp.Run(c.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchKeyEvent(input.KeyChar).
			WithText(text).WithUnmodifiedText(text).Do(ctx)
	}))
}

// CDP modifier bitmask: alt=1, ctrl=2, meta=4, shift=8.
const (
	modifierAlt   input.Modifier = 1
	modifierCtrl  input.Modifier = 2
	modifierMeta  input.Modifier = 4
	modifierShift input.Modifier = 8
)

func modifiersFromNames(names []string) input.Modifier {
	var mod input.Modifier
	for _, n := range names {
		switch n {
		case "alt":
			mod |= modifierAlt
		case "ctrl":
			mod |= modifierCtrl
		case "meta":
			mod |= modifierMeta
		case "shift":
			mod |= modifierShift
		}
	}
	return mod
}

// PressKey dispatches a keydown+keyup for key, with modifiers converted to
// the CDP bitmask.
func (c *Client) PressKey(ctx context.Context, key string, modifiers []string) error {
	mod := modifiersFromNames(modifiers)
	return chromedp.Run(c.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := input.DispatchKeyEvent(input.KeyDown).WithKey(key).WithModifiers(mod).Do(ctx); err != nil {
			return err
		}
		return input.DispatchKeyEvent(input.KeyUp).WithKey(key).WithModifiers(mod).Do(ctx)
	}))
}

// SwitchFrame clears the stored execution context for no selector (main
// frame), or resolves the iframe, extracts its frameId, creates an isolated
// world, and stores its execution-context id for subsequent evaluates
// .
func (c *Client) SwitchFrame(ctx context.Context, selector string) error {
	if selector == "" {
		c.mu.Lock()
		c.execContext = nil
		c.mu.Unlock()
		return nil
	}

	var frameID page.FrameID
	err := chromedp.Run(c.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		docNode, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		nodeID, err := dom.QuerySelector(docNode.NodeID, selector).Do(ctx)
		if err != nil {
			return err
		}
		if nodeID == 0 {
			return fmt.Errorf("Element not found: %s", selector)
		}
		node, err := dom.DescribeNode().WithNodeID(nodeID).Do(ctx)
		if err != nil {
			return err
		}
		if node.FrameID == "" {
			return fmt.Errorf("Element not found: %s is not an iframe", selector)
		}
		frameID = node.FrameID
		return nil
	}))
	if err != nil {
		return err
	}

	var execID runtime.ExecutionContextID
	err = chromedp.Run(c.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		world, err := page.CreateIsolatedWorld(frameID).WithGrantUniveralAccess(true).Do(ctx)
		if err != nil {
			return err
		}
		execID = world
		return nil
	}))
	if err != nil {
		return errors.Wrap(err, "switch_frame: creating isolated world")
	}

	c.mu.Lock()
	c.execContext = &execID
	c.mu.Unlock()
	return nil
}
