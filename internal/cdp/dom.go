package cdp

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"
)

// voidElements never get a closing tag when serialized.
var voidElements = map[string]struct{}{
	"area": {}, "base": {}, "br": {}, "col": {}, "embed": {}, "hr": {},
	"img": {}, "input": {}, "link": {}, "meta": {}, "param": {}, "source": {},
	"track": {}, "wbr": {},
}

// GetDomSnapshot fetches the full document tree and serializes it back to
// HTML, escaping attribute values and self-closing void elements.
func (c *Client) GetDomSnapshot(ctx context.Context) (string, error) {
	var root *dom.Node
	err := chromedp.Run(c.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		root, err = dom.GetDocument().WithDepth(-1).WithPierce(true).Do(ctx)
		return err
	}))
	if err != nil {
		return "", errors.Wrap(err, "dom snapshot")
	}
	var b strings.Builder
	serializeNode(&b, root)
	return b.String(), nil
}

func serializeNode(b *strings.Builder, n *dom.Node) {
	if n == nil {
		return
	}
	switch n.NodeType {
	case 1: // element
		name := strings.ToLower(n.NodeName)
		b.WriteString("<")
		b.WriteString(name)
		writeAttrs(b, n.Attributes)
		b.WriteString(">")
		if _, void := voidElements[name]; void {
			return
		}
		for _, child := range n.Children {
			serializeNode(b, child)
		}
		if n.ContentDocument != nil {
			serializeNode(b, n.ContentDocument)
		}
		b.WriteString("</")
		b.WriteString(name)
		b.WriteString(">")
	case 3: // text
		b.WriteString(escapeText(n.NodeValue))
	case 8: // comment
		b.WriteString("<!--")
		b.WriteString(n.NodeValue)
		b.WriteString("-->")
	case 9, 11: // document / document fragment
		for _, child := range n.Children {
			serializeNode(b, child)
		}
	default:
		for _, child := range n.Children {
			serializeNode(b, child)
		}
	}
}

// writeAttrs renders CDP's flat [name, value, name, value, ...] attribute
// slice as name="escaped-value" pairs, sorted for deterministic output.
func writeAttrs(b *strings.Builder, attrs []string) {
	type pair struct{ name, value string }
	var pairs []pair
	for i := 0; i+1 < len(attrs); i += 2 {
		pairs = append(pairs, pair{attrs[i], attrs[i+1]})
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].name < pairs[j].name })
	for _, p := range pairs {
		b.WriteString(" ")
		b.WriteString(p.name)
		b.WriteString(`="`)
		b.WriteString(escapeAttr(p.value))
		b.WriteString(`"`)
	}
}

func escapeAttr(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

func escapeText(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// CaptureScreenshot returns a base64-encoded PNG of the current page
// viewport.
func (c *Client) CaptureScreenshot(ctx context.Context) (string, error) {
	var data []byte
	err := chromedp.Run(c.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		data, err = page.CaptureScreenshot().Do(ctx)
		return err
	}))
	if err != nil {
		return "", errors.Wrap(err, "capture screenshot")
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// GetNodeText returns selector's textContent. Returns an error if the node
// doesn't exist.
func (c *Client) GetNodeText(ctx context.Context, selector string) (string, error) {
	script := fmt.Sprintf(`(function(){
		var el = document.querySelector(%s);
		if (!el) return null;
		return el.textContent;
	})()`, jsString(selector))
	v, err := c.Evaluate(ctx, script)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", fmt.Errorf("Element not found: %s", selector)
	}
	s, _ := v.(string)
	return s, nil
}
