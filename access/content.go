package access

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"

	"golang.org/x/net/html"

	"github.com/wolfeidau/strategy-cache/store/content"
)

// ContentDecision is the outcome of a content check. Filtered is set when
// the response had to be changed before storing.
type ContentDecision struct {
	Valid    bool              `json:"valid"`
	Warnings []string          `json:"warnings,omitempty"`
	Filtered *content.Response `json:"-"`
}

// ContentValidator checks responses before they are cached.
type ContentValidator interface {
	ValidateResponseContent(resp *content.Response) ContentDecision
}

// ContentFilter rejects uncacheable responses and redacts sensitive parts
// of the rest.
type ContentFilter struct {
	MaxBodyBytes  int64
	RedactHeaders []string
	StripScripts  bool
}

// DefaultContentFilter allows bodies up to 10 MiB, drops credential headers
// and strips scripts from HTML.
func DefaultContentFilter() *ContentFilter {
	return &ContentFilter{
		MaxBodyBytes:  10 * 1024 * 1024,
		RedactHeaders: []string{"Set-Cookie", "Authorization", "Proxy-Authorization"},
		StripScripts:  true,
	}
}

// ValidateResponseContent implements ContentValidator.
func (f *ContentFilter) ValidateResponseContent(resp *content.Response) ContentDecision {
	if resp == nil {
		return ContentDecision{Warnings: []string{"empty response"}}
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return ContentDecision{Warnings: []string{fmt.Sprintf("status %d is not cacheable", resp.Status)}}
	}
	if f.MaxBodyBytes > 0 && int64(len(resp.Body)) > f.MaxBodyBytes {
		return ContentDecision{Warnings: []string{fmt.Sprintf("body of %d bytes exceeds limit of %d", len(resp.Body), f.MaxBodyBytes)}}
	}

	d := ContentDecision{Valid: true}
	var filtered *content.Response

	for _, name := range f.RedactHeaders {
		if resp.Header.Get(name) == "" {
			continue
		}
		if filtered == nil {
			filtered = resp.Clone()
		}
		filtered.Header.Del(name)
		d.Warnings = append(d.Warnings, "redacted header "+http.CanonicalHeaderKey(name))
	}

	if f.StripScripts && isHTML(resp.ContentType()) {
		body, removed, err := stripScripts(resp.Body)
		switch {
		case err != nil:
			d.Valid = false
			d.Warnings = append(d.Warnings, fmt.Sprintf("parsing html: %v", err))
			return d
		case removed > 0:
			if filtered == nil {
				filtered = resp.Clone()
			}
			filtered.Body = body
			d.Warnings = append(d.Warnings, fmt.Sprintf("removed %d scripts", removed))
		}
	}

	d.Filtered = filtered
	return d
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/html"
}

// stripScripts removes every <script> element and inline event handler
// attribute from an HTML document.
func stripScripts(body []byte) ([]byte, int, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}

	removed := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			if c.Type == html.ElementNode && c.Data == "script" {
				n.RemoveChild(c)
				removed++
			} else {
				if c.Type == html.ElementNode {
					removed += dropEventHandlers(c)
				}
				walk(c)
			}
			c = next
		}
	}
	walk(doc)

	if removed == 0 {
		return body, 0, nil
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), removed, nil
}

func dropEventHandlers(n *html.Node) int {
	kept := n.Attr[:0]
	dropped := 0
	for _, a := range n.Attr {
		if len(a.Key) > 2 && a.Key[:2] == "on" {
			dropped++
			continue
		}
		kept = append(kept, a)
	}
	n.Attr = kept
	return dropped
}

var _ ContentValidator = (*ContentFilter)(nil)
