// Package tracker performs the bug-tracker write operations the Controller
// apply step needs (§4.11): uncc'ing architectures whose tests passed, and
// closing a bug once every cc'd architecture is done. It is a deliberately
// thin, out-of-scope collaborator over the Bugzilla REST API; the original
// left the equivalent apply/resolve branches as TODO stubs
// (original_source/controller.py), so this package's exact request shapes
// are grounded on pkg/bugzilla's read-side client rather than an existing
// reference implementation.
package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/arthurzam/tattoo/pkg/bugzilla"
)

// Client performs the mutating Bugzilla operations the apply step needs.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient builds a Client sharing bugzilla's base URL and API key
// conventions.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey, HTTPClient: http.DefaultClient}
}

// UnCC removes arch's cc address from bugNo — called when that
// architecture's test passed but the bug isn't ready to resolve yet.
func (c *Client) UnCC(ctx context.Context, bugNo int, arch string) error {
	body := strings.NewReader(fmt.Sprintf(`{"cc":{"remove":["%s@%s"]}}`, arch, bugzilla.DefaultDomain))
	return c.put(ctx, bugNo, body)
}

// Resolve closes bugNo with an auto-generated comment, per §4.11: "<arch>
// done" for a single architecture, or "a [b] c (ALLARCHES) done" for
// several, with "\n\nall arches done" appended when every cc'd arch is
// covered.
func (c *Client) Resolve(ctx context.Context, bugNo int, comment string) error {
	payload := fmt.Sprintf(`{"status":"RESOLVED","resolution":"FIXED","comment":{"body":%q}}`, comment)
	return c.put(ctx, bugNo, strings.NewReader(payload))
}

// ResolveComment renders §4.11's comment text: archs joined as "a [b] c" (the
// original, exactly cc'd, name bracketed to distinguish it from dependency
// arches) with "(ALLARCHES)" appended when allArches is set, and "\n\nall
// arches done" appended when allDone is true.
func ResolveComment(archs []string, allArches, allDone bool) string {
	var b strings.Builder
	for i, arch := range archs {
		if i == 0 {
			b.WriteString(fmt.Sprintf("[%s]", arch))
		} else {
			fmt.Fprintf(&b, " %s", arch)
		}
	}
	b.WriteString(" done")
	if allArches {
		b.WriteString(" (ALLARCHES)")
	}
	if allDone {
		b.WriteString("\n\nall arches done")
	}
	return b.String()
}

func (c *Client) put(ctx context.Context, bugNo int, body *strings.Reader) error {
	endpoint := fmt.Sprintf("%s/rest/bug/%d", c.BaseURL, bugNo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, body)
	if err != nil {
		return fmt.Errorf("tracker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.URL.RawQuery = url.Values{"Bugzilla_api_key": {c.APIKey}}.Encode()

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("tracker: bug %d: %w", bugNo, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("tracker: bug %d: unexpected status %s", bugNo, resp.Status)
	}
	return nil
}
