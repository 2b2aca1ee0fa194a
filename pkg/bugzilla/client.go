// Package bugzilla is the thin, explicitly out-of-scope client for the
// upstream bug tracker (spec §1: "The upstream bug-tracker client library
// (bug lookup and resolve)" is an external collaborator). It exposes just
// enough surface for the bug selector (§4.3) and the Controller's apply
// step (§4.11) to drive it; it is not a general Bugzilla SDK.
package bugzilla

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/arthurzam/tattoo/pkg/tattootypes"
)

// DefaultDomain is the cc-address domain used when none is configured.
const DefaultDomain = "gentoo.org"

// apiKeyFile is read by LoadAPIKey as a fallback whenever the environment
// variable is unset.
const apiKeyFile = "bugs.key"

// EnvAPIKey is the environment variable mandated by spec §6 for
// `fetch --apply --resolve`.
const EnvAPIKey = "ARCHTESTER_BUGZILLA_APIKEY"

// FindOptions constrains a FindBugs query.
type FindOptions struct {
	// Unresolved, when true, restricts the result to open bugs.
	Unresolved bool
	// SanityCheckTrue, when true, restricts the result to sanity-checked bugs.
	SanityCheckTrue bool
	// CCAny, when non-empty, restricts the result to bugs cc'ing at least
	// one of the given addresses.
	CCAny []string
}

// Client talks to a Bugzilla REST API instance.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient builds a Client for baseURL, resolving the API key from the
// environment first and a local bugs.key file second, per spec §6.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     LoadAPIKey(),
		HTTPClient: http.DefaultClient,
	}
}

// LoadAPIKey resolves the Bugzilla API key from ARCHTESTER_BUGZILLA_APIKEY,
// falling back to the contents of ./bugs.key. Returns "" if neither is
// present — some read paths work unauthenticated against a public tracker.
func LoadAPIKey() string {
	if key := os.Getenv(EnvAPIKey); key != "" {
		return key
	}
	data, err := os.ReadFile(apiKeyFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

type bugzillaBug struct {
	ID             int      `json:"id"`
	IsOpen         bool     `json:"is_open"`
	CC             []string `json:"cc"`
	Keywords       []string `json:"keywords"`
	DependsOn      []int    `json:"depends_on"`
	WhiteboardTags string   `json:"cf_runtime_testing_required"`
	Component      string   `json:"component"`
	Whiteboard     string   `json:"whiteboard"`
}

type bugzillaResponse struct {
	Bugs []bugzillaBug `json:"bugs"`
}

// FindBugs fetches the given bug ids (or, if ids is empty, every bug
// matching opts) from the tracker. The returned map is keyed by bug id;
// bugs the tracker doesn't know about are simply absent, not an error.
func (c *Client) FindBugs(ctx context.Context, ids []int, opts FindOptions) (map[int]*tattootypes.Bug, error) {
	q := url.Values{}
	q.Set("include_fields", "id,is_open,cc,keywords,depends_on,cf_runtime_testing_required,whiteboard,component")
	if opts.Unresolved {
		q.Set("resolution", "---")
	}
	if opts.SanityCheckTrue {
		q.Set("f1", "flagtypes.name")
		q.Set("o1", "substring")
		q.Set("v1", "sanity-check+")
	}
	for _, cc := range opts.CCAny {
		q.Add("cc", cc)
	}
	for _, id := range ids {
		q.Add("id", strconv.Itoa(id))
	}
	if c.APIKey != "" {
		q.Set("api_key", c.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/rest/bug?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("bugzilla: build request: %w", err)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("bugzilla: request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bugzilla: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bugzilla: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var parsed bugzillaResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("bugzilla: decode response: %w", err)
	}

	out := make(map[int]*tattootypes.Bug, len(parsed.Bugs))
	for _, b := range parsed.Bugs {
		out[b.ID] = toBug(b)
	}
	return out, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func toBug(b bugzillaBug) *tattootypes.Bug {
	cc := make(map[string]struct{}, len(b.CC))
	for _, addr := range b.CC {
		cc[addr] = struct{}{}
	}
	keywords := make(map[string]struct{}, len(b.Keywords))
	for _, kw := range b.Keywords {
		keywords[kw] = struct{}{}
	}

	category := tattootypes.CategoryOther
	switch strings.ToUpper(b.Component) {
	case "KEYWORDREQ":
		category = tattootypes.CategoryKeywordReq
	case "STABLEREQ":
		category = tattootypes.CategoryStableReq
	}

	rtr := tattootypes.RuntimeTestingRequired(b.WhiteboardTags)

	return &tattootypes.Bug{
		ID:                     b.ID,
		Category:               category,
		Cc:                     cc,
		Keywords:               keywords,
		SanityCheck:            strings.Contains(b.Whiteboard, "sanity-check"),
		Depends:                b.DependsOn,
		Resolved:               !b.IsOpen,
		RuntimeTestingRequired: rtr,
		Security:               strings.Contains(strings.ToLower(b.Whiteboard), "security"),
	}
}
