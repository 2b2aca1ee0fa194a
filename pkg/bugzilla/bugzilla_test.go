package bugzilla

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arthurzam/tattoo/pkg/tattootypes"
)

func TestLoadAPIKeyFromEnv(t *testing.T) {
	t.Setenv(EnvAPIKey, "secret-key")
	assert.Equal(t, "secret-key", LoadAPIKey())
}

func TestLoadAPIKeyMissingReturnsEmpty(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	assert.Equal(t, "", LoadAPIKey())
}

func TestFindBugsParsesResponseAndEncodesQuery(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bugs":[{
			"id": 12345,
			"is_open": true,
			"cc": ["amd64@gentoo.org", "arm64@gentoo.org"],
			"keywords": ["CC-ARCHES"],
			"depends_on": [111, 222],
			"cf_runtime_testing_required": "MANUAL",
			"component": "KEYWORDREQ",
			"whiteboard": "sanity-check+ security"
		}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.APIKey = "tok"
	bugs, err := c.FindBugs(context.Background(), []int{12345}, FindOptions{
		Unresolved:      true,
		SanityCheckTrue: true,
		CCAny:           []string{"amd64@gentoo.org"},
	})
	require.NoError(t, err)
	require.Contains(t, bugs, 12345)

	bug := bugs[12345]
	assert.Equal(t, tattootypes.CategoryKeywordReq, bug.Category)
	assert.True(t, bug.SanityCheck)
	assert.True(t, bug.Security)
	assert.False(t, bug.Resolved)
	assert.Equal(t, tattootypes.RuntimeTestingManual, bug.RuntimeTestingRequired)
	assert.Equal(t, []int{111, 222}, bug.Depends)
	assert.True(t, bug.CcsArch("amd64"))
	assert.True(t, bug.HasKeyword(tattootypes.KeywordCCArches))

	assert.Equal(t, "---", gotQuery.Get("resolution"))
	assert.Equal(t, "tok", gotQuery.Get("api_key"))
	assert.Equal(t, []string{"amd64@gentoo.org"}, gotQuery["cc"])
	assert.Equal(t, []string{"12345"}, gotQuery["id"])
}

func TestFindBugsResolvedBugWithoutSanityCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bugs":[{
			"id": 1,
			"is_open": false,
			"cc": [],
			"keywords": [],
			"depends_on": [],
			"component": "STABLEREQ",
			"whiteboard": ""
		}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	bugs, err := c.FindBugs(context.Background(), []int{1}, FindOptions{})
	require.NoError(t, err)

	bug := bugs[1]
	assert.True(t, bug.Resolved)
	assert.False(t, bug.SanityCheck)
	assert.False(t, bug.Security)
	assert.Equal(t, tattootypes.CategoryStableReq, bug.Category)
}

func TestFindBugsUnexpectedStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.FindBugs(context.Background(), []int{1}, FindOptions{})
	assert.Error(t, err)
}

func TestFindBugsUnknownBugIsSimplyAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bugs":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	bugs, err := c.FindBugs(context.Background(), []int{999}, FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, bugs)
}
