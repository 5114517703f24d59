package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/nest-gateway/internal/testutil"
	"github.com/StricklySoft/nest-gateway/pkg/config"
	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

const timelinePath = "/xrpc/app.bsky.feed.getTimeline"

var enrichNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

const blockedFeed = `{"feed":[{"post":{"uri":"at://1","$type":"app.bsky.feed.defs#postView"}},` +
	`{"post":{"$type":"app.bsky.feed.defs#blockedPost","uri":"at://2","blocked":true}}],"cursor":"abc"}`

const blockedFeedEnriched = `{"feed":[{"post":{"uri":"at://1","$type":"app.bsky.feed.defs#postView"}},` +
	`{"post":{"$type":"app.bsky.feed.defs#blockedPost","uri":"at://2","blocked":true,` +
	`"nestGateway":{"marker":"nest-gateway/enrichment/v1","originalType":"app.bsky.feed.defs#blockedPost","enrichedAt":"2026-01-02T03:04:05Z"}}}],` +
	`"cursor":"abc"}`

func newTestInterceptor(t *testing.T, mutate ...func(*Config)) *Interceptor {
	t.Helper()
	cfg := Config{
		Enabled: true,
		Routes:  []string{timelinePath, "/xrpc/app.bsky.unspecced.*"},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	i, err := New(cfg, WithClock(func() time.Time { return enrichNow }))
	require.NoError(t, err)
	return i
}

// trackingBody records whether Close was called.
type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func jsonResponse(body string) (*http.Response, *trackingBody) {
	tb := &trackingBody{Reader: strings.NewReader(body)}
	resp := &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": {"application/json; charset=utf-8"}},
		Body:          tb,
		ContentLength: int64(len(body)),
	}
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return resp, tb
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return string(data)
}

// ===========================================================================
// Tree
// ===========================================================================

func TestParseEncode_PreservesOrderAndScalars(t *testing.T) {
	in := `{"z":1,"a":[true,false,null],"n":12345678901234567890,"f":1.50e3,"h":"<b>&</b>","u":"café","z":2}`

	doc, err := Parse([]byte(in))
	require.NoError(t, err)
	out, err := Encode(doc)
	require.NoError(t, err)

	assert.Equal(t, `{"z":1,"a":[true,false,null],"n":12345678901234567890,"f":1.50e3,"h":"<b>&</b>","u":"café","z":2}`, string(out))
}

func TestParseEncode_CompactsWhitespace(t *testing.T) {
	doc, err := Parse([]byte("  {\n  \"a\" : [ 1 , {\"b\" : \"c\"} ]\n}\n"))
	require.NoError(t, err)
	out, err := Encode(doc)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,{"b":"c"}]}`, string(out))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "empty", in: ""},
		{name: "truncated", in: `{"a":[1,2`},
		{name: "two values", in: `{} {}`},
		{name: "trailing garbage", in: `{"a":1} x`},
		{name: "not json", in: `<html></html>`},
		{name: "invalid utf-8", in: "{\"raw\":\"\xff\xfe\"}"},
		{name: "too deep", in: strings.Repeat("[", maxDepth+1) + strings.Repeat("]", maxDepth+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.in))
			assert.Error(t, err)
		})
	}
}

func TestParse_ScalarRoot(t *testing.T) {
	doc, err := Parse([]byte(`"hello"`))
	require.NoError(t, err)
	s, ok := doc.String()
	assert.True(t, ok)
	assert.Equal(t, "hello", s)
}

func TestNodeGet(t *testing.T) {
	doc, err := Parse([]byte(`{"a":"x","a":"y"}`))
	require.NoError(t, err)

	v, ok := doc.Get("a")
	require.True(t, ok)
	s, _ := v.String()
	assert.Equal(t, "x", s, "first member wins")

	_, ok = doc.Get("missing")
	assert.False(t, ok)
	_, ok = (*Node)(nil).Get("a")
	assert.False(t, ok)
}

// ===========================================================================
// Eligible
// ===========================================================================

func TestEligible(t *testing.T) {
	i := newTestInterceptor(t)

	tests := []struct {
		path string
		want bool
	}{
		{timelinePath, true},
		{timelinePath + "x", false},
		{"/xrpc/app.bsky.unspecced.getPopular", true},
		{"/xrpc/app.bsky.unspecced.", true},
		{"/xrpc/app.bsky.actor.getProfile", false},
		{"/", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, i.Eligible(tt.path))
		})
	}
}

func TestEligible_Disabled(t *testing.T) {
	i := newTestInterceptor(t, func(c *Config) { c.Enabled = false })
	assert.False(t, i.Eligible(timelinePath))
}

// ===========================================================================
// Transform
// ===========================================================================

func TestTransform_NestedMarkedNodeGainsExactlyOneField(t *testing.T) {
	i := newTestInterceptor(t)
	doc, err := Parse([]byte(blockedFeed))
	require.NoError(t, err)

	assert.Equal(t, 1, i.Transform(doc))

	out, err := Encode(doc)
	require.NoError(t, err)
	assert.Equal(t, blockedFeedEnriched, string(out))
}

func TestTransform_EveryMarkerValue(t *testing.T) {
	i := newTestInterceptor(t)
	doc, err := Parse([]byte(`[{"$type":"app.bsky.feed.defs#notFoundPost"},` +
		`{"$type":"app.bsky.feed.defs#blockedPost"},{"$type":"other"},{"$type":7}]`))
	require.NoError(t, err)

	assert.Equal(t, 2, i.Transform(doc))
	for idx, item := range doc.Items {
		_, has := item.Get(DefaultMetadataField)
		assert.Equal(t, idx < 2, has, "item %d", idx)
	}
}

func TestTransform_Idempotent(t *testing.T) {
	i := newTestInterceptor(t)
	doc, err := Parse([]byte(blockedFeedEnriched))
	require.NoError(t, err)

	later := newTestInterceptor(t)
	later.now = func() time.Time { return enrichNow.Add(time.Hour) }
	assert.Equal(t, 0, later.Transform(doc))
	assert.Equal(t, 0, i.Transform(doc))

	out, err := Encode(doc)
	require.NoError(t, err)
	assert.Equal(t, blockedFeedEnriched, string(out), "timestamp must be unchanged")
}

func TestTransform_DeepDocumentDoesNotRecurse(t *testing.T) {
	i := newTestInterceptor(t)
	depth := maxDepth - 1
	in := strings.Repeat(`{"c":`, depth) + `{"$type":"app.bsky.feed.defs#blockedPost"}` + strings.Repeat("}", depth)

	doc, err := Parse([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, 1, i.Transform(doc))
}

func TestTransform_CustomFields(t *testing.T) {
	i := newTestInterceptor(t, func(c *Config) {
		c.DiscriminatorField = "kind"
		c.Markers = []string{"hidden"}
		c.MetadataField = "_meta"
	})
	doc, err := Parse([]byte(`{"items":[{"kind":"hidden"},{"$type":"app.bsky.feed.defs#blockedPost"}]}`))
	require.NoError(t, err)

	assert.Equal(t, 1, i.Transform(doc))
	items, _ := doc.Get("items")
	meta, ok := items.Items[0].Get("_meta")
	require.True(t, ok)
	orig, _ := meta.Get("originalType")
	s, _ := orig.String()
	assert.Equal(t, "hidden", s)
}

// ===========================================================================
// Apply
// ===========================================================================

func TestApply_EnrichesAndUpdatesContentLength(t *testing.T) {
	i := newTestInterceptor(t)
	resp, original := jsonResponse(blockedFeed)

	res := i.Apply(context.Background(), timelinePath, resp)

	assert.Equal(t, Result{Annotated: 1}, res)
	assert.True(t, original.closed)
	assert.Equal(t, int64(len(blockedFeedEnriched)), resp.ContentLength)
	assert.Equal(t, strconv.Itoa(len(blockedFeedEnriched)), resp.Header.Get("Content-Length"))
	assert.Equal(t, blockedFeedEnriched, readAll(t, resp))
}

func TestApply_NoMatchPassesBytesThrough(t *testing.T) {
	i := newTestInterceptor(t)
	body := "{\n  \"feed\": [ {\"post\": {\"$type\": \"app.bsky.feed.defs#postView\", \"text\": \"<hi>\"}} ]\n}\n"
	resp, _ := jsonResponse(body)

	res := i.Apply(context.Background(), timelinePath, resp)

	assert.Equal(t, SkipNoMatch, res.Skipped)
	assert.Equal(t, body, readAll(t, resp))
	assert.Equal(t, strconv.Itoa(len(body)), resp.Header.Get("Content-Length"))
}

func TestApply_AlreadyEnrichedPassesBytesThrough(t *testing.T) {
	i := newTestInterceptor(t)
	resp, _ := jsonResponse(blockedFeedEnriched)

	res := i.Apply(context.Background(), timelinePath, resp)

	assert.Equal(t, SkipNoMatch, res.Skipped)
	assert.Equal(t, blockedFeedEnriched, readAll(t, resp))
}

func TestApply_OverBoundStreamsUntruncated(t *testing.T) {
	i := newTestInterceptor(t, func(c *Config) { c.MaxBodySize = 64 })
	body := `{"feed":[` + strings.Repeat(`{"$type":"app.bsky.feed.defs#blockedPost"},`, 20) + `{}]}`
	resp, original := jsonResponse(body)

	res := i.Apply(context.Background(), timelinePath, resp)

	assert.Equal(t, SkipTooLarge, res.Skipped)
	assert.False(t, original.closed)
	assert.Equal(t, body, readAll(t, resp))
	assert.True(t, original.closed, "closing the response closes the origin body")
	assert.Equal(t, strconv.Itoa(len(body)), resp.Header.Get("Content-Length"))
}

func TestApply_ExactlyAtBoundIsEnriched(t *testing.T) {
	body := `{"$type":"app.bsky.feed.defs#blockedPost"}`
	i := newTestInterceptor(t, func(c *Config) { c.MaxBodySize = config.ByteSize(len(body)) })
	resp, _ := jsonResponse(body)

	res := i.Apply(context.Background(), timelinePath, resp)
	assert.Equal(t, 1, res.Annotated)
}

func TestApply_ParseFailurePassesThrough(t *testing.T) {
	i := newTestInterceptor(t)
	body := `{"feed":[{"$type":"app.bsky.feed.defs#blockedPost"}` // truncated
	resp, original := jsonResponse(body)

	res := i.Apply(context.Background(), timelinePath, resp)

	assert.Equal(t, SkipParseError, res.Skipped)
	assert.True(t, original.closed)
	assert.Equal(t, body, readAll(t, resp))
}

func TestApply_InvalidUTF8PassesThroughUnchanged(t *testing.T) {
	i := newTestInterceptor(t)
	body := "{\"raw\":\"\xff\xfe\",\"post\":{\"$type\":\"app.bsky.feed.defs#blockedPost\"}}"
	resp, _ := jsonResponse(body)

	res := i.Apply(context.Background(), timelinePath, resp)

	assert.Equal(t, SkipParseError, res.Skipped)
	assert.Equal(t, 0, res.Annotated)
	assert.Equal(t, []byte(body), []byte(readAll(t, resp)))
}

func TestApply_Skips(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		mutate func(*http.Response)
		want   SkipReason
	}{
		{name: "route not allowed", path: "/xrpc/app.bsky.actor.getProfile", want: SkipNotEligible},
		{name: "error status", path: timelinePath, mutate: func(r *http.Response) { r.StatusCode = http.StatusBadRequest }, want: SkipStatus},
		{name: "html", path: timelinePath, mutate: func(r *http.Response) { r.Header.Set("Content-Type", "text/html") }, want: SkipContentType},
		{name: "no content type", path: timelinePath, mutate: func(r *http.Response) { r.Header.Del("Content-Type") }, want: SkipContentType},
		{name: "gzip", path: timelinePath, mutate: func(r *http.Response) { r.Header.Set("Content-Encoding", "gzip") }, want: SkipContentEncoding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := newTestInterceptor(t)
			resp, original := jsonResponse(blockedFeed)
			if tt.mutate != nil {
				tt.mutate(resp)
			}

			res := i.Apply(context.Background(), tt.path, resp)

			assert.Equal(t, tt.want, res.Skipped)
			assert.Same(t, original, resp.Body, "body must not be touched")
			assert.Equal(t, blockedFeed, readAll(t, resp))
		})
	}
}

func TestApply_VendorJSONMediaType(t *testing.T) {
	i := newTestInterceptor(t)
	resp, _ := jsonResponse(blockedFeed)
	resp.Header.Set("Content-Type", "application/vnd.api+json")

	res := i.Apply(context.Background(), timelinePath, resp)
	assert.Equal(t, 1, res.Annotated)
}

func TestApply_OutputIsValidJSON(t *testing.T) {
	i := newTestInterceptor(t)
	resp, _ := jsonResponse(blockedFeed)
	i.Apply(context.Background(), timelinePath, resp)

	var v map[string]any
	require.NoError(t, json.NewDecoder(bytes.NewReader([]byte(readAll(t, resp)))).Decode(&v))
	assert.Equal(t, "abc", v["cursor"])
}

// ===========================================================================
// Config
// ===========================================================================

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultMaxBodySize, cfg.MaxBodySize)
	assert.Equal(t, DefaultDiscriminatorField, cfg.DiscriminatorField)
	assert.Equal(t, DefaultMetadataField, cfg.MetadataField)
	assert.Equal(t, DefaultMarkers, cfg.Markers)

	bad := []Config{
		{MaxBodySize: -1},
		{DiscriminatorField: "x", MetadataField: "x"},
		{Routes: []string{"xrpc/no-slash"}},
	}
	for _, c := range bad {
		assert.Error(t, c.Validate())
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{MaxBodySize: -1})
	testutil.AssertErrorCode(t, err, sserr.CodeInternalConfiguration)
}
