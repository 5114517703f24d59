// Package enrich annotates placeholder entries in JSON responses from
// allow-listed routes.
//
// An object whose discriminator field holds one of the configured marker
// values gains a single metadata member. Nothing is removed or renamed.
// Documents without a match, documents that fail to parse and bodies over
// the size bound are returned exactly as the origin sent them.
package enrich

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

// Marker identifies metadata written by this package.
const Marker = "nest-gateway/enrichment/v1"

// Metadata member names.
const (
	metaMarker       = "marker"
	metaOriginalType = "originalType"
	metaEnrichedAt   = "enrichedAt"
)

// SkipReason explains why a response was left untouched.
type SkipReason string

const (
	SkipDisabled        SkipReason = "disabled"
	SkipNotEligible     SkipReason = "not_eligible"
	SkipStatus          SkipReason = "status"
	SkipContentType     SkipReason = "content_type"
	SkipContentEncoding SkipReason = "content_encoding"
	SkipTooLarge        SkipReason = "too_large"
	SkipReadError       SkipReason = "read_error"
	SkipParseError      SkipReason = "parse_error"
	SkipNoMatch         SkipReason = "no_match"
)

// Result describes what Apply did.
type Result struct {
	// Annotated counts the nodes that gained metadata.
	Annotated int
	// Skipped is empty when the body was rewritten.
	Skipped SkipReason
}

// Interceptor rewrites eligible responses.
type Interceptor struct {
	cfg     Config
	markers map[string]struct{}
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithLogger sets the interceptor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Interceptor) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithClock sets the source of enrichment timestamps.
func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) {
		if now != nil {
			i.now = now
		}
	}
}

// New returns an interceptor for cfg.
func New(cfg Config, opts ...Option) (*Interceptor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "enrich: invalid configuration")
	}
	i := &Interceptor{
		cfg:     cfg,
		markers: make(map[string]struct{}, len(cfg.Markers)),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, m := range cfg.Markers {
		i.markers[m] = struct{}{}
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Eligible reports whether responses for path may be enriched.
func (i *Interceptor) Eligible(path string) bool {
	if !i.cfg.Enabled {
		return false
	}
	for _, r := range i.cfg.Routes {
		if prefix, ok := strings.CutSuffix(r, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		} else if path == r {
			return true
		}
	}
	return false
}

// Transform annotates every marked object in doc and returns how many
// gained metadata. Objects already carrying the metadata member are left
// alone, so transforming a document twice changes nothing the second time.
func (i *Interceptor) Transform(doc *Node) int {
	if doc == nil {
		return 0
	}
	stamp := i.now().UTC().Format(time.RFC3339)
	annotated := 0

	stack := []*Node{doc}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch n.Kind {
		case KindObject:
			if i.annotate(n, stamp) {
				annotated++
			}
			for j := len(n.Members) - 1; j >= 0; j-- {
				m := n.Members[j]
				if m.Key == i.cfg.MetadataField {
					continue
				}
				if m.Value.Kind != KindScalar {
					stack = append(stack, m.Value)
				}
			}
		case KindArray:
			for j := len(n.Items) - 1; j >= 0; j-- {
				if n.Items[j].Kind != KindScalar {
					stack = append(stack, n.Items[j])
				}
			}
		}
	}
	return annotated
}

func (i *Interceptor) annotate(obj *Node, stamp string) bool {
	disc, ok := obj.Get(i.cfg.DiscriminatorField)
	if !ok {
		return false
	}
	value, ok := disc.String()
	if !ok {
		return false
	}
	if _, marked := i.markers[value]; !marked {
		return false
	}
	if _, exists := obj.Get(i.cfg.MetadataField); exists {
		return false
	}
	obj.Members = append(obj.Members, Member{
		Key: i.cfg.MetadataField,
		Value: &Node{Kind: KindObject, Members: []Member{
			{Key: metaMarker, Value: Str(Marker)},
			{Key: metaOriginalType, Value: Str(value)},
			{Key: metaEnrichedAt, Value: Str(stamp)},
		}},
	})
	return true
}

// Apply enriches resp in place when path is eligible and the body is a
// successful JSON document within the size bound. The original body is
// always either consumed and closed or handed back inside resp.Body.
func (i *Interceptor) Apply(ctx context.Context, path string, resp *http.Response) Result {
	if !i.cfg.Enabled {
		return Result{Skipped: SkipDisabled}
	}
	if !i.Eligible(path) {
		return Result{Skipped: SkipNotEligible}
	}
	if reason := i.precheck(resp); reason != "" {
		i.skipped(ctx, path, reason, slog.LevelDebug)
		return Result{Skipped: reason}
	}

	original := resp.Body
	limit := int64(i.cfg.MaxBodySize)
	data, err := io.ReadAll(io.LimitReader(original, limit+1))
	if err != nil || int64(len(data)) > limit {
		// Hand back what was read followed by the rest of the stream.
		resp.Body = &joinedBody{Reader: io.MultiReader(bytes.NewReader(data), original), closer: original}
		reason := SkipTooLarge
		if err != nil {
			reason = SkipReadError
		}
		i.skipped(ctx, path, reason, slog.LevelInfo)
		return Result{Skipped: reason}
	}
	_ = original.Close()

	doc, err := Parse(data)
	if err != nil {
		i.replaceBody(resp, data)
		i.logger.InfoContext(ctx, "enrich: skipped", "path", path, "reason", SkipParseError, "error", err)
		return Result{Skipped: SkipParseError}
	}
	annotated := i.Transform(doc)
	if annotated == 0 {
		i.replaceBody(resp, data)
		return Result{Skipped: SkipNoMatch}
	}
	out, err := Encode(doc)
	if err != nil {
		i.replaceBody(resp, data)
		i.logger.InfoContext(ctx, "enrich: skipped", "path", path, "reason", SkipParseError, "error", err)
		return Result{Skipped: SkipParseError}
	}
	i.replaceBody(resp, out)
	i.logger.DebugContext(ctx, "enrich: response enriched", "path", path, "annotated", annotated)
	return Result{Annotated: annotated}
}

func (i *Interceptor) precheck(resp *http.Response) SkipReason {
	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.Body == nil || resp.Body == http.NoBody {
		return SkipStatus
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && !strings.EqualFold(enc, "identity") {
		return SkipContentEncoding
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || (mediaType != "application/json" && !strings.HasSuffix(mediaType, "+json")) {
		return SkipContentType
	}
	return ""
}

func (i *Interceptor) replaceBody(resp *http.Response, data []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(data))
	resp.ContentLength = int64(len(data))
	resp.Header.Set("Content-Length", strconv.Itoa(len(data)))
}

func (i *Interceptor) skipped(ctx context.Context, path string, reason SkipReason, level slog.Level) {
	i.logger.Log(ctx, level, "enrich: skipped", "path", path, "reason", reason)
}

// joinedBody reads from Reader and closes the original body.
type joinedBody struct {
	io.Reader
	closer io.Closer
}

func (b *joinedBody) Close() error { return b.closer.Close() }
