package enrich

import (
	"fmt"
	"strings"

	"github.com/StricklySoft/nest-gateway/pkg/config"
)

// Defaults applied by [Config.Validate] to zero-valued fields.
const (
	DefaultMaxBodySize        = 5 * config.MiB
	DefaultDiscriminatorField = "$type"
	DefaultMetadataField      = "nestGateway"
)

// DefaultMarkers are the discriminator values that mark placeholder posts.
var DefaultMarkers = []string{
	"app.bsky.feed.defs#blockedPost",
	"app.bsky.feed.defs#notFoundPost",
}

// Config selects which responses are enriched and how. Env tags are
// relative; the gateway nests this struct under ENRICH.
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED" envDefault:"true"`

	// Routes lists eligible origin paths. A trailing "*" matches any path
	// with the preceding prefix.
	Routes []string `json:"routes" yaml:"routes" env:"ROUTES" envDefault:"/xrpc/app.bsky.feed.getTimeline,/xrpc/app.bsky.feed.getPostThread,/xrpc/app.bsky.feed.getAuthorFeed,/xrpc/app.bsky.feed.getFeed"`

	// MaxBodySize bounds the buffered body. Larger bodies stream through
	// unmodified.
	MaxBodySize config.ByteSize `json:"max_body_size" yaml:"max_body_size" env:"MAX_BODY_SIZE" envDefault:"5MiB"`

	DiscriminatorField string   `json:"discriminator_field" yaml:"discriminator_field" env:"DISCRIMINATOR_FIELD" envDefault:"$type"`
	Markers            []string `json:"markers" yaml:"markers" env:"MARKERS" envDefault:"app.bsky.feed.defs#blockedPost,app.bsky.feed.defs#notFoundPost"`
	MetadataField      string   `json:"metadata_field" yaml:"metadata_field" env:"METADATA_FIELD" envDefault:"nestGateway"`
}

// Validate applies defaults to zero-valued fields and reports the first
// invalid value.
func (c *Config) Validate() error {
	if c.MaxBodySize == 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.DiscriminatorField == "" {
		c.DiscriminatorField = DefaultDiscriminatorField
	}
	if c.MetadataField == "" {
		c.MetadataField = DefaultMetadataField
	}
	if len(c.Markers) == 0 {
		c.Markers = append([]string(nil), DefaultMarkers...)
	}
	if c.MaxBodySize < 0 {
		return fmt.Errorf("enrich: config max_body_size must not be negative")
	}
	if c.MetadataField == c.DiscriminatorField {
		return fmt.Errorf("enrich: config metadata_field must differ from discriminator_field")
	}
	for _, r := range c.Routes {
		if !strings.HasPrefix(r, "/") {
			return fmt.Errorf("enrich: route %q must start with /", r)
		}
	}
	return nil
}
