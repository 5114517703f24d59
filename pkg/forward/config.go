package forward

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/StricklySoft/nest-gateway/pkg/config"
	"github.com/StricklySoft/nest-gateway/pkg/dpop"
)

// Defaults applied by [Config.Validate] to zero-valued fields.
const (
	DefaultTimeout               = 30 * time.Second
	DefaultMaxRequestBody        = 10 * config.MiB
	DefaultDialTimeout           = 5 * time.Second
	DefaultResponseHeaderTimeout = 20 * time.Second
	DefaultMaxIdleConnsPerHost   = 16

	DefaultServiceRoutePrefix = "/xrpc/blue.catbird.mls."
)

// Config tunes the forwarder. Env tags are relative; the gateway nests this
// struct under FORWARD.
type Config struct {
	// Timeout bounds one forwarded exchange, including streaming the
	// response body.
	Timeout time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT" envDefault:"30s"`

	// MaxRequestBody caps inbound bodies. Bodies are held in memory so the
	// nonce retry can replay them.
	MaxRequestBody config.ByteSize `json:"max_request_body" yaml:"max_request_body" env:"MAX_REQUEST_BODY" envDefault:"10MiB"`

	DialTimeout           time.Duration `json:"dial_timeout" yaml:"dial_timeout" env:"DIAL_TIMEOUT" envDefault:"5s"`
	ResponseHeaderTimeout time.Duration `json:"response_header_timeout" yaml:"response_header_timeout" env:"RESPONSE_HEADER_TIMEOUT" envDefault:"20s"`
	MaxIdleConnsPerHost   int           `json:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host" env:"MAX_IDLE_CONNS_PER_HOST" envDefault:"16"`

	// AllowInsecureLocalhost permits http:// origins on localhost.
	// Development only.
	AllowInsecureLocalhost bool `json:"allow_insecure_localhost" yaml:"allow_insecure_localhost" env:"ALLOW_INSECURE_LOCALHOST"`

	Service ServiceConfig `json:"service" yaml:"service" env:"SERVICE"`
}

// ServiceConfig sends one XRPC namespace to a fixed service instead of the
// session's origin. Those requests carry a service-auth token signed by the
// gateway in place of the session's DPoP credentials. The route is off
// unless URL and GatewayDID are both set.
type ServiceConfig struct {
	URL string `json:"url" yaml:"url" env:"URL"`

	// GatewayDID is the issuer of service-auth tokens and DID the audience.
	GatewayDID string `json:"gateway_did" yaml:"gateway_did" env:"GATEWAY_DID"`
	DID        string `json:"did" yaml:"did" env:"DID"`

	RoutePrefix   string        `json:"route_prefix" yaml:"route_prefix" env:"ROUTE_PREFIX" envDefault:"/xrpc/blue.catbird.mls."`
	TokenLifetime time.Duration `json:"token_lifetime" yaml:"token_lifetime" env:"TOKEN_LIFETIME" envDefault:"2m"`
}

// Enabled reports whether the service route is configured.
func (c ServiceConfig) Enabled() bool {
	return c.URL != "" && c.GatewayDID != ""
}

// Matches reports whether path is served by the service route.
func (c ServiceConfig) Matches(path string) bool {
	return c.Enabled() && strings.HasPrefix(path, c.RoutePrefix)
}

func (c *ServiceConfig) validate(allowInsecureLocalhost bool) error {
	if c.RoutePrefix == "" {
		c.RoutePrefix = DefaultServiceRoutePrefix
	}
	if c.TokenLifetime == 0 {
		c.TokenLifetime = dpop.DefaultServiceAuthLifetime
	}
	if !c.Enabled() {
		return nil
	}
	switch {
	case c.DID == "":
		return fmt.Errorf("forward: config service.did is required when the service route is enabled")
	case !strings.HasPrefix(c.RoutePrefix, "/xrpc/") || len(c.RoutePrefix) == len("/xrpc/"):
		return fmt.Errorf("forward: config service.route_prefix %q must name a namespace under /xrpc/", c.RoutePrefix)
	case c.TokenLifetime < 0:
		return fmt.Errorf("forward: config service.token_lifetime must not be negative")
	}
	if _, err := ValidateOrigin(c.URL, allowInsecureLocalhost); err != nil {
		return fmt.Errorf("forward: config service.url: %w", err)
	}
	return nil
}

// Validate applies defaults to zero-valued fields and reports the first
// invalid value.
func (c *Config) Validate() error {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRequestBody == 0 {
		c.MaxRequestBody = DefaultMaxRequestBody
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ResponseHeaderTimeout == 0 {
		c.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}
	if c.MaxIdleConnsPerHost == 0 {
		c.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
	switch {
	case c.Timeout < 0 || c.DialTimeout < 0 || c.ResponseHeaderTimeout < 0:
		return fmt.Errorf("forward: config timeouts must not be negative")
	case c.MaxRequestBody < 0:
		return fmt.Errorf("forward: config max_request_body must not be negative")
	case c.MaxIdleConnsPerHost < 0:
		return fmt.Errorf("forward: config max_idle_conns_per_host must not be negative")
	}
	return c.Service.validate(c.AllowInsecureLocalhost)
}

// NewHTTPClient returns a traced client for origin traffic. Redirects are
// returned to the caller rather than followed, since a proof is bound to
// one URL.
func NewHTTPClient(cfg Config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout
	transport.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	transport.DialContext = (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}).DialContext
	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
