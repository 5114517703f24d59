package forward

import (
	"net/http"
	"strings"

	"github.com/StricklySoft/nest-gateway/pkg/auth"
	"github.com/StricklySoft/nest-gateway/pkg/dpop"
)

// hopByHopHeaders apply to a single connection and are never forwarded in
// either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// infrastructureHeaders describe the origin's serving stack and are dropped
// from responses.
var infrastructureHeaders = []string{
	"Server",
	"Via",
	"X-Powered-By",
	"X-Served-By",
	"X-Backend-Server",
	"X-Cache",
	"X-Cache-Hits",
	"X-Runtime",
	"X-Request-Start",
	"X-Envoy-Upstream-Service-Time",
	"X-Amz-Cf-Id",
	"X-Amz-Cf-Pop",
	"X-Amzn-Trace-Id",
	"Cf-Ray",
	"Set-Cookie",
	"Alt-Svc",
	dpop.HeaderNonce,
}

// gatewayRequestHeaders are set by the forwarder itself.
var gatewayRequestHeaders = []string{
	"Host",
	"Content-Length",
	auth.HeaderRequestID,
}

// outboundHeader copies in, dropping hop-by-hop headers, headers named by
// Connection, and every client identity or credential header.
func outboundHeader(in http.Header) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}
	removeConnectionTokens(out, in)
	deleteAll(out, hopByHopHeaders)
	deleteAll(out, auth.ClientIdentityHeaders)
	deleteAll(out, gatewayRequestHeaders)
	return out
}

// inboundHeader returns the origin's response headers without hop-by-hop
// or infrastructure headers.
func inboundHeader(src http.Header) http.Header {
	out := src.Clone()
	if out == nil {
		return http.Header{}
	}
	removeConnectionTokens(out, src)
	deleteAll(out, hopByHopHeaders)
	deleteAll(out, infrastructureHeaders)
	return out
}

// removeConnectionTokens deletes headers listed in src's Connection header.
func removeConnectionTokens(dst, src http.Header) {
	for _, v := range src.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				dst.Del(token)
			}
		}
	}
}

func deleteAll(h http.Header, names []string) {
	for _, name := range names {
		h.Del(name)
	}
}

// isNonceChallenge reports whether a 401 asks for a fresh DPoP nonce.
func isNonceChallenge(resp *http.Response) bool {
	if resp.StatusCode != http.StatusUnauthorized {
		return false
	}
	for _, v := range resp.Header.Values("WWW-Authenticate") {
		lower := strings.ToLower(v)
		if strings.HasPrefix(lower, "dpop") && strings.Contains(lower, `error="use_dpop_nonce"`) {
			return true
		}
	}
	return false
}
