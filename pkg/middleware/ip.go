package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// IPSourceType selects where the client address is read from.
type IPSourceType string

const (
	// IPSourceRemoteAddr reads the peer address of the connection.
	IPSourceRemoteAddr IPSourceType = "remote_addr"

	// IPSourceXForwardedFor reads the first hop of X-Forwarded-For.
	IPSourceXForwardedFor IPSourceType = "x_forwarded_for"

	// IPSourceXRealIP reads the X-Real-IP header.
	IPSourceXRealIP IPSourceType = "x_real_ip"

	// IPSourceCustomHeader reads the header named in IPConfig.CustomHeader.
	IPSourceCustomHeader IPSourceType = "custom_header"
)

// IPConfig controls client IP extraction.
type IPConfig struct {
	Source IPSourceType

	// CustomHeader names the header consulted for IPSourceCustomHeader.
	CustomHeader string

	// TrustProxy gates all header-derived sources. When false, headers are
	// ignored entirely and RemoteAddr is used regardless of Source.
	TrustProxy bool
}

// DefaultIPConfig trusts the first X-Forwarded-For hop, the common setup
// behind a reverse proxy.
func DefaultIPConfig() *IPConfig {
	return &IPConfig{
		Source:     IPSourceXForwardedFor,
		TrustProxy: true,
	}
}

type contextKey string

// ClientIPKey is the request context key the resolved client IP is stored
// under.
const ClientIPKey contextKey = "client_ip"

// ClientIP returns the client IP stashed by ClientIPMiddleware, or "" when
// the middleware did not run for this request.
func ClientIP(r *http.Request) string {
	ip, _ := r.Context().Value(ClientIPKey).(string)
	return ip
}

// ClientIPMiddleware resolves the client IP once per request and stores it in
// the request context, where ClientIP (and through it the rate limiter's
// default key extractor) can read it.
func ClientIPMiddleware(config *IPConfig) func(http.Handler) http.Handler {
	if config == nil {
		config = DefaultIPConfig()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), ClientIPKey, resolveClientIP(r, config))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolveClientIP applies the configured source with RemoteAddr as the
// fallback for untrusted or absent headers.
func resolveClientIP(r *http.Request, config *IPConfig) string {
	addr := ""
	if config.TrustProxy {
		switch config.Source {
		case IPSourceXRealIP:
			addr = r.Header.Get("X-Real-IP")
		case IPSourceCustomHeader:
			addr = r.Header.Get(config.CustomHeader)
		case IPSourceRemoteAddr:
			addr = r.RemoteAddr
		default:
			addr = firstForwardedFor(r)
		}
	}
	if addr == "" {
		addr = r.RemoteAddr
	}
	return stripPort(addr)
}

// firstForwardedFor returns the leftmost X-Forwarded-For entry, which is the
// original client when every proxy in the chain appends honestly.
func firstForwardedFor(r *http.Request) string {
	hops := strings.SplitN(r.Header.Get("X-Forwarded-For"), ",", 2)
	return strings.TrimSpace(hops[0])
}

// stripPort reduces a host:port address to its host. Values that are not in
// host:port form (header-borne bare IPs, or garbage) pass through unchanged.
func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
