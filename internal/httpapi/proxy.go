package httpapi

import (
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/vhofman/voicedash/internal/endpoint"
)

// newBackendProxy forwards /tts/* to the configured upstream, stripping the
// prefix so the upstream sees its own paths. It returns nil when no upstream
// is configured; proxied mode is then unavailable. WebSocket upgrades pass
// through, which is how the duplex session reaches the upstream in proxied
// mode.
func newBackendProxy(upstream string, logger *log.Logger) http.Handler {
	if upstream == "" {
		return nil
	}
	target, err := url.Parse(upstream)
	if err != nil || target.Host == "" {
		logger.Printf("proxy: invalid upstream %q: %v", upstream, err)
		return nil
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Printf("proxy: upstream error for %s: %v", r.URL.Path, err)
		http.Error(w, `{"error": "backend unavailable"}`, http.StatusBadGateway)
	}

	prefix := "/" + endpoint.ProxyPrefix
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = strings.TrimPrefix(r.URL.Path, prefix)
		if r.URL.Path == "" {
			r.URL.Path = "/"
		}
		r.Host = target.Host
		proxy.ServeHTTP(w, r)
	})
}
