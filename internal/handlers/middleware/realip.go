package middleware

import (
	"net"
	"net/http"

	"github.com/nkiryanov/campusauth/internal/service/fingerprint"
)

// RealIP replaces RemoteAddr with the originating client address when the request
// came through one of the trusted proxies. Requests from other peers keep their
// RemoteAddr whatever forwarding headers they carry.
func RealIP(proxies fingerprint.Proxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ip := proxies.ClientIP(r); ip != fingerprint.ClientIP(r) {
				_, port, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					port = "0"
				}
				r = r.Clone(r.Context())
				r.RemoteAddr = net.JoinHostPort(ip, port)
			}
			next.ServeHTTP(w, r)
		})
	}
}
