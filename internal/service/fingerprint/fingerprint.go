// Package fingerprint derives weak device identity signals from request metadata.
//
// A fingerprint is not unique and not secret: two browsers with identical headers
// share it. It is only used to bind a session to roughly the same client.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/nkiryanov/campusauth/internal/models"
)

// Length of the fingerprint embedded into access tokens
const Length = 16

// Generate hashes user agent, accept-language and accept-encoding into a short hex string.
func Generate(userAgent, acceptLanguage, acceptEncoding string) string {
	sum := sha256.Sum256([]byte(userAgent + "|" + acceptLanguage + "|" + acceptEncoding))
	return hex.EncodeToString(sum[:])[:Length]
}

// FromMeta is Generate over already extracted request attributes
func FromMeta(meta models.RequestMeta) string {
	return Generate(meta.UserAgent, meta.AcceptLanguage, meta.AcceptEncoding)
}

func FromRequest(r *http.Request) string {
	return Generate(r.Header.Get("User-Agent"), r.Header.Get("Accept-Language"), r.Header.Get("Accept-Encoding"))
}

// DeviceID returns the device identifier a new session is scoped to.
func DeviceID(fp string) string {
	if len(fp) > Length {
		return fp[:Length]
	}
	return fp
}

// Meta extracts the attributes sessions are bound to
func Meta(r *http.Request) models.RequestMeta {
	return models.RequestMeta{
		UserAgent:      r.Header.Get("User-Agent"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
		IP:             ClientIP(r),
	}
}
