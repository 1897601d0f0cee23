// Package privacy derives the deterministic, irreversible identifiers the
// pipeline aggregates on: page digests, salted identity digests and device
// classes. Digests are 64-bit xxhash truncations rendered as 16 hex chars;
// they are grouping keys, not cryptographic commitments, and collision risk
// at this width is accepted.
package privacy

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/clicktally/clicktally/pkg/event"
)

// Digest returns the 16-hex-char digest of s.
func Digest(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

// NormalizeURL reduces a page URL to scheme://host/path, dropping the query
// string and fragment, so that URLs differing only in query params map to
// the same page hash.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("unparseable url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q missing scheme or host", raw)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return u.Scheme + "://" + u.Host + path, nil
}

// HashPage returns the page grouping digest for a URL. Unparseable URLs are
// hashed verbatim so the event is still countable under a stable key.
func HashPage(raw string) string {
	normalized, err := NormalizeURL(raw)
	if err != nil {
		normalized = raw
	}
	return Digest(normalized)
}

// HashIdentity returns the salted digest of a client identity value (IP
// address or user agent). Same value, same salt, same digest; rotating the
// salt severs correlation with history.
func HashIdentity(value, salt string) string {
	return Digest(salt + value)
}

// HashSelector derives the selector key for a tracking rule from its opaque
// selector type and value.
func HashSelector(selectorType, selectorValue string) string {
	return Digest(selectorType + "|" + selectorValue)
}

// ClassifyDevice decides the device class for an event. An explicit
// client-reported class is trusted when it is one of the three known values;
// otherwise the user agent is sniffed, defaulting to desktop. With neither
// signal the class is unknown.
func ClassifyDevice(clientHint event.Device, userAgent string) event.Device {
	if clientHint.Known() {
		return clientHint
	}
	if userAgent == "" {
		return event.DeviceUnknown
	}
	if strings.Contains(userAgent, "iPad") {
		return event.DeviceTablet
	}
	for _, sig := range []string{"Mobile", "Android", "iPhone"} {
		if strings.Contains(userAgent, sig) {
			return event.DeviceMobile
		}
	}
	return event.DeviceDesktop
}

// ClientIP extracts the originating client IP from proxy headers, falling
// back to the connection's remote address. Only syntactically valid IPs are
// accepted from headers.
func ClientIP(r *http.Request) string {
	for _, header := range []string{"X-Forwarded-For", "X-Real-IP"} {
		val := r.Header.Get(header)
		if val == "" {
			continue
		}
		// X-Forwarded-For is a comma-separated chain; the client is first.
		if idx := strings.IndexByte(val, ','); idx >= 0 {
			val = val[:idx]
		}
		val = strings.TrimSpace(val)
		if net.ParseIP(val) != nil {
			return val
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// LoadOrCreateSalt returns the per-install hashing salt, generating and
// persisting one on first run. The salt never leaves the data directory.
func LoadOrCreateSalt(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		salt := strings.TrimSpace(string(data))
		if salt != "" {
			return salt, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read salt file: %w", err)
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	salt := hex.EncodeToString(buf)

	if err := os.WriteFile(path, []byte(salt+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist salt: %w", err)
	}
	return salt, nil
}
