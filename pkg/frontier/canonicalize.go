package frontier

import (
	"net/url"
	"strings"
)

// Canonicalize normalizes rawURL per spec.md §3: scheme and host are
// lowercased, the fragment is stripped, default ports are removed,
// and a single trailing slash policy is applied (a bare path of "/"
// is kept, anything longer loses a trailing slash).
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if host, port, ok := splitDefaultPort(u.Scheme, u.Host); ok {
		u.Host = host
		_ = port
	}

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}

func splitDefaultPort(scheme, host string) (string, string, bool) {
	idx := strings.LastIndex(host, ":")
	if idx < 0 {
		return host, "", false
	}
	port := host[idx+1:]
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		return host[:idx], port, true
	}
	return host, port, false
}
