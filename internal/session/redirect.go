package session

import (
	"net/url"
	"path"
	"strings"
)

// SafeRedirect returns raw normalized when it is a same-origin absolute path, and "" otherwise.
// Anything with a scheme or host, protocol-relative values and backslash tricks are dropped.
func SafeRedirect(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw[0] != '/' {
		return ""
	}
	if len(raw) > 1 && (raw[1] == '/' || raw[1] == '\\') {
		return ""
	}
	for _, r := range raw {
		if r == '\\' || r < 0x20 || r == 0x7f {
			return ""
		}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil || u.Opaque != "" {
		return ""
	}
	cleaned := path.Clean(u.Path)
	if strings.HasSuffix(u.Path, "/") && cleaned != "/" {
		cleaned += "/"
	}
	if !strings.HasPrefix(cleaned, "/") || strings.HasPrefix(cleaned, "//") {
		return ""
	}
	out := url.URL{Path: cleaned, RawQuery: u.RawQuery, Fragment: u.Fragment}
	return out.String()
}
