package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// originPolicy is the allowlist check applied before the upgrade.
type originPolicy struct {
	required bool
	allowed  []string
}

func (p originPolicy) check(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if p.required {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(p.allowed) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	host := originHost(origin)
	for _, a := range p.allowed {
		switch {
		case a == "*":
			return nil
		case a == origin:
			return nil
		case host != "" && host == originHost(a):
			// Host match ignores scheme and port.
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// patterns derives websocket.AcceptOptions.OriginPatterns from the allowlist
// so Accept's own cross-origin check agrees with ours. Accept matches against
// host:port, hence the second pattern per host.
func (p originPolicy) patterns() []string {
	var out []string
	for _, a := range p.allowed {
		h := originHost(a)
		if h == "" || h == "*" || slices.Contains(out, h) {
			continue
		}
		out = append(out, h, h+":*")
	}
	slices.Sort(out)
	return out
}

// originHost lowercases the host of "scheme://host[:port]" or "host[:port]".
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if s == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return strings.ToLower(s)
}

func cleanOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
