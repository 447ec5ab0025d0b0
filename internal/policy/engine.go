// Package policy decides whether an outbound HTTPS target may be contacted.
package policy

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Violation is returned for every allow-list, path, address or redirect
// failure. It is always fatal to the request.
type Violation struct {
	Host   string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation for %q: %s", v.Host, v.Reason)
}

// Resolver is the subset of *net.Resolver the Engine uses.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Config selects which hosts are reachable.
type Config struct {
	// AllowedHosts are glob patterns; "*" matches any run of characters
	// other than "/", so "*.github.com" covers every subdomain.
	AllowedHosts   []string
	AllowRedirects bool
}

// Engine evaluates outbound targets. Every call re-resolves the host, so a
// DNS answer that changes after configuration is still checked.
type Engine struct {
	patterns       []string
	allowRedirects bool
	resolver       Resolver
}

// NewEngine validates the configured patterns. A nil resolver uses
// net.DefaultResolver.
func NewEngine(cfg Config, resolver Resolver) (*Engine, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	patterns := make([]string, 0, len(cfg.AllowedHosts))
	for _, p := range cfg.AllowedHosts {
		p = normalizeHost(p)
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid allowed host pattern %q", p)
		}
		patterns = append(patterns, p)
	}
	return &Engine{patterns: patterns, allowRedirects: cfg.AllowRedirects, resolver: resolver}, nil
}

// AllowRedirects reports whether 3xx targets may be followed at all.
func (e *Engine) AllowRedirects() bool {
	return e.allowRedirects
}

// ValidateRequest checks host and path and returns the validated addresses
// the host currently resolves to.
func (e *Engine) ValidateRequest(ctx context.Context, host, path string, isRedirect bool) ([]netip.Addr, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, &Violation{Host: host, Reason: "path must start with /"}
	}
	if isRedirect && !e.allowRedirects {
		return nil, &Violation{Host: host, Reason: "redirects are disabled"}
	}
	return e.ResolvePublic(ctx, host)
}

// ValidateRedirectTarget re-runs the host checks for a Location target.
func (e *Engine) ValidateRedirectTarget(ctx context.Context, host string) ([]netip.Addr, error) {
	return e.ValidateRequest(ctx, host, "/", true)
}

// HostAllowed reports whether host matches the allow-list.
func (e *Engine) HostAllowed(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	for _, p := range e.patterns {
		if ok, _ := doublestar.Match(p, host); ok {
			return true
		}
	}
	return false
}

// ResolvePublic checks the allow-list, rejects literal IPs and resolves host,
// failing unless every answer is a public unicast address.
func (e *Engine) ResolvePublic(ctx context.Context, host string) ([]netip.Addr, error) {
	name := normalizeHost(host)
	if name == "" {
		return nil, &Violation{Host: host, Reason: "empty host"}
	}
	if _, err := netip.ParseAddr(strings.Trim(name, "[]")); err == nil {
		return nil, &Violation{Host: host, Reason: "literal IP addresses are not allowed"}
	}
	if !e.HostAllowed(name) {
		return nil, &Violation{Host: host, Reason: "host is not on the allow-list"}
	}

	answers, err := e.resolver.LookupIPAddr(ctx, name)
	if err != nil {
		return nil, &Violation{Host: host, Reason: "dns resolution failed"}
	}
	if len(answers) == 0 {
		return nil, &Violation{Host: host, Reason: "dns returned no addresses"}
	}
	addrs := make([]netip.Addr, 0, len(answers))
	for _, a := range answers {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return nil, &Violation{Host: host, Reason: "unparseable dns answer"}
		}
		addr = addr.Unmap()
		if reason := CheckAddr(addr); reason != "" {
			return nil, &Violation{Host: host, Reason: fmt.Sprintf("resolves to %s address", reason)}
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

var reservedPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"240.0.0.0/4",
	"255.255.255.255/32",
	"64:ff9b::/96",
	"64:ff9b:1::/48",
	"100::/64",
	"2001::/23",
	"2001:db8::/32",
	"2002::/16",
	"fc00::/7",
)

// CheckAddr returns the name of the address class that makes addr
// unreachable, or "" if addr is public.
func CheckAddr(addr netip.Addr) string {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid():
		return "invalid"
	case addr.IsUnspecified():
		return "unspecified"
	case addr.IsLoopback():
		return "loopback"
	case addr.IsPrivate():
		return "private"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return "link-local"
	case addr.IsMulticast(), addr.IsInterfaceLocalMulticast():
		return "multicast"
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return "reserved"
		}
	}
	return ""
}

var placeholderPattern = regexp.MustCompile(`\{[A-Za-z_][A-Za-z0-9_.\-]*\}`)

// ContainsPlaceholder reports whether s carries unresolved {name} syntax.
func ContainsPlaceholder(s string) bool {
	return placeholderPattern.MatchString(s)
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		out[i] = netip.MustParsePrefix(c)
	}
	return out
}
