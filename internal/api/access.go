package api

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// DenyMessage is the fixed body returned to origins outside the allow-list.
const DenyMessage = "You are not allowed to access this page"

// AccessGate admits requests whose remote address is on an allow-list of IP
// addresses and CIDR prefixes.
type AccessGate struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
	log      *slog.Logger
	onDeny   func(origin string)
}

// NewAccessGate parses allow into a gate. onDeny, if non-nil, is called for
// every denied request.
func NewAccessGate(allow []string, log *slog.Logger, onDeny func(origin string)) (*AccessGate, error) {
	g := &AccessGate{
		addrs:  make(map[netip.Addr]struct{}),
		log:    log,
		onDeny: onDeny,
	}
	for _, entry := range allow {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("allow entry %q: %w", entry, err)
			}
			g.prefixes = append(g.prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("allow entry %q: %w", entry, err)
		}
		g.addrs[normalizeAddr(a)] = struct{}{}
	}
	return g, nil
}

// Allow reports whether remoteAddr ("host:port" or a bare host) may pass.
// Unparseable addresses are denied.
func (g *AccessGate) Allow(remoteAddr string) bool {
	a, ok := parseRemote(remoteAddr)
	if !ok {
		return false
	}
	if _, ok := g.addrs[a]; ok {
		return true
	}
	for _, p := range g.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// Middleware rejects requests from origins that are not allowed before any
// downstream handler runs.
func (g *AccessGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Allow(r.RemoteAddr) {
			origin := originHost(r.RemoteAddr)
			g.log.Warn("access denied", "origin", origin, "method", r.Method, "path", r.URL.Path)
			if g.onDeny != nil {
				g.onDeny(origin)
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(DenyMessage))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseRemote(remoteAddr string) (netip.Addr, bool) {
	a, err := netip.ParseAddr(originHost(remoteAddr))
	if err != nil {
		return netip.Addr{}, false
	}
	return normalizeAddr(a), true
}

// normalizeAddr unmaps IPv4-mapped IPv6 addresses and drops zones so that
// ::ffff:127.0.0.1 and fe80::1%eth0 match their plain forms.
func normalizeAddr(a netip.Addr) netip.Addr {
	return a.Unmap().WithZone("")
}

// originHost strips the port from a remote address, if present.
func originHost(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
