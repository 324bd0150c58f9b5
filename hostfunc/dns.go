package hostfunc

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// Resolver is the part of *net.Resolver the dns capability uses.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// DNS resolves host names for contracts, limited to an allow-list.
type DNS struct {
	allowed  []string
	resolver Resolver
}

// NewDNS returns a dns capability. A nil resolver uses net.DefaultResolver.
func NewDNS(allowedHosts []string, resolver Resolver) *DNS {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &DNS{allowed: allowedHosts, resolver: resolver}
}

// Register adds dns.lookup to r.
func (d *DNS) Register(r *Registry) {
	r.Register("dns.lookup", d.Lookup)
}

// Lookup resolves a hostname and answers (address, family) the way Node's
// dns.lookup does. An optional family of 4 or 6 restricts the result.
func (d *DNS) Lookup(ctx context.Context, args map[string]any) (any, error) {
	host, ok := stringArg(args, "hostname", 0)
	if !ok || host == "" {
		return nil, argError("hostname")
	}
	if len(d.allowed) == 0 {
		return nil, fmt.Errorf("dns not enabled")
	}
	if !hostAllowed(d.allowed, host) {
		return nil, fmt.Errorf("host not allowed: %s", host)
	}

	network := "ip"
	if family, ok := numberArg(args, "family", 1); ok {
		switch family {
		case 4:
			network = "ip4"
		case 6:
			network = "ip6"
		}
	}

	addrs, err := d.resolver.LookupNetIP(ctx, network, host)
	if err != nil || len(addrs) == 0 {
		return nil, &SysError{Code: "ENOTFOUND", Syscall: "getaddrinfo", Path: host}
	}
	addr := addrs[0].Unmap()
	family := 6
	if addr.Is4() {
		family = 4
	}
	return Results{addr.String(), family}, nil
}
