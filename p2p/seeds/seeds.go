// Package seeds turns the configured initial peer list into dialable
// endpoints. Entries are either IP literals or DNS seed host names, which are
// resolved to every A and AAAA record they publish.
package seeds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	defaultResolvConf = "/etc/resolv.conf"
	defaultTimeout    = 5 * time.Second
)

var errNoServers = errors.New("seeds: no DNS servers configured")

// Seed is one configured initial peer.
type Seed struct {
	Host string
	Port uint16
}

func (s Seed) String() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(int(s.Port)))
}

// Parse reads "host" or "host:port" entries. Entries without a port use
// defaultPort; blank entries are skipped.
func Parse(entries []string, defaultPort uint16) ([]Seed, error) {
	out := make([]Seed, 0, len(entries))
	seen := make(map[Seed]struct{}, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		seed, err := parseEntry(entry, defaultPort)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[seed]; dup {
			continue
		}
		seen[seed] = struct{}{}
		out = append(out, seed)
	}
	return out, nil
}

func parseEntry(entry string, defaultPort uint16) (Seed, error) {
	host, portStr, err := net.SplitHostPort(entry)
	if err != nil {
		// A bare host or IPv6 literal without a port.
		host = strings.Trim(entry, "[]")
		if host == "" || strings.ContainsAny(host, " /") {
			return Seed{}, fmt.Errorf("invalid seed %q", entry)
		}
		return Seed{Host: host, Port: defaultPort}, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Seed{}, fmt.Errorf("invalid seed port in %q", entry)
	}
	if strings.TrimSpace(host) == "" {
		return Seed{}, fmt.Errorf("invalid seed host in %q", entry)
	}
	return Seed{Host: host, Port: uint16(port)}, nil
}

// Resolver looks up the addresses published for a host name.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

// Resolve expands seeds into endpoints. IP literals pass through without a
// lookup. Hosts that fail to resolve are skipped; the joined lookup errors
// are returned alongside whatever did resolve.
func Resolve(ctx context.Context, seeds []Seed, resolver Resolver) ([]netip.AddrPort, error) {
	var (
		out  []netip.AddrPort
		errs []error
	)
	seen := make(map[netip.AddrPort]struct{})
	add := func(ip netip.Addr, port uint16) {
		ap := netip.AddrPortFrom(ip.Unmap(), port)
		if _, dup := seen[ap]; dup {
			return
		}
		seen[ap] = struct{}{}
		out = append(out, ap)
	}
	for _, seed := range seeds {
		if ip, err := netip.ParseAddr(seed.Host); err == nil {
			add(ip, seed.Port)
			continue
		}
		if resolver == nil {
			errs = append(errs, fmt.Errorf("resolve %s: no resolver", seed.Host))
			continue
		}
		ips, err := resolver.LookupHost(ctx, seed.Host)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve %s: %w", seed.Host, err))
			continue
		}
		for _, ip := range ips {
			add(ip, seed.Port)
		}
	}
	return out, errors.Join(errs...)
}

// DNSResolver queries A and AAAA records directly over DNS.
type DNSResolver struct {
	client  *dns.Client
	servers []string
}

// NewDNSResolver builds a resolver for the given "host:port" nameservers. With
// no servers it falls back to the system resolv.conf.
func NewDNSResolver(servers []string, timeout time.Duration) (*DNSResolver, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	list := make([]string, 0, len(servers))
	for _, server := range servers {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(strings.Trim(server, "[]"), "53")
		}
		list = append(list, server)
	}
	if len(list) == 0 {
		conf, err := dns.ClientConfigFromFile(defaultResolvConf)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", defaultResolvConf, err)
		}
		for _, server := range conf.Servers {
			list = append(list, net.JoinHostPort(server, conf.Port))
		}
	}
	if len(list) == 0 {
		return nil, errNoServers
	}
	return &DNSResolver{
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		servers: list,
	}, nil
}

// LookupHost returns the A and AAAA records for host, trying each server in
// turn until one answers.
func (r *DNSResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	var lastErr error
	for _, server := range r.servers {
		addrs, err := r.lookup(ctx, server, host)
		if err == nil {
			return addrs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (r *DNSResolver) lookup(ctx context.Context, server, host string) ([]netip.Addr, error) {
	var (
		out      []netip.Addr
		answered bool
		lastErr  error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = fmt.Errorf("query %s %s via %s: %w", dns.TypeToString[qtype], host, server, err)
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("query %s %s via %s: %s", dns.TypeToString[qtype], host, server, dns.RcodeToString[resp.Rcode])
			continue
		}
		answered = true
		for _, rr := range resp.Answer {
			var ip net.IP
			switch rec := rr.(type) {
			case *dns.A:
				ip = rec.A
			case *dns.AAAA:
				ip = rec.AAAA
			default:
				continue
			}
			if addr, ok := netip.AddrFromSlice(ip); ok {
				out = append(out, addr.Unmap())
			}
		}
	}
	if !answered {
		return nil, lastErr
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}
