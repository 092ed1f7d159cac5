// Package courier resolves a recipient domain's mail exchangers and
// drives one delivery attempt end to end, the "external collaborator"
// the core protocol engine assumes callers already have.
package courier

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"

	"blitiri.com.ar/go/esmtp/internal/addr"
	"blitiri.com.ar/go/esmtp/internal/trace"
)

// lookupTimeout bounds a single MX/A query.
var lookupTimeout = 10 * time.Second

// maxMXs caps the number of mail exchangers tried per delivery, to keep
// attempt times bounded and limit abuse via domains with pathological MX
// records.
const maxMXs = 5

// resolveMXsFunc returns the mail exchangers for domain, sorted by
// preference, falling back to the domain's own A/AAAA records if it has
// no MX records at all (RFC 5321 §5.1). It returns a permanent failure
// (no point retrying) when the domain itself doesn't resolve.
//
// It is a variable so tests can substitute a fixed answer instead of
// querying a real resolver.
var resolveMXsFunc = resolveMXsViaDNS

func resolveMXsViaDNS(ctx context.Context, tr *trace.Trace, domain string) (hosts []string, permanent bool, err error) {
	asciiDomain, err := idna.ToASCII(domain)
	if err != nil {
		return nil, true, err
	}

	client := new(dns.Client)
	client.Timeout = lookupTimeout

	conf, confErr := dnsClientConfig()
	if confErr != nil {
		return nil, false, confErr
	}
	server := conf.Servers[0] + ":" + conf.Port

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(asciiDomain), dns.TypeMX)
	m.RecursionDesired = true

	resp, _, err := client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, false, err
	}

	type mx struct {
		host string
		pref uint16
	}
	var mxs []mx
	for _, rr := range resp.Answer {
		if r, ok := rr.(*dns.MX); ok {
			mxs = append(mxs, mx{host: r.Mx, pref: r.Preference})
		}
	}

	if len(mxs) == 0 {
		if resp.Rcode == dns.RcodeNameError {
			return nil, true, fmt.Errorf("domain %q does not exist", asciiDomain)
		}
		// No MX: fall back to the domain's own address records.
		tr.Debugf("no MX for %q, falling back to A/AAAA", asciiDomain)
		return []string{asciiDomain}, false, nil
	}

	sort.Slice(mxs, func(i, j int) bool { return mxs[i].pref < mxs[j].pref })
	for _, m := range mxs {
		hosts = append(hosts, trimDot(m.host))
	}
	if len(hosts) > maxMXs {
		hosts = hosts[:maxMXs]
	}

	tr.Debugf("MXs for %q: %v", asciiDomain, hosts)
	return hosts, false, nil
}

func trimDot(host string) string {
	if len(host) > 0 && host[len(host)-1] == '.' {
		return host[:len(host)-1]
	}
	return host
}

// domainOf extracts the recipient domain from an address, for MX lookup.
func domainOf(address string) string {
	return addr.DomainOf(address)
}

// dnsClientConfig loads the resolver configuration from /etc/resolv.conf,
// the same source net.LookupMX ultimately reads, but exposed explicitly
// since miekg/dns does its own resolution and needs a server to query.
func dnsClientConfig() (*dns.ClientConfig, error) {
	return dns.ClientConfigFromFile("/etc/resolv.conf")
}
