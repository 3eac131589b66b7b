package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peersock/crypto"
)

// DNS resolves node records published as TXT entries under a zone:
// the owner name is the node ID's bare hex form, the record data is
// whitespace-separated "addr=ip:port" and "relay=host:port" attributes,
// e.g.
//
//	3b1f...c2a9.nodes.example.org. 300 IN TXT "addr=203.0.113.7:4242 relay=relay.example.org:443"
//
// Publishing is the zone operator's business; Publish is a no-op here.
type DNS struct {
	zone    string
	server  string
	client  *dns.Client
	timeout time.Duration
}

// NewDNS creates a DNS provider querying server (host:port) for records
// under zone.
func NewDNS(zone, server string) *DNS {
	return &DNS{
		zone:    strings.Trim(zone, "."),
		server:  server,
		client:  &dns.Client{Timeout: 5 * time.Second},
		timeout: 5 * time.Second,
	}
}

// Name implements Provider.
func (d *DNS) Name() string {
	return "dns:" + d.zone
}

// Lookup implements Provider with a TXT query for the node's record.
func (d *DNS) Lookup(ctx context.Context, node crypto.NodeID) ([]Hint, error) {
	name := dns.Fqdn(node.Hex() + "." + d.zone)

	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeTXT)
	msg.RecursionDesired = true

	resp, _, err := d.client.ExchangeContext(ctx, msg, d.server)
	if err != nil {
		return nil, fmt.Errorf("TXT query for %s failed: %w", name, err)
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, nil
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("TXT query for %s returned rcode %d", name, resp.Rcode)
	}

	var hints []Hint
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		hints = append(hints, parseNodeRecord(strings.Join(txt.Txt, " "))...)
	}
	return hints, nil
}

// Publish implements Provider. Zone updates belong to the DNS server
// that fronts the zone, so this only logs at debug level.
func (d *DNS) Publish(ctx context.Context, rec Record) error {
	logrus.WithFields(logrus.Fields{
		"function": "Publish",
		"provider": d.Name(),
		"node":     rec.Node.ShortString(),
	}).Debug("DNS provider does not publish; zone is externally managed")
	return nil
}

// parseNodeRecord extracts hints from one TXT record's attribute list.
// Unknown attributes and malformed values are skipped.
func parseNodeRecord(s string) []Hint {
	var hints []Hint
	for _, field := range strings.Fields(s) {
		key, value, found := strings.Cut(field, "=")
		if !found {
			continue
		}

		switch key {
		case "addr":
			addr, err := netip.ParseAddrPort(value)
			if err != nil {
				continue
			}
			hints = append(hints, Hint{Addr: addr})
		case "relay":
			if value != "" {
				hints = append(hints, Hint{Relay: value})
			}
		}
	}
	return hints
}
