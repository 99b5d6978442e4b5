package mailbox

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

const probeTimeout = 3 * time.Second

// IMAP servers of common providers, keyed by address domain
var knownServers = map[string]string{
	"gmail.com":      "imap.gmail.com:993",
	"googlemail.com": "imap.gmail.com:993",
	"outlook.com":    "outlook.office365.com:993",
	"hotmail.com":    "outlook.office365.com:993",
	"live.com":       "outlook.office365.com:993",
	"msn.com":        "outlook.office365.com:993",
	"yahoo.com":      "imap.mail.yahoo.com:993",
	"yahoo.co.uk":    "imap.mail.yahoo.com:993",
	"yandex.ru":      "imap.yandex.ru:993",
	"yandex.com":     "imap.yandex.com:993",
	"mail.ru":        "imap.mail.ru:993",
	"bk.ru":          "imap.mail.ru:993",
	"list.ru":        "imap.mail.ru:993",
	"inbox.ru":       "imap.mail.ru:993",
	"icloud.com":     "imap.mail.me.com:993",
	"me.com":         "imap.mail.me.com:993",
	"mac.com":        "imap.mail.me.com:993",
	"aol.com":        "imap.aol.com:993",
	"zoho.com":       "imap.zoho.com:993",
	"fastmail.com":   "imap.fastmail.com:993",
	"gmx.com":        "imap.gmx.com:993",
	"gmx.de":         "imap.gmx.net:993",
	"web.de":         "imap.web.de:993",
	"t-online.de":    "secureimap.t-online.de:993",
	"rambler.ru":     "imap.rambler.ru:993",
}

// Resolver finds the IMAP server of an address whose account does not name one
type Resolver struct {
	// Reachable reports whether host:port accepts TCP connections
	Reachable func(ctx context.Context, addr string) bool
	// LookupMX returns the MX hosts of a domain
	LookupMX func(ctx context.Context, domain string) ([]*net.MX, error)
}

// NewResolver creates a resolver that probes the network
func NewResolver() *Resolver {
	return &Resolver{
		Reachable: func(ctx context.Context, addr string) bool {
			d := net.Dialer{Timeout: probeTimeout}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return false
			}
			conn.Close()
			return true
		},
		LookupMX: net.DefaultResolver.LookupMX,
	}
}

// Resolve returns host:port of the IMAP server for address: a known provider,
// then imap./mail./bare domain probes, then hosts derived from MX, and finally
// imap.<domain>:993 unprobed
func (r *Resolver) Resolve(ctx context.Context, address string) (string, error) {
	domain, err := Domain(address)
	if err != nil {
		return "", err
	}
	if server, ok := knownServers[domain]; ok {
		return server, nil
	}

	for _, host := range []string{"imap." + domain, "mail." + domain, domain} {
		if addr := net.JoinHostPort(host, "993"); r.Reachable(ctx, addr) {
			return addr, nil
		}
	}

	if mx, err := r.LookupMX(ctx, domain); err == nil && len(mx) > 0 {
		mxHost := strings.TrimSuffix(mx[0].Host, ".")
		if _, base, ok := strings.Cut(mxHost, "."); ok {
			for _, host := range []string{"imap." + base, "mail." + base} {
				if addr := net.JoinHostPort(host, "993"); r.Reachable(ctx, addr) {
					return addr, nil
				}
			}
		}
	}

	return net.JoinHostPort("imap."+domain, "993"), nil
}

// Domain returns the lower-cased domain of an email address
func Domain(address string) (string, error) {
	local, domain, ok := strings.Cut(address, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", fmt.Errorf("invalid email address %q", address)
	}
	return strings.ToLower(domain), nil
}
