package mailgw

import (
	"net/mail"
	"strings"
)

// trustList decides which senders may reach the agent. Entries are
// either full addresses ("jo@example.com", "Jo <jo@example.com>") or
// domain patterns ("@example.com"). Matching is case-insensitive.
//
// An empty list refuses everyone. Opening the agent to arbitrary
// inbound mail is something the operator has to do on purpose.
type trustList struct {
	exact   map[string]struct{}
	domains map[string]struct{}
}

func newTrustList(entries []string) *trustList {
	t := &trustList{
		exact:   make(map[string]struct{}),
		domains: make(map[string]struct{}),
	}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if strings.HasPrefix(e, "@") {
			t.domains[strings.TrimPrefix(e, "@")] = struct{}{}
			continue
		}
		t.exact[bareAddress(e)] = struct{}{}
	}
	return t
}

// allow reports whether mail from addr may start a turn.
func (t *trustList) allow(addr string) bool {
	addr = strings.ToLower(bareAddress(addr))
	if addr == "" {
		return false
	}
	if _, ok := t.exact[addr]; ok {
		return true
	}
	if _, domain, ok := strings.Cut(addr, "@"); ok {
		if _, ok := t.domains[domain]; ok {
			return true
		}
	}
	return false
}

// bareAddress reduces "Name <addr@host>" to "addr@host". Input that is
// already bare (or unparseable) comes back unchanged.
func bareAddress(s string) string {
	if parsed, err := mail.ParseAddress(s); err == nil {
		return parsed.Address
	}
	return strings.TrimSpace(s)
}
