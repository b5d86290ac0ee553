// Package flowcontrol implements the server's per-CIDR token buckets
// applied when relaying UDP Relay traffic and TCP Forward traffic
// (spec §4.8). Buckets drop rather than
// queue when empty; there is no backpressure path for relayed packets.
package flowcontrol

import (
	"net/netip"
	"sort"
	"time"

	"golang.org/x/time/rate"
)

// Rule is one (cidr, bytes_per_sec) limiter, ordered longest-prefix-first
// so the first matching rule is always the most specific.
type rule struct {
	cidr    netip.Prefix
	limiter *rate.Limiter
}

// Controller evaluates inbound relay traffic against the group's
// configured flow-control rules.
type Controller struct {
	rules []rule
}

// RuleSpec is the (cidr, bytes_per_sec) pair as configured.
type RuleSpec struct {
	CIDR        netip.Prefix
	BytesPerSec float64
}

// New builds a Controller from the group's flow_control_rules, sorted by
// descending prefix length.
func New(specs []RuleSpec) *Controller {
	rules := make([]rule, 0, len(specs))
	for _, s := range specs {
		// Burst equals one second's worth of bytes; a limiter configured
		// with burst 0 would reject everything.
		burst := int(s.BytesPerSec)
		if burst < 1 {
			burst = 1
		}
		rules = append(rules, rule{
			cidr:    s.CIDR,
			limiter: rate.NewLimiter(rate.Limit(s.BytesPerSec), burst),
		})
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].cidr.Bits() > rules[j].cidr.Bits()
	})
	return &Controller{rules: rules}
}

// Allow reports whether n bytes destined for dst may be forwarded now. If
// no rule matches dst, traffic is unthrottled (Allow returns true).
func (c *Controller) Allow(dst netip.Addr, n int) bool {
	for _, r := range c.rules {
		if r.cidr.Contains(dst) {
			return r.limiter.AllowN(time.Now(), n)
		}
	}
	return true
}
