// Package limiter throttles gate executions per subject.
package limiter

import "context"

// Policy is a token bucket: RPM tokens per minute, at most Burst at once.
type Policy struct {
	RPM   int `json:"rpm" yaml:"rpm"`
	Burst int `json:"burst" yaml:"burst"`
}

// DefaultPolicy allows one check per second with short bursts.
var DefaultPolicy = Policy{RPM: 60, Burst: 10}

// Disabled reports whether the policy imposes no limit.
func (p Policy) Disabled() bool { return p.RPM <= 0 }

// Store decides whether key may spend cost tokens now.
type Store interface {
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}
