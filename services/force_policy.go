package services

import (
	"github.com/presencepro/tracker/config"
	"golang.org/x/time/rate"
)

// ForcePolicy decides whether frame n (1-based, per session) asks the
// backend for a full detection pass instead of pure tracking.
type ForcePolicy interface {
	Force(frame int) bool
}

type ForcePolicyFunc func(frame int) bool

func (f ForcePolicyFunc) Force(frame int) bool { return f(frame) }

// NewForcePolicy builds a fresh policy for one session.
func NewForcePolicy(cfg config.ForceDetectionSettings) ForcePolicy {
	switch cfg.Mode {
	case "never":
		return ForcePolicyFunc(func(int) bool { return false })
	case "every":
		n := cfg.Every
		if n < 1 {
			n = 1
		}
		return ForcePolicyFunc(func(frame int) bool { return (frame-1)%n == 0 })
	case "rate":
		limit := rate.Limit(cfg.RatePerSecond)
		if cfg.RatePerSecond <= 0 {
			limit = rate.Inf
		}
		lim := rate.NewLimiter(limit, 1)
		return ForcePolicyFunc(func(int) bool { return lim.Allow() })
	}
	return ForcePolicyFunc(func(int) bool { return true })
}
