package rateLimit

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-issuance-engine/internal/config"
)

const (
	PolicyOrders            = "orders"
	PolicyAPI               = "api"
	PolicyAuth              = "auth"
	PolicyWebhook           = "webhook"
	PolicyPasswordReset     = "password_reset"
	PolicyEmailVerification = "email_verification"
	PolicyTicketScan        = "ticket_scan"
)

// DefaultPolicies returns the stock configuration of every policy. Each has its own key
// prefix so counters are never shared.
func DefaultPolicies() map[string]Config {
	return map[string]Config{
		PolicyOrders:            {Name: PolicyOrders, KeyPrefix: "order", Max: 10, Window: time.Minute},
		PolicyAPI:               {Name: PolicyAPI, KeyPrefix: "api", Max: 100, Window: time.Minute},
		PolicyAuth:              {Name: PolicyAuth, KeyPrefix: "auth", Max: 5, Window: 15 * time.Minute},
		PolicyWebhook:           {Name: PolicyWebhook, KeyPrefix: "webhook", Max: 100, Window: time.Minute},
		PolicyPasswordReset:     {Name: PolicyPasswordReset, KeyPrefix: "pwreset", Max: 3, Window: time.Hour},
		PolicyEmailVerification: {Name: PolicyEmailVerification, KeyPrefix: "emailverify", Max: 5, Window: time.Hour},
		PolicyTicketScan:        {Name: PolicyTicketScan, KeyPrefix: "scan", Max: 60, Window: time.Minute},
	}
}

// PoliciesFromConfig applies env overrides, the global skip flag and the sweep interval.
func PoliciesFromConfig(cfg *config.Config) map[string]Config {
	policies := DefaultPolicies()
	for name, p := range policies {
		if o, ok := cfg.RateLimits[name]; ok {
			p.Max = o.Max
			p.Window = o.Window
		}
		p.Skip = cfg.RateLimitSkip
		p.SweepInterval = cfg.RateLimitSweepInterval
		policies[name] = p
	}
	return policies
}

// Policies holds one independent limiter per gated entry point.
type Policies struct {
	Orders            *Limiter
	API               *Limiter
	Auth              *Limiter
	Webhook           *Limiter
	PasswordReset     *Limiter
	EmailVerification *Limiter
	TicketScan        *Limiter
}

// NewPolicies builds every policy in configs. newStore is called once per policy so no two
// limiters share a store.
func NewPolicies(configs map[string]Config, newStore func(Config) Store, opts ...Option) (*Policies, error) {
	p := &Policies{}
	slots := map[string]**Limiter{
		PolicyOrders:            &p.Orders,
		PolicyAPI:               &p.API,
		PolicyAuth:              &p.Auth,
		PolicyWebhook:           &p.Webhook,
		PolicyPasswordReset:     &p.PasswordReset,
		PolicyEmailVerification: &p.EmailVerification,
		PolicyTicketScan:        &p.TicketScan,
	}
	for name, slot := range slots {
		cfg, ok := configs[name]
		if !ok {
			p.Close()
			return nil, errors.Newf("rate limit policy %q is not configured", name)
		}
		if cfg.Max < 1 || cfg.Window <= 0 {
			p.Close()
			return nil, errors.Newf("rate limit policy %q: invalid limit %d per %s", name, cfg.Max, cfg.Window)
		}
		*slot = NewRateLimiter(cfg, newStore(cfg), opts...)
	}
	return p, nil
}

func (p *Policies) All() []*Limiter {
	return []*Limiter{p.Orders, p.API, p.Auth, p.Webhook, p.PasswordReset, p.EmailVerification, p.TicketScan}
}

func (p *Policies) Get(name string) (*Limiter, bool) {
	for _, l := range p.All() {
		if l != nil && l.Name() == name {
			return l, true
		}
	}
	return nil, false
}

// Close stops every policy's sweep.
func (p *Policies) Close() {
	for _, l := range p.All() {
		if l != nil {
			l.Close()
		}
	}
}
