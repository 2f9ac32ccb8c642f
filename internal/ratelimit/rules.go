// Package ratelimit implements the gateway's KV-backed request limiter:
// per-rule sorted-set windows keyed by caller identity (IP, phone, or
// email depending on the rule).
package ratelimit

import (
	"strings"
	"time"

	"github.com/relaypoint-ai/wa-gateway/internal/config"
)

// IdentifierType selects which caller attribute a rule counts by.
type IdentifierType string

const (
	IdentifierIP    IdentifierType = "ip"
	IdentifierPhone IdentifierType = "phone"
	IdentifierEmail IdentifierType = "email"
)

// DefaultKeyTemplate is the KV key shape shared by every rule.
const DefaultKeyTemplate = "rate_limit:{rule}:{id}"

// Rule is one named rate limit. Limits and periods are tunable through
// RATE_LIMIT_<RULE>_{LIMIT,PERIOD} env quads; identifier types and key
// templates are fixed in code.
type Rule struct {
	Name        string
	Limit       int
	Period      time.Duration
	Identifier  IdentifierType
	KeyTemplate string
}

// Key renders the rule's KV key for one identifier.
func (r Rule) Key(id string) string {
	template := r.KeyTemplate
	if template == "" {
		template = DefaultKeyTemplate
	}
	key := strings.ReplaceAll(template, "{rule}", r.Name)
	return strings.ReplaceAll(key, "{id}", id)
}

// DefaultRules returns the per-endpoint limits shipped with the gateway.
func DefaultRules() map[string]Rule {
	rules := map[string]Rule{
		"webhook":        {Limit: 100, Period: 60 * time.Second, Identifier: IdentifierIP},
		"signup":         {Limit: 30, Period: 60 * time.Second, Identifier: IdentifierIP},
		"check_phone":    {Limit: 10, Period: 60 * time.Second, Identifier: IdentifierPhone},
		"check_email":    {Limit: 10, Period: 60 * time.Second, Identifier: IdentifierPhone},
		"create_account": {Limit: 5, Period: 300 * time.Second, Identifier: IdentifierPhone},
		"send_email_otp": {Limit: 3, Period: 300 * time.Second, Identifier: IdentifierEmail},
		"verify_email":   {Limit: 10, Period: 300 * time.Second, Identifier: IdentifierEmail},
		"get_user_info":  {Limit: 20, Period: 60 * time.Second, Identifier: IdentifierIP},
	}
	for name, rule := range rules {
		rule.Name = name
		rule.KeyTemplate = DefaultKeyTemplate
		rules[name] = rule
	}
	return rules
}

// Load merges env overrides into the default rules. Unknown rule names in
// the environment create IP-keyed rules so operators can gate new endpoints
// without a deploy.
func Load(overrides map[string]config.RateLimitOverride) map[string]Rule {
	rules := DefaultRules()
	for name, o := range overrides {
		rule, ok := rules[name]
		if !ok {
			rule = Rule{Name: name, Identifier: IdentifierIP, KeyTemplate: DefaultKeyTemplate}
		}
		if o.Limit > 0 {
			rule.Limit = o.Limit
		}
		if o.Period > 0 {
			rule.Period = o.Period
		}
		rules[name] = rule
	}
	return rules
}
