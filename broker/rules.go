package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Rule matches a permission and optionally its value. The value is a
// doublestar pattern; an empty value matches any request of the permission.
type Rule struct {
	Permission string
	Value      string
}

// ParseRule parses "permission" or "permission:pattern".
func ParseRule(s string) (Rule, error) {
	perm, value, _ := strings.Cut(s, ":")
	if perm == "" {
		return Rule{}, fmt.Errorf("rule %q: missing permission", s)
	}
	if value != "" && !doublestar.ValidatePattern(value) {
		return Rule{}, fmt.Errorf("rule %q: invalid pattern", s)
	}
	return Rule{Permission: perm, Value: value}, nil
}

func (r Rule) matches(req Request) bool {
	if r.Permission != req.Permission && r.Permission != "*" {
		return false
	}
	if r.Value == "" {
		return true
	}
	if req.Value == nil {
		return false
	}
	ok, _ := doublestar.Match(r.Value, *req.Value)
	return ok
}

func (r Rule) String() string {
	if r.Value == "" {
		return r.Permission
	}
	return r.Permission + ":" + r.Value
}

// Rules is a static Decider. Deny rules win over allow rules; requests
// matching neither are denied.
type Rules struct {
	Allow []Rule
	Deny  []Rule
}

func (rs Rules) Decide(_ context.Context, req Request) Decision {
	for _, r := range rs.Deny {
		if r.matches(req) {
			return Decision{Reason: "denied by rule " + r.String()}
		}
	}
	for _, r := range rs.Allow {
		if r.matches(req) {
			return Decision{Allow: true}
		}
	}
	return Decision{Reason: "no matching allow rule"}
}
