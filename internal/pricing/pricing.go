package pricing

import (
	"fmt"
	"strings"
)

// Price is the billable identity of a route.
type Price struct {
	ServiceCode string `json:"serviceCode"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// Free reports whether the route is metered at zero cost.
func (p Price) Free() bool { return p.Amount == 0 }

// Rule binds a method and path pattern to a price. Path segments starting
// with ':' match any single segment.
type Rule struct {
	Method string
	Path   string
	Price  Price
}

// DefaultRules is the built-in catalogue. Amounts are in minor units (kobo).
func DefaultRules() []Rule {
	return []Rule{
		{Method: "POST", Path: "/api/v1/identity/nin", Price: Price{ServiceCode: "NIN_VERIFY", Amount: 10_000, Description: "National identity number lookup"}},
		{Method: "POST", Path: "/api/v1/identity/bvn", Price: Price{ServiceCode: "BVN_VERIFY", Amount: 10_000, Description: "Bank verification number lookup"}},
		{Method: "POST", Path: "/api/v1/identity/phone", Price: Price{ServiceCode: "PHONE_VERIFY", Amount: 5_000, Description: "Phone number lookup"}},
		{Method: "POST", Path: "/api/v1/business/cac", Price: Price{ServiceCode: "CAC_LOOKUP", Amount: 20_000, Description: "Company registry lookup"}},
		{Method: "POST", Path: "/api/v1/business/tin", Price: Price{ServiceCode: "TIN_LOOKUP", Amount: 15_000, Description: "Tax identification number lookup"}},
		{Method: "GET", Path: "/api/v1/wallet/balance", Price: Price{ServiceCode: "WALLET_BALANCE", Description: "Wallet balance"}},
		{Method: "GET", Path: "/api/v1/wallet/transactions", Price: Price{ServiceCode: "WALLET_TRANSACTIONS", Description: "Wallet history"}},
		{Method: "GET", Path: "/api/v1/wallet/transactions/:reference", Price: Price{ServiceCode: "WALLET_TRANSACTION", Description: "Wallet transaction status"}},
	}
}

// Resolver maps (method, path) to a Price. It is immutable once built.
type Resolver struct {
	rules []compiledRule
}

type compiledRule struct {
	method   string
	segments []string
	price    Price
}

// NewResolver compiles rules and applies per-service-code amount overrides.
func NewResolver(rules []Rule, overrides map[string]int64) (*Resolver, error) {
	r := &Resolver{}
	seen := map[string]bool{}
	for _, rule := range rules {
		if rule.Price.ServiceCode == "" {
			return nil, fmt.Errorf("pricing rule %s %s has no service code", rule.Method, rule.Path)
		}
		if rule.Price.Amount < 0 {
			return nil, fmt.Errorf("pricing rule %s has a negative amount", rule.Price.ServiceCode)
		}
		price := rule.Price
		if amount, ok := overrides[price.ServiceCode]; ok {
			price.Amount = amount
		}
		seen[price.ServiceCode] = true
		r.rules = append(r.rules, compiledRule{
			method:   strings.ToUpper(rule.Method),
			segments: split(rule.Path),
			price:    price,
		})
	}
	for code := range overrides {
		if !seen[code] {
			return nil, fmt.Errorf("pricing override for unknown service code %s", code)
		}
	}
	return r, nil
}

// Resolve returns the price of a route. ok is false for unbilled routes.
// Literal segments match case-insensitively so a router that folds case
// never reaches a billed handler unpriced.
func (r *Resolver) Resolve(method, path string) (Price, bool) {
	method = strings.ToUpper(method)
	segments := split(path)

	for _, rule := range r.rules {
		if rule.method == method && match(rule.segments, segments) {
			return rule.price, true
		}
	}
	return Price{}, false
}

// Catalogue lists every configured price.
func (r *Resolver) Catalogue() []Price {
	out := make([]Price, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule.price)
	}
	return out
}

func split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func match(pattern, segments []string) bool {
	if len(pattern) != len(segments) {
		return false
	}
	for i, p := range pattern {
		if strings.HasPrefix(p, ":") {
			continue
		}
		if !strings.EqualFold(p, segments[i]) {
			return false
		}
	}
	return true
}
