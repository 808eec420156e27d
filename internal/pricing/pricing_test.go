package pricing

import "testing"

func TestResolveDefaultCatalogue(t *testing.T) {
	r, err := NewResolver(DefaultRules(), nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	price, ok := r.Resolve("post", "/api/v1/identity/nin/")
	if !ok || price.ServiceCode != "NIN_VERIFY" || price.Amount != 10_000 {
		t.Fatalf("unexpected price %+v ok=%v", price, ok)
	}

	price, ok = r.Resolve("GET", "/api/v1/wallet/transactions/wlt_abc")
	if !ok || !price.Free() {
		t.Fatalf("expected free wallet route, got %+v ok=%v", price, ok)
	}

	if _, ok := r.Resolve("GET", "/api/v1/identity/nin"); ok {
		t.Fatalf("method mismatch must not resolve")
	}
	if _, ok := r.Resolve("POST", "/api/v1/wallet/topup"); ok {
		t.Fatalf("top-up must not be billed")
	}
}

func TestOverridesReplaceAmounts(t *testing.T) {
	r, err := NewResolver(DefaultRules(), map[string]int64{"CAC_LOOKUP": 35_000})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	price, _ := r.Resolve("POST", "/api/v1/business/cac")
	if price.Amount != 35_000 {
		t.Fatalf("expected override amount, got %d", price.Amount)
	}
}

func TestUnknownOverrideRejected(t *testing.T) {
	if _, err := NewResolver(DefaultRules(), map[string]int64{"NOPE": 1}); err == nil {
		t.Fatalf("expected error for unknown service code")
	}
}

func TestResolveIgnoresPathCase(t *testing.T) {
	r, err := NewResolver(DefaultRules(), nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	price, ok := r.Resolve("POST", "/API/v1/Business/CAC")
	if !ok || price.ServiceCode != "CAC_LOOKUP" || price.Amount != 20_000 {
		t.Fatalf("expected mixed-case path to be priced, got %+v ok=%v", price, ok)
	}
	price, ok = r.Resolve("GET", "/api/v1/wallet/transactions/WLT_ABC")
	if !ok || price.ServiceCode != "WALLET_TRANSACTION" {
		t.Fatalf("expected parameter segment to match, got %+v ok=%v", price, ok)
	}
}
