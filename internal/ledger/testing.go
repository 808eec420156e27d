package ledger

// SeedBalance is a test helper that sets a customer's balance when using the
// in-memory store.
func SeedBalance(s Store, customerID string, amount int64) {
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		c := mem.customers[customerID]
		c.WalletBalance = amount
		mem.customers[customerID] = c
	}
}
