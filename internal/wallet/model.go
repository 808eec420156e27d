package wallet

import "time"

// Balance encapsulates available funds for a customer wallet.
type Balance struct {
	CustomerID string    `json:"customerId"`
	Amount     int64     `json:"balance"`
	AsOf       time.Time `json:"asOf"`
}

// Affordability is the advisory outcome of CanAfford. Debit re-checks the
// balance atomically regardless of this result.
type Affordability struct {
	OK        bool
	Balance   int64
	Shortfall int64
}

// DebitInput describes a completed charge against a wallet.
type DebitInput struct {
	CustomerID  string
	Amount      int64
	Description string
	Reference   string
	Metadata    map[string]any
}

// CreditInput describes a top-up awaiting provider confirmation.
type CreditInput struct {
	CustomerID    string
	Amount        int64
	Reference     string
	PaymentMethod string
	Description   string
	Metadata      map[string]any
}
