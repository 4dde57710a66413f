package models

// TokenType identifies the asset a deposit was paid in
type TokenType string

const (
	TokenTypeSOL      TokenType = "SOL"
	TokenTypeSlashbot TokenType = "SLASHBOT"
)

// Valid reports whether t names a supported deposit asset.
func (t TokenType) Valid() bool {
	return t == TokenTypeSOL || t == TokenTypeSlashbot
}

// Deposit is the permanent record of a finalized on-chain deposit. It is
// written once per transaction signature.
type Deposit struct {
	Signature      string    `json:"signature" db:"signature"`
	WalletAddress  string    `json:"walletAddress" db:"wallet_address"`
	Amount         float64   `json:"amount" db:"amount"`
	TokenType      TokenType `json:"tokenType" db:"token_type"`
	CreditsAwarded int64     `json:"creditsAwarded" db:"credits_awarded"`
	Timestamp      int64     `json:"timestamp" db:"finalized_at_ms"`
}

// Balance is the balance query response.
type Balance struct {
	WalletAddress string `json:"walletAddress"`
	Credits       int64  `json:"credits"`
	LastUpdated   string `json:"lastUpdated"`
}
