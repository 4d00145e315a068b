package ledger

import "fmt"

// Fixed chart of accounts. Account identifiers are stable strings; the cash
// account is parameterized by PSP and currency so per-provider balances stay
// separable in the trial balance.
const (
	AccountsReceivable = "ACCOUNTS_RECEIVABLE"
	PlayerBalances     = "PLAYER_BALANCES"
	PSPFees            = "PSP_FEES"
	ChargebackLosses   = "CHARGEBACK_LOSSES"
	FXGainsLosses      = "FX_GAINS_LOSSES"
	GamingRevenue      = "GAMING_REVENUE"
)

// CashAccount returns the cash account for a PSP and currency, e.g.
// "CASH:stripe:USD".
func CashAccount(psp, currency string) string {
	return fmt.Sprintf("CASH:%s:%s", psp, currency)
}
