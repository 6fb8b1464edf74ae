package ports

import "time"

const (
	DefaultTransferCurrency = "USDT"           // wallet.transfer currency when the caller omits it
	DefaultEntriesLimit     = 100              // ledger history page size
	MaxEntriesLimit         = 1000             // upper bound for ledger history page size
	IdempotencyKeyTTL       = 24 * time.Hour   // how long a stored response is replayed
	IdempotencyPendingTTL   = 30 * time.Second // marker lifetime while the first request is in flight
)
