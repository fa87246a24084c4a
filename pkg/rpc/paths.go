package rpc

// Ledger API paths. All paths are consolidated here.

const (
	// Chain head
	heightPath = "/api/blocks/getHeight"

	// Confirmed transactions, filtered by height range
	transactionsPath = "/api/transactions"
)
