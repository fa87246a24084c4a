package types

import "errors"

var (
	// ErrInvalidAccount is returned when an address or public key is malformed.
	ErrInvalidAccount = errors.New("invalid account")

	// ErrMalformedTransaction marks a feed record the aggregator cannot use.
	// Ingestion logs and skips it; it never stops the stream.
	ErrMalformedTransaction = errors.New("malformed transaction")
)
