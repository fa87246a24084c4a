package rpc

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/canopy-network/chatindex/pkg/chat/types"
)

// txPageSize is the page size requested from /api/transactions.
const txPageSize = 500

// TransactionsByHeight returns every confirmed transaction of one block, in the order the
// ledger lists them. The position in that order becomes the intra-block index.
func (c *HTTPClient) TransactionsByHeight(ctx context.Context, height uint64) ([]LedgerTransaction, error) {
	h := strconv.FormatUint(height, 10)
	var all []LedgerTransaction
	for offset := 0; ; offset += txPageSize {
		q := url.Values{}
		q.Set("fromHeight", h)
		q.Set("toHeight", h)
		q.Set("returnAsset", "1")
		q.Set("orderBy", "timestamp:asc")
		q.Set("limit", strconv.Itoa(txPageSize))
		q.Set("offset", strconv.Itoa(offset))

		var resp transactionsResponse
		if err := c.getJSON(ctx, transactionsPath, q, &resp); err != nil {
			return nil, fmt.Errorf("transactions at height %d: %w", height, err)
		}
		if !resp.Success {
			return nil, fmt.Errorf("transactions at height %d: ledger error: %s", height, resp.Error)
		}
		all = append(all, resp.Transactions...)
		if len(resp.Transactions) < txPageSize {
			return all, nil
		}
	}
}

// BlockByHeight fetches the transactions of height and converts them to index transactions.
func (c *HTTPClient) BlockByHeight(ctx context.Context, height uint64) (types.Block, error) {
	raw, err := c.TransactionsByHeight(ctx, height)
	if err != nil {
		return types.Block{}, err
	}
	block := types.Block{Height: height, Transactions: make([]types.Transaction, 0, len(raw))}
	for i := range raw {
		tx := raw[i].ToTransaction(uint32(i))
		if tx.BlockHeight == 0 {
			tx.BlockHeight = height
		}
		block.Transactions = append(block.Transactions, tx)
	}
	return block, nil
}

// ChainHead returns the current ledger height.
func (c *HTTPClient) ChainHead(ctx context.Context) (uint64, error) {
	var resp heightResponse
	if err := c.getJSON(ctx, heightPath, nil, &resp); err != nil {
		return 0, fmt.Errorf("chain head: %w", err)
	}
	if !resp.Success {
		return 0, fmt.Errorf("chain head: ledger error: %s", resp.Error)
	}
	return resp.Height, nil
}
