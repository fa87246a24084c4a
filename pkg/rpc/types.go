package rpc

import (
	"fmt"
	"time"

	"github.com/canopy-network/chatindex/pkg/chat/types"
)

// LedgerType is the numeric transaction type used by the ledger API.
type LedgerType int

const (
	LedgerTypeSend LedgerType = 0
	LedgerTypeChat LedgerType = 8
)

// LedgerEpoch is the origin of ledger timestamps, which count seconds from it.
var LedgerEpoch = time.Date(2017, time.September, 2, 17, 0, 0, 0, time.UTC)

// --- Response types

// LedgerTransaction is a confirmed transaction as returned by /api/transactions.
type LedgerTransaction struct {
	ID                 string     `json:"id"`
	Height             uint64     `json:"height"`
	BlockID            string     `json:"blockId"`
	Type               LedgerType `json:"type"`
	Timestamp          int64      `json:"timestamp"`
	SenderPublicKey    string     `json:"senderPublicKey"`
	SenderID           string     `json:"senderId"`
	RecipientID        string     `json:"recipientId"`
	RecipientPublicKey string     `json:"recipientPublicKey"`
	Amount             uint64     `json:"amount"`
	Fee                uint64     `json:"fee"`
	Confirmations      uint64     `json:"confirmations"`
	Asset              struct {
		Chat *ChatAsset `json:"chat,omitempty"`
	} `json:"asset"`
}

// ChatAsset is the payload of a chat transaction.
type ChatAsset struct {
	Message    string `json:"message"`
	OwnMessage string `json:"own_message"`
	Type       int    `json:"type"`
}

type transactionsResponse struct {
	Success      bool                `json:"success"`
	Error        string              `json:"error"`
	Transactions []LedgerTransaction `json:"transactions"`
}

type heightResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Height  uint64 `json:"height"`
}

// TxType maps the ledger type onto the index type. Types the index does not track map to
// "ledger:<n>" so the aggregator can recognise and ignore them.
func (t LedgerType) TxType() types.TxType {
	switch t {
	case LedgerTypeSend:
		return types.TxTypePayment
	case LedgerTypeChat:
		return types.TxTypeMessage
	}
	return types.TxType(fmt.Sprintf("ledger:%d", int(t)))
}

// ToTransaction converts the wire record. index is the position inside its block.
func (lt *LedgerTransaction) ToTransaction(index uint32) types.Transaction {
	tx := types.Transaction{
		ID:                 lt.ID,
		Type:               lt.Type.TxType(),
		SenderAddress:      lt.SenderID,
		SenderPublicKey:    lt.SenderPublicKey,
		RecipientAddress:   lt.RecipientID,
		RecipientPublicKey: lt.RecipientPublicKey,
		Amount:             lt.Amount,
		BlockHeight:        lt.Height,
		BlockIndex:         index,
		Timestamp:          LedgerEpoch.Add(time.Duration(lt.Timestamp) * time.Second),
	}
	if lt.Asset.Chat != nil {
		tx.Payload = &types.Payload{
			Message:    lt.Asset.Chat.Message,
			OwnMessage: lt.Asset.Chat.OwnMessage,
			Type:       lt.Asset.Chat.Type,
		}
	}
	return tx
}
