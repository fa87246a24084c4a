package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// TxType identifies the category of a confirmed ledger transaction.
type TxType string

const (
	TxTypeMessage TxType = "message"
	TxTypePayment TxType = "payment"
)

// Indexed reports whether transactions of this type belong to a chat timeline.
func (t TxType) Indexed() bool {
	return t == TxTypeMessage || t == TxTypePayment
}

// Transaction is a confirmed ledger transaction as delivered by the feed.
type Transaction struct {
	ID                 string    `json:"id" validate:"required"`
	Type               TxType    `json:"type" validate:"required"`
	SenderAddress      string    `json:"senderId" validate:"required"`
	SenderPublicKey    string    `json:"senderPublicKey,omitempty"`
	RecipientAddress   string    `json:"recipientId" validate:"required,nefield=SenderAddress"`
	RecipientPublicKey string    `json:"recipientPublicKey,omitempty"`
	Payload            *Payload  `json:"payload,omitempty"`
	Amount             uint64    `json:"amount"`
	BlockHeight        uint64    `json:"height" validate:"required,gt=0"`
	BlockIndex         uint32    `json:"blockIndex"`
	Timestamp          time.Time `json:"timestamp"`
}

// Payload is the chat asset carried by a message transaction.
type Payload struct {
	Message    string `json:"message"`
	OwnMessage string `json:"own_message"`
	Type       int    `json:"type"`
}

// Block groups the confirmed transactions of a single height.
type Block struct {
	Height       uint64        `json:"height"`
	Transactions []Transaction `json:"transactions"`
}

var validate = validator.New()

// Validate checks that the transaction carries every field the aggregator needs.
// The returned error wraps ErrMalformedTransaction.
func (tx *Transaction) Validate() error {
	if err := validate.Struct(tx); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedTransaction, formatValidationError(err))
	}
	return nil
}

// OrderingKey returns the position of the transaction in confirmation order.
func (tx *Transaction) OrderingKey() OrderingKey {
	return OrderingKey{Height: tx.BlockHeight, Index: tx.BlockIndex, TxID: tx.ID}
}

func formatValidationError(err error) string {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "gt":
			msgs = append(msgs, fmt.Sprintf("%s must be greater than %s", field, e.Param()))
		case "nefield":
			msgs = append(msgs, fmt.Sprintf("%s must differ from %s", field, strings.ToLower(e.Param())))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", field))
		}
	}
	return strings.Join(msgs, "; ")
}
