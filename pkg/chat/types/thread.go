package types

import (
	"strings"
	"time"
)

// ThreadKeySeparator joins the two addresses of a ThreadKey. Valid addresses never contain it.
const ThreadKeySeparator = ":"

// ThreadKey is the canonical, direction-independent identifier of an account pair.
// Build it with threadkey.Resolver; the lower address always comes first.
type ThreadKey string

// Participants splits the key into its two addresses in canonical order.
func (k ThreadKey) Participants() (string, string) {
	lo, hi, _ := strings.Cut(string(k), ThreadKeySeparator)
	return lo, hi
}

// Has reports whether address is one of the two participants.
func (k ThreadKey) Has(address string) bool {
	lo, hi := k.Participants()
	return address != "" && (address == lo || address == hi)
}

// Other returns the counterpart of address, or "" when address is not a participant.
func (k ThreadKey) Other(address string) string {
	lo, hi := k.Participants()
	switch address {
	case lo:
		return hi
	case hi:
		return lo
	}
	return ""
}

// Participant is an account as seen on the ledger.
type Participant struct {
	Address   string `json:"address"`
	PublicKey string `json:"publicKey"`
}

// EntryKind tags a timeline entry.
type EntryKind string

const (
	EntryKindMessage EntryKind = "message"
	EntryKindPayment EntryKind = "payment"
)

// KindOf maps a transaction type onto the timeline entry kind.
func KindOf(t TxType) (EntryKind, bool) {
	switch t {
	case TxTypeMessage:
		return EntryKindMessage, true
	case TxTypePayment:
		return EntryKindPayment, true
	}
	return "", false
}

// TimelineEntry is one confirmed transaction projected into a thread.
type TimelineEntry struct {
	Kind             EntryKind   `json:"kind"`
	TransactionID    string      `json:"id"`
	SenderAddress    string      `json:"senderId"`
	SenderPublicKey  string      `json:"senderPublicKey,omitempty"`
	RecipientAddress string      `json:"recipientId"`
	Payload          *Payload    `json:"payload,omitempty"`
	Amount           uint64      `json:"amount"`
	Timestamp        time.Time   `json:"timestamp"`
	Order            OrderingKey `json:"order"`
}

// NewTimelineEntry projects tx into a timeline entry. tx must be of an indexed type.
func NewTimelineEntry(tx *Transaction) TimelineEntry {
	kind, _ := KindOf(tx.Type)
	return TimelineEntry{
		Kind:             kind,
		TransactionID:    tx.ID,
		SenderAddress:    tx.SenderAddress,
		SenderPublicKey:  tx.SenderPublicKey,
		RecipientAddress: tx.RecipientAddress,
		Payload:          tx.Payload,
		Amount:           tx.Amount,
		Timestamp:        tx.Timestamp,
		Order:            tx.OrderingKey(),
	}
}

// Thread is the aggregate state of the conversation between two accounts.
// Entries live separately in the store; Thread only carries the summary.
type Thread struct {
	Key ThreadKey `json:"key"`
	// Participants in canonical (key) order.
	Participants [2]Participant `json:"participants"`
	MessageCount uint64         `json:"messageCount"`
	PaymentCount uint64         `json:"paymentCount"`
	// LastMessage is the newest message entry, nil for payment-only threads.
	LastMessage *TimelineEntry `json:"lastMessage,omitempty"`
	// LastEntry is the newest entry of any kind.
	LastEntry *TimelineEntry `json:"lastEntry,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NewThread creates an empty thread for key.
func NewThread(key ThreadKey) *Thread {
	lo, hi := key.Participants()
	return &Thread{
		Key:          key,
		Participants: [2]Participant{{Address: lo}, {Address: hi}},
	}
}

// Clone returns a deep copy safe to mutate.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	out := *t
	if t.LastMessage != nil {
		m := *t.LastMessage
		out.LastMessage = &m
	}
	if t.LastEntry != nil {
		e := *t.LastEntry
		out.LastEntry = &e
	}
	return &out
}

// Participant returns the participant record for address.
func (t *Thread) Participant(address string) (Participant, bool) {
	for _, p := range t.Participants {
		if p.Address == address {
			return p, true
		}
	}
	return Participant{}, false
}

// LearnPublicKey records the public key of a participant the first time it is observed.
// It reports whether the thread changed.
func (t *Thread) LearnPublicKey(address, publicKey string) bool {
	if publicKey == "" {
		return false
	}
	for i := range t.Participants {
		if t.Participants[i].Address == address && t.Participants[i].PublicKey == "" {
			t.Participants[i].PublicKey = publicKey
			return true
		}
	}
	return false
}

// Apply folds entry into the summary: counts and last-activity pointers.
// The pointers only move forward, so a late entry never hides a newer one.
func (t *Thread) Apply(entry TimelineEntry) {
	e := entry
	switch entry.Kind {
	case EntryKindMessage:
		t.MessageCount++
		if t.LastMessage == nil || t.LastMessage.Order.Less(e.Order) {
			t.LastMessage = &e
		}
	case EntryKindPayment:
		t.PaymentCount++
	}
	if t.LastEntry == nil || t.LastEntry.Order.Less(e.Order) {
		t.LastEntry = &e
	}
	if t.CreatedAt.IsZero() || entry.Timestamp.Before(t.CreatedAt) {
		t.CreatedAt = entry.Timestamp
	}
}

// LastActivity returns the newest entry visible under the payment filter.
func (t *Thread) LastActivity(includePayments bool) *TimelineEntry {
	if includePayments {
		return t.LastEntry
	}
	return t.LastMessage
}
