package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/canopy-network/chatindex/pkg/chat/types"
)

// ChatUpdatedEvent is published once per participant after a thread append is committed.
type ChatUpdatedEvent struct {
	Type   string              `json:"type"`
	Thread types.ThreadKey     `json:"thread"`
	Entry  types.TimelineEntry `json:"entry"`
}

// ChatUpdatedType is the event type carried by ChatUpdatedEvent.
const ChatUpdatedType = "chat.updated"

// ChatChannel returns the Pub/Sub channel for chat updates of address.
func ChatChannel(address string) string {
	return fmt.Sprintf("chat:%s:updated", address)
}

// ChannelAddress returns the address of a ChatChannel name, or "" when channel is not one.
func ChannelAddress(channel string) string {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "chat" || parts[2] != "updated" {
		return ""
	}
	return parts[1]
}

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// Notifier publishes chat updates to both participants' channels.
type Notifier struct {
	pub publisher
}

// NewNotifier returns a Notifier publishing through client.
func NewNotifier(client *Client) *Notifier {
	return &Notifier{pub: client}
}

// ThreadUpdated publishes entry to the channel of each participant.
func (n *Notifier) ThreadUpdated(ctx context.Context, thread *types.Thread, entry types.TimelineEntry) error {
	payload, err := json.Marshal(ChatUpdatedEvent{Type: ChatUpdatedType, Thread: thread.Key, Entry: entry})
	if err != nil {
		return err
	}
	lo, hi := thread.Key.Participants()
	var errs []error
	for _, addr := range []string{lo, hi} {
		if err := n.pub.Publish(ctx, ChatChannel(addr), payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
