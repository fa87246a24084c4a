package controller

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/canopy-network/chatindex/pkg/chat/query"
	chattypes "github.com/canopy-network/chatindex/pkg/chat/types"
)

const (
	codeInvalidAccount = "INVALID_ACCOUNT"
	codeInvalidQuery   = "INVALID_QUERY"
	codeInternal       = "INTERNAL_ERROR"
)

// chatsResponse keeps the chatrooms wire format: count is a decimal string.
type chatsResponse struct {
	Success bool         `json:"success"`
	Count   string       `json:"count"`
	Chats   []query.Chat `json:"chats"`
}

type messagesResponse struct {
	Success      bool                      `json:"success"`
	Count        string                    `json:"count"`
	Messages     []chattypes.TimelineEntry `json:"messages"`
	Participants []chattypes.Participant   `json:"participants"`
}

// HandleChats lists the chats of an account, most recent activity first.
// Query parameters:
//   - withPayments: include payment-only chats (bare flag, "true" or "1")
//   - limit, offset: page window (default/max defined in parsePageSpec)
func (c *Controller) HandleChats(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	page, err := parsePageSpec(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidQuery, err.Error())
		return
	}

	list, err := c.App.Query.ListChats(r.Context(), address, query.Options{
		IncludePayments: page.IncludePayments,
		Limit:           page.Limit,
		Offset:          page.Offset,
	})
	if err != nil {
		c.queryFailed(w, r, err)
		return
	}

	chats := list.Chats
	if chats == nil {
		chats = []query.Chat{}
	}
	writeJSON(w, http.StatusOK, chatsResponse{
		Success: true,
		Count:   strconv.Itoa(list.Count),
		Chats:   chats,
	})
}

// HandleMessages returns the timeline between two accounts in confirmation order.
// Accepts the same query parameters as HandleChats.
func (c *Controller) HandleMessages(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	page, err := parsePageSpec(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidQuery, err.Error())
		return
	}

	list, err := c.App.Query.ListMessages(r.Context(), vars["address"], vars["companion"], query.Options{
		IncludePayments: page.IncludePayments,
		Limit:           page.Limit,
		Offset:          page.Offset,
	})
	if err != nil {
		c.queryFailed(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messagesResponse{
		Success:      true,
		Count:        strconv.Itoa(list.Count),
		Messages:     list.Messages,
		Participants: list.Participants,
	})
}

func (c *Controller) queryFailed(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, chattypes.ErrInvalidAccount) {
		writeError(w, http.StatusBadRequest, codeInvalidAccount, err.Error())
		return
	}
	c.App.Logger.Error("Chat query failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternal, "query failed")
}
