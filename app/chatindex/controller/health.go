package controller

import (
	"net/http"

	chatstore "github.com/canopy-network/chatindex/pkg/db/chat"
)

type healthResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Cursor uint64          `json:"cursor"`
	Store  chatstore.Stats `json:"store"`
	Redis  string          `json:"redis"`
}

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	out := healthResponse{Status: "ok", Redis: "disabled", Store: c.App.Store.Stats()}

	cursor, err := c.App.Store.Cursor(ctx)
	if err != nil {
		out.Status, out.Error = "errored", "thread store error"
		writeJSON(w, http.StatusInternalServerError, out)
		return
	}
	out.Cursor = cursor

	// Redis only feeds live updates and new blocks; reads keep working without it.
	if c.App.RedisClient != nil {
		out.Redis = "ok"
		if err := c.App.RedisClient.Health(ctx); err != nil {
			out.Redis = "errored"
		}
	}

	writeJSON(w, http.StatusOK, out)
}
