package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/abhinavkale-dev/ChatPulse/internal/relay"
	"github.com/abhinavkale-dev/ChatPulse/internal/transport/http/response"
)

// HistoryHandler serves room history over plain HTTP. It reads through
// the same cache/store path the relay uses, so REST and socket clients
// always see the same ordered view.
type HistoryHandler struct {
	relay *relay.Relay
}

func NewHistoryHandler(r *relay.Relay) *HistoryHandler {
	return &HistoryHandler{relay: r}
}

func (h *HistoryHandler) ListMessages(c *gin.Context) {
	room := strings.TrimSpace(c.Param("room"))
	if room == "" {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing room id")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	messages, err := h.relay.History(ctx, room)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list messages failed")
		return
	}

	response.OK(c, messages)
}
