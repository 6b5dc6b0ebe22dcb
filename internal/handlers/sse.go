package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/batchd/internal/platform/logger"
	"github.com/yungbote/batchd/internal/services"
	"github.com/yungbote/batchd/internal/sse"
)

type SSEHandler struct {
	log *logger.Logger
	hub *sse.Hub
}

func NewSSEHandler(hub *sse.Hub, baseLog *logger.Logger) *SSEHandler {
	return &SSEHandler{
		log: baseLog.With("handler", "SSEHandler"),
		hub: hub,
	}
}

// GET /sse/instances/:id
// Streams the lifecycle events of one instance until the client disconnects.
func (h *SSEHandler) StreamInstance(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_instance_id", err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		RespondError(c, http.StatusInternalServerError, "streaming_unsupported", fmt.Errorf("response writer cannot flush"))
		return
	}

	client := h.hub.NewClient(services.InstanceChannel(id))
	defer h.hub.Unsubscribe(client)
	h.log.Info("SSE stream open", "client_id", client.ID, "instance_id", id)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			h.log.Info("SSE stream closed", "client_id", client.ID)
			return
		case <-client.Done():
			return
		case msg := <-client.Outbound:
			data, err := json.Marshal(msg.Data)
			if err != nil {
				h.log.Warn("SSE payload marshal failed", "error", err)
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", msg.Event, data)
			flusher.Flush()
		}
	}
}
