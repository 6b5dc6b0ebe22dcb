package handlers

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/batchd/internal/client"
)

type DeliverablesHandler struct {
	client *client.Client
}

func NewDeliverablesHandler(cl *client.Client) *DeliverablesHandler {
	return &DeliverablesHandler{client: cl}
}

// GET /api/deliverables/:id/content
func (h *DeliverablesHandler) Content(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_deliverable_id", err)
		return
	}
	d, rc, err := h.client.OpenDeliverable(c.Request.Context(), id)
	if err != nil {
		respondRepoError(c, err)
		return
	}
	defer rc.Close()

	name := d.Label
	if name == "" {
		name = filepath.Base(d.FilePath)
	}
	c.DataFromReader(http.StatusOK, d.SizeBytes, "application/octet-stream", rc, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", name),
	})
}
