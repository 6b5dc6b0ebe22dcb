package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/batchd/internal/client"
	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/repos"
)

type InstancesHandler struct {
	client *client.Client
}

func NewInstancesHandler(cl *client.Client) *InstancesHandler {
	return &InstancesHandler{client: cl}
}

type enqueueRequest struct {
	ApplicationName string            `json:"application_name" binding:"required"`
	Queue           string            `json:"queue,omitempty"`
	Priority        *int              `json:"priority,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	Application     string            `json:"application,omitempty"`
	Module          string            `json:"module,omitempty"`
	Keyword1        string            `json:"keyword1,omitempty"`
	Keyword2        string            `json:"keyword2,omitempty"`
	Keyword3        string            `json:"keyword3,omitempty"`
	SessionID       string            `json:"session_id,omitempty"`
	User            string            `json:"user,omitempty"`
	Mail            string            `json:"mail,omitempty"`
}

// POST /api/instances
func (h *InstancesHandler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	inst, err := h.client.Enqueue(c.Request.Context(), client.EnqueueOptions{
		ApplicationName: req.ApplicationName,
		QueueName:       req.Queue,
		Priority:        req.Priority,
		Parameters:      req.Parameters,
		Application:     req.Application,
		Module:          req.Module,
		Keyword1:        req.Keyword1,
		Keyword2:        req.Keyword2,
		Keyword3:        req.Keyword3,
		SessionID:       req.SessionID,
		User:            req.User,
		Mail:            req.Mail,
	})
	if err != nil {
		respondRepoError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"instance": inst})
}

// GET /api/instances
func (h *InstancesHandler) List(c *gin.Context) {
	f := repos.ListFilter{
		State:       domain.State(c.Query("state")),
		Application: c.Query("application"),
		User:        c.Query("user"),
	}
	if v := c.Query("queue_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_queue_id", err)
			return
		}
		f.QueueID = id
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_limit", err)
			return
		}
		f.Limit = n
	}

	if c.Query("history") == "true" {
		records, err := h.client.ListHistory(c.Request.Context(), f)
		if err != nil {
			respondRepoError(c, err)
			return
		}
		RespondOK(c, gin.H{"history": records})
		return
	}
	instances, err := h.client.List(c.Request.Context(), f)
	if err != nil {
		respondRepoError(c, err)
		return
	}
	RespondOK(c, gin.H{"instances": instances})
}

// GET /api/instances/:id
func (h *InstancesHandler) Get(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	st, err := h.client.GetStatus(c.Request.Context(), id)
	if err != nil {
		respondRepoError(c, err)
		return
	}
	RespondOK(c, gin.H{"instance": st})
}

// GET /api/instances/:id/messages
func (h *InstancesHandler) Messages(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	msgs, err := h.client.Messages(c.Request.Context(), id)
	if err != nil {
		respondRepoError(c, err)
		return
	}
	RespondOK(c, gin.H{"messages": msgs})
}

// GET /api/instances/:id/progress
func (h *InstancesHandler) Progress(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	progress, err := h.client.Progress(c.Request.Context(), id)
	if err != nil {
		respondRepoError(c, err)
		return
	}
	RespondOK(c, gin.H{"instance_id": id, "progress": progress})
}

// GET /api/instances/:id/deliverables
func (h *InstancesHandler) Deliverables(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	ds, err := h.client.Deliverables(c.Request.Context(), id)
	if err != nil {
		respondRepoError(c, err)
		return
	}
	RespondOK(c, gin.H{"deliverables": ds})
}

// POST /api/instances/:id/kill
func (h *InstancesHandler) Kill(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := h.client.Kill(c.Request.Context(), id, req.Reason); err != nil {
		respondRepoError(c, err)
		return
	}
	RespondOK(c, gin.H{"instance_id": id, "kill": "requested"})
}

// POST /api/instances/:id/pause
func (h *InstancesHandler) Pause(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	if err := h.client.Pause(c.Request.Context(), id); err != nil {
		respondRepoError(c, err)
		return
	}
	RespondOK(c, gin.H{"instance_id": id, "state": domain.StateHold})
}

// POST /api/instances/:id/resume
func (h *InstancesHandler) Resume(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	if err := h.client.Resume(c.Request.Context(), id); err != nil {
		respondRepoError(c, err)
		return
	}
	RespondOK(c, gin.H{"instance_id": id, "state": domain.StateSubmitted})
}

// POST /api/instances/:id/priority
func (h *InstancesHandler) SetPriority(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	var req struct {
		Priority *int `json:"priority" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Priority == nil {
		RespondError(c, http.StatusBadRequest, "invalid_priority", err)
		return
	}
	if err := h.client.SetPriority(c.Request.Context(), id, *req.Priority); err != nil {
		respondRepoError(c, err)
		return
	}
	RespondOK(c, gin.H{"instance_id": id, "priority": *req.Priority})
}

func instanceID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_instance_id", err)
		return 0, false
	}
	return id, true
}
