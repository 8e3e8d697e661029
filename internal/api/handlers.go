package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"lampbridge/internal/gateway"
)

type turnRequest struct {
	DeviceNumber string `json:"device_number" binding:"required"`
	MessageID    string `json:"message_id"`
	Status       *bool  `json:"status" binding:"required"`
	Duration     int    `json:"duration" binding:"min=0"`
}

// switchCommand is the wire body published on {ns}/{device}/oc/s.
type switchCommand struct {
	ID string `json:"id"`
	S  int    `json:"s"`
	D  int    `json:"d"`
}

func (s *Server) turn(c *gin.Context) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "device_number and status are required")
		return
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	cmd := switchCommand{ID: req.MessageID, D: req.Duration}
	if *req.Status {
		cmd.S = 1
	}
	payload, _ := json.Marshal(cmd)
	topic := gateway.SwitchTopic(s.cfg.Namespace, req.DeviceNumber)

	if err := s.gw.Publish(c.Request.Context(), topic, string(payload)); err != nil {
		s.log.Error().Err(err).Str("device", req.DeviceNumber).Msg("switch command publish failed")
		fail(c, http.StatusServiceUnavailable, "broker publish failed")
		return
	}
	if err := s.st.AppendCommand(c.Request.Context(), req.MessageID, req.DeviceNumber, string(payload)); err != nil {
		// The command is already on the wire; record failure is logged, not surfaced.
		s.log.Error().Err(err).Str("device", req.DeviceNumber).Msg("command audit write failed")
	}

	s.log.Info().Str("device", req.DeviceNumber).Str("message_id", req.MessageID).Msg("switch command published")
	c.JSON(http.StatusOK, gin.H{"message_id": req.MessageID})
}
