package session

import (
	"time"

	"github.com/domiq-ai/domiq/internal/akool"
)

// CreateRequest defines the payload for starting an avatar session.
type CreateRequest struct {
	InstanceID string `json:"instance_id"`
	AvatarID   string `json:"avatar_id"`
}

// CreateResponse returns the started session to the embedded page.
type CreateResponse struct {
	InstanceID      string            `json:"instance_id"`
	SessionID       string            `json:"session_id"`
	Status          Status            `json:"status"`
	Credentials     akool.Credentials `json:"credentials"`
	StartedAt       time.Time         `json:"started_at"`
	InactivityTTLMS int64             `json:"inactivity_ttl_ms"`
}
