package types

import "github.com/DoyleJ11/packstation/internal/engine"

// StreamMessage is one frame on the order watch websocket.
type StreamMessage struct {
	Type    string        `json:"type"` // "OrderSnapshot" | "Error"
	Version int           `json:"version,omitempty"`
	Order   *engine.Order `json:"order,omitempty"`
	Error   string        `json:"error,omitempty"`
}

const (
	MsgOrderSnapshot = "OrderSnapshot"
	MsgError         = "Error"
)
