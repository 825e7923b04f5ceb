package archive

import (
	"context"
	"time"
)

// TurnRecord is one archived conversational turn.
type TurnRecord struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	TurnID    string    `json:"turn_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Mood      string    `json:"mood"`
	CreatedAt time.Time `json:"created_at"`
}

// Store archives completed turns. Writes are best-effort from the
// orchestrator's point of view; the in-memory session store stays
// authoritative for live conversations.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	Recent(ctx context.Context, deviceID string, limit int) ([]TurnRecord, error)
	Close() error
}
