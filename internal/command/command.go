package command

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nerrad567/homesync/internal/entity"
)

// Command targets one entity of one device.
type Command struct {
	DeviceID  string       `json:"deviceId"`
	EntityID  string       `json:"entityId"`
	Value     entity.Value `json:"command"`
	RequestID string       `json:"requestId,omitempty"`
}

// Validate checks that the command names a target and carries a value.
func (c Command) Validate() error {
	switch {
	case c.DeviceID == "":
		return fmt.Errorf("%w: device id is required", ErrInvalidCommand)
	case c.EntityID == "":
		return fmt.Errorf("%w: entity id is required", ErrInvalidCommand)
	case c.Value.IsZero():
		return fmt.Errorf("%w: value is required", ErrInvalidCommand)
	}
	return nil
}

// NewRequestID returns a fresh request id.
func NewRequestID() string {
	return uuid.NewString()
}

// Sender delivers commands to the backend. The transport client and the
// REST client both implement it.
type Sender interface {
	SendCommand(ctx context.Context, cmd Command) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, cmd Command) error

// SendCommand calls f.
func (f SenderFunc) SendCommand(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}
