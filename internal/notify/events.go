// README: Typed event contract consumed by the external real-time transport.
package notify

import (
	"context"
	"fmt"
	"time"

	"rickqueue/internal/types"
)

// GroupUpdate tells members the group's composition changed.
type GroupUpdate struct {
	Type        string    `json:"type"`
	GroupID     types.ID  `json:"group_id"`
	CurrentSize int       `json:"current_size"`
	MaxSize     int       `json:"max_size"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// GroupReady announces a dispatch decision with the pickup QR token.
type GroupReady struct {
	Type           string    `json:"type"`
	GroupID        types.ID  `json:"group_id"`
	QRCode         string    `json:"qr_code"`
	PassengerCount int       `json:"passenger_count"`
	Message        string    `json:"message"`
	Instruction    string    `json:"instruction"`
	Timestamp      time.Time `json:"timestamp"`
}

// Decision carries a scheduler WAIT/CANCEL outcome with its human-readable
// reason.
type Decision struct {
	Type      string    `json:"type"`
	GroupID   types.ID  `json:"group_id"`
	Decision  string    `json:"decision"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// UserLeft tells remaining members someone gave up their seat.
type UserLeft struct {
	Type        string    `json:"type"`
	GroupID     types.ID  `json:"group_id"`
	CurrentSize int       `json:"current_size"`
	MaxSize     int       `json:"max_size"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher is the boundary to the real-time transport. Delivery is
// at-least-once; implementations must preserve ordering within one group's
// event stream. A nil error from PublishGroupReady is the hand-off
// acknowledgement the scheduler waits for before marking a group DISPATCHED.
type Publisher interface {
	PublishGroupUpdate(ctx context.Context, ev GroupUpdate) error
	PublishGroupReady(ctx context.Context, ev GroupReady) error
	PublishDecision(ctx context.Context, ev Decision) error
	PublishUserLeft(ctx context.Context, ev UserLeft) error
}

// NewGroupUpdate fills the boilerplate fields and the member-facing message.
func NewGroupUpdate(groupID types.ID, size, maxSize int, now time.Time) GroupUpdate {
	return GroupUpdate{
		Type:        "group_update",
		GroupID:     groupID,
		CurrentSize: size,
		MaxSize:     maxSize,
		Message:     sizeMessage(size, maxSize),
		Timestamp:   now,
	}
}

func NewGroupReady(groupID types.ID, qrCode string, passengers int, now time.Time) GroupReady {
	return GroupReady{
		Type:           "group_ready",
		GroupID:        groupID,
		QRCode:         qrCode,
		PassengerCount: passengers,
		Message:        fmt.Sprintf("Your group is ready! (%d passengers)", passengers),
		Instruction:    "A driver will be assigned soon. Have your QR code ready!",
		Timestamp:      now,
	}
}

func NewDecision(groupID types.ID, decision, message string, now time.Time) Decision {
	return Decision{
		Type:      "ai_decision",
		GroupID:   groupID,
		Decision:  decision,
		Message:   message,
		Timestamp: now,
	}
}

func NewUserLeft(groupID types.ID, size, maxSize int, now time.Time) UserLeft {
	return UserLeft{
		Type:        "user_left",
		GroupID:     groupID,
		CurrentSize: size,
		MaxSize:     maxSize,
		Message:     fmt.Sprintf("A passenger left the group (%d/%d seats filled)", size, maxSize),
		Timestamp:   now,
	}
}

func sizeMessage(size, maxSize int) string {
	if size >= maxSize {
		return "Your group is full and will be dispatched shortly!"
	}
	remaining := maxSize - size
	if remaining == 1 {
		return fmt.Sprintf("%d/%d seats filled. One more passenger to go!", size, maxSize)
	}
	return fmt.Sprintf("%d/%d seats filled. Waiting for %d more passengers.", size, maxSize, remaining)
}
