package bus

// Event names for allocation lifecycle broadcasts.
const (
	EventRoomQueued    = "room.queued"
	EventRoomAssigned  = "room.assigned"
	EventRoomResolved  = "room.resolved"
	EventScanCompleted = "scan.completed"
)

// Event represents a server-side event broadcast to subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// RoomEventPayload describes a room lifecycle transition.
type RoomEventPayload struct {
	RoomID    int64  `json:"room_id"`
	ChannelID int64  `json:"channel_id"`
	AgentID   int64  `json:"agent_id,omitempty"`
	Delivery  string `json:"delivery,omitempty"` // webhook delivery id, when triggered by one
}

// ScanEventPayload summarizes one queue re-scan pass.
type ScanEventPayload struct {
	ChannelID int64 `json:"channel_id"`
	Scanned   int   `json:"scanned"`
	Assigned  int   `json:"assigned"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. Used by the
// allocation engine to decouple from concrete consumers (logging,
// telemetry, future integrations).
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
