package models

// -----------------------------------------------------------------------------
// Client -> server control messages
// -----------------------------------------------------------------------------

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

type MClientCommand struct {
	Action         string     `json:"action"`
	Criteria       *MCriteria `json:"criteria,omitempty"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
}

// -----------------------------------------------------------------------------
// Server -> client messages
// -----------------------------------------------------------------------------

const (
	MessageEventBatch   = "event_batch"
	MessageSubscribed   = "subscribed"
	MessageUnsubscribed = "unsubscribed"
	MessageError        = "error"
)

// MEventBatch is the outbound delivery envelope, one per priority tier flush.
type MEventBatch struct {
	Type     string   `json:"type"`
	Priority Priority `json:"priority"`
	Events   []MEvent `json:"events"`
}

type MControlReply struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Error          string `json:"error,omitempty"`
}
