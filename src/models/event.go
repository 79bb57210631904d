package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Priority
// -----------------------------------------------------------------------------

// Priority controls batching bypass and burst eligibility.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// NumPriorities is the number of priority tiers.
const NumPriorities = 4

var priorityNames = [NumPriorities]string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
	return priorityNames[p]
}

// Urgent reports whether the priority skips the batch timer.
func (p Priority) Urgent() bool {
	return p >= PriorityHigh
}

// ParsePriority accepts the upper or lower case tier name.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "LOW":
		return PriorityLow, true
	case "MEDIUM":
		return PriorityMedium, true
	case "HIGH":
		return PriorityHigh, true
	case "CRITICAL":
		return PriorityCritical, true
	}
	return PriorityLow, false
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a string: %w", err)
	}
	parsed, ok := ParsePriority(s)
	if !ok {
		return fmt.Errorf("unknown priority %q", s)
	}
	*p = parsed
	return nil
}

// -----------------------------------------------------------------------------
// Event
// -----------------------------------------------------------------------------

// MEvent is a producer-generated event. Transient: discarded after dispatch.
type MEvent struct {
	ID          string         `json:"event_id"`
	Type        string         `json:"type"`
	Symbol      string         `json:"symbol,omitempty"`
	Tier        string         `json:"tier,omitempty"`
	PatternType string         `json:"pattern_type,omitempty"`
	Confidence  float64        `json:"confidence,omitempty"`
	Priority    Priority       `json:"priority"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AttributeKey encodes the indexed attributes of the event. Each value is
// length-prefixed, so values containing separators cannot collide. The
// subscription index extends it with a confidence class to build the cache
// fingerprint.
func (e *MEvent) AttributeKey() string {
	var b strings.Builder
	for _, v := range [...]string{e.Type, e.Symbol, e.Tier, e.PatternType} {
		b.WriteString(strconv.Itoa(len(v)))
		b.WriteByte(':')
		b.WriteString(v)
	}
	return b.String()
}

// Clone returns a copy with its own payload map.
func (e *MEvent) Clone() MEvent {
	c := *e
	if e.Payload != nil {
		c.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	return c
}
