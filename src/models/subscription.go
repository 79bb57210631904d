package models

import (
	"fmt"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Subscription Criteria
// -----------------------------------------------------------------------------

// MCriteria is a user's interest filter. Empty sets match any value.
type MCriteria struct {
	EventType     string   `json:"event_type"`
	Symbols       []string `json:"symbols,omitempty"`
	Tiers         []string `json:"tiers,omitempty"`
	PatternTypes  []string `json:"pattern_types,omitempty"`
	MinConfidence float64  `json:"min_confidence,omitempty"`
}

// Validate reports the first problem that makes the filter unusable.
func (c *MCriteria) Validate() error {
	if strings.TrimSpace(c.EventType) == "" {
		return fmt.Errorf("event_type is required")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min_confidence %v outside [0,1]", c.MinConfidence)
	}
	for name, set := range map[string][]string{
		"symbols":       c.Symbols,
		"tiers":         c.Tiers,
		"pattern_types": c.PatternTypes,
	} {
		for _, v := range set {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("%s contains an empty value", name)
			}
		}
	}
	return nil
}

// Normalize trims values and removes duplicates in place.
func (c *MCriteria) Normalize() {
	c.EventType = strings.TrimSpace(c.EventType)
	c.Symbols = dedupe(c.Symbols)
	c.Tiers = dedupe(c.Tiers)
	c.PatternTypes = dedupe(c.PatternTypes)
}

// Matches is the reference predicate the index must agree with.
func (c *MCriteria) Matches(e *MEvent) bool {
	if c.EventType != e.Type {
		return false
	}
	if !inSet(c.Symbols, e.Symbol) || !inSet(c.Tiers, e.Tier) || !inSet(c.PatternTypes, e.PatternType) {
		return false
	}
	return e.Confidence >= c.MinConfidence
}

func inSet(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// -----------------------------------------------------------------------------
// Subscription
// -----------------------------------------------------------------------------

type MSubscription struct {
	ID        string    `json:"subscription_id"`
	UserID    string    `json:"user_id"`
	Criteria  MCriteria `json:"criteria"`
	CreatedAt time.Time `json:"created_at"`
}
