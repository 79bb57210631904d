package models

import "time"

// MRoutingDecision is the cached outcome of routing one fingerprint.
// Never mutated after it is stored.
type MRoutingDecision struct {
	Fingerprint    string    `json:"fingerprint"`
	TargetUserIDs  []string  `json:"target_user_ids"`
	Strategy       string    `json:"strategy"`
	Generation     uint64    `json:"generation"`
	ValidUntil     time.Time `json:"valid_until"`
	BypassBatching bool      `json:"bypass_batching"`
}
