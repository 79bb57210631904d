package routing

import (
	"hash/fnv"
	"strconv"

	"signal-hub/src/models"
)

// Strategy names as they appear in routing decisions and config.
const (
	StrategyBroadcastAll  = "broadcast_all"
	StrategyContentBased  = "content_based"
	StrategyPriorityFirst = "priority_first"
	StrategyLoadBalanced  = "load_balanced"
)

// Strategy decides which users receive an event.
type Strategy interface {
	Name() string
	// Stamp returns the cache key and the generation that invalidates it.
	Stamp(e *models.MEvent) (key string, generation uint64)
	// Targets returns the sorted target users.
	Targets(e *models.MEvent) []string
	// Bypass reports whether e skips the batching window.
	Bypass(e *models.MEvent) bool
}

// Matcher resolves subscribers; satisfied by *index.SubscriptionIndex.
type Matcher interface {
	FindInterestedUsers(e *models.MEvent) []string
	Stamp(e *models.MEvent) (fingerprint string, generation uint64)
}

// Audience lists connected users; satisfied by the connection manager.
type Audience interface {
	ConnectedUsers() []string
	ConnectionGeneration() uint64
}

// -----------------------------------------------------------------------------
// ContentBased
// -----------------------------------------------------------------------------

type ContentBased struct {
	matcher Matcher
}

func NewContentBased(m Matcher) *ContentBased {
	return &ContentBased{matcher: m}
}

func (s *ContentBased) Name() string { return StrategyContentBased }

func (s *ContentBased) Stamp(e *models.MEvent) (string, uint64) {
	return s.matcher.Stamp(e)
}

func (s *ContentBased) Targets(e *models.MEvent) []string {
	return s.matcher.FindInterestedUsers(e)
}

func (s *ContentBased) Bypass(*models.MEvent) bool { return false }

// -----------------------------------------------------------------------------
// PriorityFirst
// -----------------------------------------------------------------------------

// PriorityFirst targets like ContentBased and sends CRITICAL events through
// the express lane.
type PriorityFirst struct {
	ContentBased
}

func NewPriorityFirst(m Matcher) *PriorityFirst {
	return &PriorityFirst{ContentBased{matcher: m}}
}

func (s *PriorityFirst) Name() string { return StrategyPriorityFirst }

func (s *PriorityFirst) Bypass(e *models.MEvent) bool {
	return e.Priority == models.PriorityCritical
}

// -----------------------------------------------------------------------------
// BroadcastAll
// -----------------------------------------------------------------------------

// BroadcastAll targets every connected user regardless of subscriptions.
type BroadcastAll struct {
	audience Audience
}

func NewBroadcastAll(a Audience) *BroadcastAll {
	return &BroadcastAll{audience: a}
}

func (s *BroadcastAll) Name() string { return StrategyBroadcastAll }

func (s *BroadcastAll) Stamp(*models.MEvent) (string, uint64) {
	if s.audience == nil {
		return "*", 0
	}
	return "*", s.audience.ConnectionGeneration()
}

func (s *BroadcastAll) Targets(*models.MEvent) []string {
	if s.audience == nil {
		return nil
	}
	return s.audience.ConnectedUsers()
}

func (s *BroadcastAll) Bypass(*models.MEvent) bool { return false }

// -----------------------------------------------------------------------------
// LoadBalanced
// -----------------------------------------------------------------------------

// LoadBalanced keeps the ContentBased targets owned by this instance, with
// users partitioned by hash across Count instances. A single instance owns
// every user.
type LoadBalanced struct {
	ContentBased
	Index int
	Count int
}

func NewLoadBalanced(m Matcher, instanceIndex, instanceCount int) *LoadBalanced {
	if instanceCount < 1 {
		instanceCount = 1
	}
	return &LoadBalanced{ContentBased: ContentBased{matcher: m}, Index: instanceIndex, Count: instanceCount}
}

func (s *LoadBalanced) Name() string { return StrategyLoadBalanced }

func (s *LoadBalanced) Stamp(e *models.MEvent) (string, uint64) {
	key, gen := s.matcher.Stamp(e)
	return key + "#" + strconv.Itoa(s.Index) + "/" + strconv.Itoa(s.Count), gen
}

func (s *LoadBalanced) Targets(e *models.MEvent) []string {
	all := s.matcher.FindInterestedUsers(e)
	if s.Count == 1 {
		return all
	}
	owned := all[:0]
	for _, u := range all {
		if s.Owns(u) {
			owned = append(owned, u)
		}
	}
	return owned
}

// Owns reports whether userID is served by this instance.
func (s *LoadBalanced) Owns(userID string) bool {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32()%uint32(s.Count)) == s.Index
}

// -----------------------------------------------------------------------------

// StrategyByName builds a strategy from its config name.
func StrategyByName(name string, m Matcher, a Audience, instanceIndex, instanceCount int) (Strategy, bool) {
	switch name {
	case StrategyContentBased, "":
		return NewContentBased(m), true
	case StrategyPriorityFirst:
		return NewPriorityFirst(m), true
	case StrategyBroadcastAll:
		return NewBroadcastAll(a), true
	case StrategyLoadBalanced:
		return NewLoadBalanced(m, instanceIndex, instanceCount), true
	}
	return nil, false
}
