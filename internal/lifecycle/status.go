package lifecycle

// Status is the lifecycle state of a playbook version.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusReady         Status = "ready"
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusActive        Status = "active"
	StatusDeprecated    Status = "deprecated"
	StatusArchived      Status = "archived"
	StatusBroken        Status = "broken"
	StatusNeedsUpdate   Status = "needs_update"
)

// transitions encodes the allowed status graph as data. Keeping it a
// table means search visibility and rank bonuses below stay consistent
// with what states are actually reachable.
var transitions = map[Status][]Status{
	StatusDraft:         {StatusReady, StatusArchived},
	StatusReady:         {StatusDraft, StatusPendingReview, StatusActive, StatusArchived},
	StatusPendingReview: {StatusApproved, StatusRejected},
	StatusApproved:      {StatusActive, StatusArchived},
	StatusRejected:      {StatusDraft, StatusArchived},
	StatusActive:        {StatusDeprecated, StatusBroken, StatusNeedsUpdate, StatusArchived},
	StatusDeprecated:    {StatusActive, StatusArchived},
	StatusBroken:        {StatusDraft, StatusNeedsUpdate, StatusArchived},
	StatusNeedsUpdate:   {StatusActive, StatusDraft, StatusArchived},
	StatusArchived:      {},
}

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Searchable reports whether a playbook in this status may appear in
// search results at all.
func (s Status) Searchable() bool {
	switch s {
	case StatusActive, StatusApproved, StatusDeprecated, StatusNeedsUpdate, StatusPendingReview:
		return true
	}
	return false
}

// SearchableStatuses lists every status eligible for search, in the
// order used for query-level filters.
func SearchableStatuses() []Status {
	return []Status{StatusActive, StatusApproved, StatusDeprecated, StatusNeedsUpdate, StatusPendingReview}
}

// RankBonus returns the additive rank bonus for a status. Statuses that
// are not searchable score zero; they are filtered before ranking anyway.
func (s Status) RankBonus() float64 {
	switch s {
	case StatusActive:
		return 0.10
	case StatusApproved:
		return 0.08
	case StatusDeprecated, StatusNeedsUpdate:
		return 0.04
	case StatusPendingReview:
		return 0.01
	}
	return 0
}

// Warning returns the caveat attached to search results in this status,
// or "" when none applies.
func (s Status) Warning() string {
	switch s {
	case StatusDeprecated:
		return "deprecated: a newer version of this playbook is active"
	case StatusNeedsUpdate:
		return "flagged as needing an update; review before running"
	case StatusPendingReview:
		return "pending review: not yet approved for shared use"
	}
	return ""
}

// Immutable reports whether a playbook version in this status may no
// longer be edited in place.
func (s Status) Immutable() bool {
	return s != StatusDraft
}
