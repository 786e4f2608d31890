package projection

import "strings"

// Priority buckets used by every view that groups by urgency.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// NormalizePriority collapses the priority spellings used by upstream
// systems into the three buckets. Unrecognized values pass through
// lower-cased and trimmed.
func NormalizePriority(priority string) string {
	p := strings.ToLower(strings.TrimSpace(priority))
	switch p {
	case "urgent", "high":
		return PriorityHigh
	case "medium", "normal":
		return PriorityNormal
	case "low":
		return PriorityLow
	default:
		return p
	}
}

// PriorityRank orders buckets for the waiting list: high before normal
// before low, unknown last.
func PriorityRank(priority string) int {
	switch priority {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}
