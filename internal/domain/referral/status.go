// Package referral implements the referral lifecycle: status
// normalization, classification, querying and state transitions.
package referral

import (
	"encoding/json"
	"strings"
)

// Status represents a canonical referral status. Values outside the
// canonical set are unknown passthroughs produced by Normalize.
type Status string

const (
	StatusPending        Status = "Pending"
	StatusAccepted       Status = "Accepted"
	StatusWaitingReceive Status = "WaitingReceive"
	StatusRejected       Status = "Rejected"
	StatusTreated        Status = "Treated"
	StatusCompleted      Status = "Completed"
	StatusCancelled      Status = "Cancelled"
	StatusNotTreated     Status = "NotTreated"
	StatusArrived        Status = "Arrived"
	StatusWaiting        Status = "Waiting"
	StatusReferred       Status = "Referred"
	StatusNoShow         Status = "NoShow"
)

// StatusAll is the status filter sentinel meaning "any status".
const StatusAll Status = "All"

// CanonicalStatuses lists every canonical status in display order.
var CanonicalStatuses = []Status{
	StatusPending,
	StatusReferred,
	StatusWaitingReceive,
	StatusAccepted,
	StatusWaiting,
	StatusArrived,
	StatusNotTreated,
	StatusTreated,
	StatusCompleted,
	StatusRejected,
	StatusCancelled,
	StatusNoShow,
}

// statusAliases is keyed by the folded form of a raw status.
var statusAliases = map[string]Status{
	"pending":        StatusPending,
	"accepted":       StatusAccepted,
	"accept":         StatusAccepted,
	"waitingreceive": StatusWaitingReceive,
	"rejected":       StatusRejected,
	"reject":         StatusRejected,
	"treated":        StatusTreated,
	"completed":      StatusCompleted,
	"complete":       StatusCompleted,
	"cancelled":      StatusCancelled,
	"canceled":       StatusCancelled,
	"nottreated":     StatusNotTreated,
	"arrived":        StatusArrived,
	"waiting":        StatusWaiting,
	"referred":       StatusReferred,
	"noshow":         StatusNoShow,
}

// fold lowercases s and drops whitespace, underscores and hyphens so that
// "Waiting Receive", "waiting_receive" and "WaitingReceive" compare equal.
func fold(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch r {
		case ' ', '\t', '\n', '\r', '_', '-':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Normalize maps a raw status string onto the canonical set. Input that
// does not match any canonical status is returned trimmed as an unknown
// status; callers decide whether to display it or flag it.
func Normalize(raw string) Status {
	if s, ok := statusAliases[fold(raw)]; ok {
		return s
	}
	return Status(strings.TrimSpace(raw))
}

// IsKnown reports whether s is one of the canonical statuses.
func (s Status) IsKnown() bool {
	_, ok := statusAliases[fold(string(s))]
	return ok && Normalize(string(s)) == s
}

// IsAll reports whether s is the "no status filter" sentinel.
func (s Status) IsAll() bool {
	return s == "" || strings.EqualFold(strings.TrimSpace(string(s)), string(StatusAll))
}

func (s Status) String() string { return string(s) }

// UnmarshalJSON normalizes statuses on the way in so that legacy casing
// never reaches storage.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Normalize(raw)
	return nil
}
