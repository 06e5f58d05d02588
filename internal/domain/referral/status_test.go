package referral

import (
	"encoding/json"
	"testing"
)

func TestNormalize_ObservedSpellings(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{"Pending", StatusPending},
		{"pending", StatusPending},
		{" PENDING ", StatusPending},
		{"accepted", StatusAccepted},
		{"Accept", StatusAccepted},
		{"WaitingReceive", StatusWaitingReceive},
		{"waiting receive", StatusWaitingReceive},
		{"waiting_receive", StatusWaitingReceive},
		{"rejected", StatusRejected},
		{"Treated", StatusTreated},
		{"complete", StatusCompleted},
		{"canceled", StatusCancelled},
		{"Cancelled", StatusCancelled},
		{"Not Treated", StatusNotTreated},
		{"arrived", StatusArrived},
		{"Waiting", StatusWaiting},
		{"referred", StatusReferred},
		{"no-show", StatusNoShow},
	}
	for _, tt := range tests {
		if got := Normalize(tt.raw); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	for _, s := range CanonicalStatuses {
		if got := Normalize(string(s)); got != s {
			t.Errorf("Normalize(%q) = %q", s, got)
		}
		if got := Normalize(string(Normalize(string(s)))); got != s {
			t.Errorf("double normalize of %q = %q", s, got)
		}
	}
}

func TestNormalize_UnknownPassthrough(t *testing.T) {
	got := Normalize("  Transferred ")
	if got != "Transferred" {
		t.Fatalf("expected trimmed passthrough, got %q", got)
	}
	if got.IsKnown() {
		t.Fatal("unknown status reported as known")
	}
}

func TestStatus_IsKnown(t *testing.T) {
	for _, s := range CanonicalStatuses {
		if !s.IsKnown() {
			t.Errorf("%q should be known", s)
		}
	}
	if Status("pending").IsKnown() {
		t.Error("non-canonical spelling should not be known until normalized")
	}
}

func TestStatus_IsAll(t *testing.T) {
	for _, s := range []Status{"", "All", "all", " ALL "} {
		if !s.IsAll() {
			t.Errorf("%q should be the all sentinel", s)
		}
	}
	if StatusPending.IsAll() {
		t.Error("Pending is not the all sentinel")
	}
}

func TestStatus_UnmarshalJSONNormalizes(t *testing.T) {
	var r Referral
	if err := json.Unmarshal([]byte(`{"status":"waiting receive"}`), &r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Status != StatusWaitingReceive {
		t.Fatalf("expected WaitingReceive, got %q", r.Status)
	}
}
