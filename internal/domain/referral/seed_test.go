package referral

import (
	"strings"
	"testing"
)

func TestDecode(t *testing.T) {
	input := `[
		{"id":"R1","direction":"refer_out","status":"waiting receive","originHospital":"รพ.สต.บ้านนา","destinationHospital":"Khon Kaen","requestedAt":"2024-03-01T02:00:00Z","auditLog":[]},
		{"id":"R2","direction":"Refer In","status":"accepted","requestedAt":"2024-03-01T03:00:00Z"},
		{"id":"","direction":"Refer In","status":"Pending"},
		{"id":"R3","status":"Pending"},
		{"id":"R1","direction":"Refer In","status":"Pending"}
	]`

	refs, warnings, err := Decode(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("got %d referrals, want 2", len(refs))
	}

	r1 := refs[0]
	if r1.Status != StatusWaitingReceive {
		t.Errorf("R1 status = %q", r1.Status)
	}
	if r1.CreatorRole != RolePCU {
		t.Errorf("R1 creator role = %q, want PCU", r1.CreatorRole)
	}
	if last, _ := r1.LastAudit(); last.Status != StatusWaitingReceive || last.Actor != ImportActor {
		t.Errorf("R1 audit tail = %+v", last)
	}

	r2 := refs[1]
	if r2.AcceptedAt == nil {
		t.Error("R2 acceptedAt not backfilled")
	}
	if err := r2.Validate(); err != nil {
		t.Errorf("R2 invalid: %v", err)
	}

	// two audit repairs, one missing id, one missing direction, one duplicate
	if len(warnings) != 5 {
		t.Errorf("got %d warnings, want 5: %v", len(warnings), warnings)
	}
}

func TestDecode_Malformed(t *testing.T) {
	if _, _, err := Decode(strings.NewReader(`{"id":1}`)); err == nil {
		t.Fatal("expected error for non-array input")
	}
}
