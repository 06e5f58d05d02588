package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cleftcare/referralhub/internal/domain/referral"
)

func newReferral(id string) referral.Referral {
	return referral.NewReferral(referral.Referral{
		ID:                  id,
		Direction:           referral.DirectionReferIn,
		PatientName:         "ด.ช. ต้นกล้า",
		PatientHN:           "HN" + id,
		OriginHospital:      "รพ.สต.บ้านใหม่",
		DestinationHospital: "โรงพยาบาลมหาราชนครเชียงใหม่",
	}, time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC), "test")
}

func TestStore_PersistAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "referrals.db")

	store, err := NewStore(path, nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	n, err := store.Import(ctx, []referral.Referral{newReferral("2"), newReferral("1"), newReferral("2")})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Fatalf("imported %d, want 2", n)
	}

	cur, _ := store.Get(ctx, "1")
	accepted, err := cur.Accept(time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC), "bed ready", "dr")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := store.Update(ctx, referral.StatusPending, accepted, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })

	all, err := reloaded.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != "2" || all[1].ID != "1" {
		t.Fatalf("unexpected reload order %v", all)
	}
	if all[1].Status != referral.StatusAccepted || len(all[1].AuditLog) != 2 {
		t.Fatalf("transition not persisted: %+v", all[1])
	}
	if err := all[1].Validate(); err != nil {
		t.Fatalf("reloaded referral invalid: %v", err)
	}
}

func TestStore_UpdateConflict(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(filepath.Join(t.TempDir(), "referrals.db"), nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	r := newReferral("9")
	if err := store.Create(ctx, r, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	cancelled, _ := r.Cancel(time.Now(), "cm")
	if err := store.Update(ctx, referral.StatusAccepted, cancelled, nil); !errors.Is(err, referral.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := store.Create(ctx, r, nil); !errors.Is(err, referral.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}
