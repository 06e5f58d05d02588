package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/cleftcare/referralhub/internal/domain/referral"
)

var (
	genFrom = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	genTo   = time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
)

func TestGenerator_Deterministic(t *testing.T) {
	a := newGenerator(42, genFrom, genTo).referrals(20)
	b := newGenerator(42, genFrom, genTo).referrals(20)
	if !reflect.DeepEqual(a, b) {
		t.Error("same seed produced different collections")
	}
}

func TestGenerator_IngestsCleanly(t *testing.T) {
	refs := newGenerator(7, genFrom, genTo).referrals(200)

	var buf bytes.Buffer
	if err := writeJSON(&buf, refs); err != nil {
		t.Fatal(err)
	}
	decoded, warnings, err := referral.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}
	if len(decoded) != len(refs) {
		t.Fatalf("decoded %d referrals, want %d", len(decoded), len(refs))
	}

	for _, r := range decoded {
		if err := r.Validate(); err != nil {
			t.Errorf("%s: %v", r.ID, err)
		}
		if r.OriginHospital == r.DestinationHospital {
			t.Errorf("%s: origin equals destination", r.ID)
		}
		if r.RequestedAt.Before(genFrom) || r.RequestedAt.After(genTo) {
			t.Errorf("%s: requested at %v outside range", r.ID, r.RequestedAt)
		}
		if r.CreatorRole == "" {
			t.Errorf("%s: creator role not backfilled", r.ID)
		}
	}
}

func TestFilterFlags_Spec(t *testing.T) {
	ict := time.FixedZone("ICT", 7*3600)
	f := filterFlags{
		status:  "waiting_receive",
		scope:   "history",
		history: "refer in",
		role:    "cm",
		date:    "2024-03-02",
		text:    "HN0 ",
	}
	fs, err := f.build(ict)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if fs.Status != referral.StatusWaitingReceive {
		t.Errorf("status = %q", fs.Status)
	}
	if fs.Scope != referral.ScopeHistory || fs.HistorySubType != referral.DirectionReferIn {
		t.Errorf("scope = %q/%q", fs.Scope, fs.HistorySubType)
	}
	if fs.Role != referral.RoleCaseManager {
		t.Errorf("role = %q", fs.Role)
	}
	if fs.FreeText != "HN0 " {
		t.Errorf("free text = %q, want it unchanged", fs.FreeText)
	}
	if !fs.Date.Equal(time.Date(2024, 3, 2, 0, 0, 0, 0, ict)) {
		t.Errorf("date = %v", fs.Date)
	}

	for _, bad := range []filterFlags{
		{scope: "sideways"},
		{role: "janitor"},
		{date: "02/03/2024"},
		{tz: "Mars/Olympus"},
	} {
		if _, err := bad.build(time.UTC); err == nil {
			t.Errorf("%+v: expected error", bad)
		}
	}
}

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "referrals.json")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := writeJSON(f, newGenerator(3, genFrom, genTo).referrals(60)); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestQueryCmd_ReferOutQueue(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	path := writeSeed(t)

	cmd := queryCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--file", path, "--scope", "Refer Out", "--json", "--sort", "newest"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("query: %v", err)
	}

	var refs []referral.Referral
	if err := json.Unmarshal(out.Bytes(), &refs); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	for i, r := range refs {
		if r.Direction != referral.DirectionReferOut || r.Status.IsTerminal() {
			t.Errorf("%s: %s/%s in Refer Out queue", r.ID, r.Direction, r.Status)
		}
		if i > 0 && r.RequestedAt.After(refs[i-1].RequestedAt) {
			t.Errorf("not sorted newest first at %d", i)
		}
	}
}

func TestSummaryCmd(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	path := writeSeed(t)

	cmd := summaryCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--file", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("summary: %v", err)
	}

	var s referral.Summary
	if err := json.Unmarshal(out.Bytes(), &s); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if s.Total != 60 || s.Active+s.Terminal != 60 {
		t.Errorf("summary = %+v", s)
	}
	if s.ActiveReferOut+s.ActiveReferIn != s.Active {
		t.Errorf("direction counts %d+%d != active %d", s.ActiveReferOut, s.ActiveReferIn, s.Active)
	}
}

func TestQueryCmd_NoFile(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("SEED_FILE", "")

	cmd := queryCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err == nil {
		t.Error("expected an error without a referral file")
	}
}
