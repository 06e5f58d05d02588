package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cleftcare/referralhub/internal/api/middleware"
	"github.com/cleftcare/referralhub/internal/domain/referral"
)

var ict = time.FixedZone("ICT", 7*3600)

type viewBody struct {
	ID             string          `json:"id"`
	Status         referral.Status `json:"status"`
	CreatorRole    referral.Role   `json:"creatorRole"`
	Bucket         referral.Bucket `json:"bucket"`
	AcceptedAt     *time.Time      `json:"acceptedAt"`
	RejectedReason string          `json:"rejectedReason"`
	OriginDisplay  string          `json:"originHospitalDisplay"`
	AuditLog       []referral.AuditEntry
}

type listBody struct {
	Count     int        `json:"count"`
	Referrals []viewBody `json:"referrals"`
	Days      []struct {
		Day       string     `json:"day"`
		Referrals []viewBody `json:"referrals"`
	} `json:"days"`
}

func seed(t *testing.T) []referral.Referral {
	t.Helper()
	raw := []referral.Referral{
		{ID: "R1", Direction: referral.DirectionReferOut, Status: "Pending", PatientName: "Somchai", PatientHN: "HN001",
			OriginHospital: "Khon Kaen Hospital", DestinationHospital: "Srinagarind", CreatorRole: referral.RoleCaseManager,
			RequestedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, ict)},
		{ID: "R2", Direction: referral.DirectionReferOut, Status: "Pending", PatientName: "Malee", PatientHN: "HN002",
			OriginHospital: "รพ.สต.บ้านนา", DestinationHospital: "Srinagarind",
			RequestedAt: time.Date(2024, 3, 1, 8, 0, 0, 0, ict)},
		{ID: "R3", Direction: referral.DirectionReferIn, Status: "Rejected", PatientName: "Anan", PatientHN: "HN003",
			OriginHospital: "Udon Thani Hospital", DestinationHospital: "Khon Kaen Hospital",
			RequestedAt: time.Date(2024, 3, 2, 10, 0, 0, 0, ict)},
		{ID: "R4", Direction: referral.DirectionReferOut, Status: "Completed", PatientName: "Somsri", PatientHN: "HN004",
			OriginHospital: "Khon Kaen Hospital", DestinationHospital: "Srinagarind", CreatorRole: referral.RoleCaseManager,
			RequestedAt: time.Date(2024, 2, 28, 14, 0, 0, 0, ict)},
	}
	out := make([]referral.Referral, len(raw))
	for i, r := range raw {
		out[i], _ = referral.Ingest(r, referral.ImportActor)
	}
	return out
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	now := time.Date(2024, 3, 3, 3, 0, 0, 0, time.UTC)
	svc := referral.NewService(referral.NewMemoryStore(seed(t)...),
		referral.WithClock(func() time.Time { return now }))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Actor)
	r.Mount("/referrals", NewReferralHandler(svc, ict, nil).Routes())
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Actor", "nurse.a")
	req.Header.Set("X-Actor-Role", "PCU")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func ids(views []viewBody) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.ID
	}
	return out
}

func TestList(t *testing.T) {
	h := newTestRouter(t)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all", "", []string{"R1", "R2", "R3", "R4"}},
		{"refer out queue", "?scope=refer_out", []string{"R1", "R2"}},
		{"case manager isolation", "?scope=refer_out&role=cm", []string{"R1"}},
		{"sorted by time of day", "?scope=refer_out&sort=time", []string{"R2", "R1"}},
		{"history inbound", "?scope=history&history=in", []string{"R3"}},
		{"status alias", "?status=rejected", []string{"R3"}},
		{"status all", "?status=All&scope=refer_in", []string{}},
		{"calendar day", "?date=2024-03-02", []string{"R3"}},
		{"date range", "?from=2024-02-29&to=2024-03-01", []string{"R1", "R2"}},
		{"free text", "?q=HN00", []string{"R1", "R2", "R3", "R4"}},
		{"origin substring", "?origin=Udon", []string{"R3"}},
		{"newest first", "?sort=newest", []string{"R3", "R1", "R2", "R4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, "/referrals"+tt.query, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			body := decode[listBody](t, rec)
			got := ids(body.Referrals)
			if body.Count != len(tt.want) || strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v (count %d), want %v", got, body.Count, tt.want)
			}
		})
	}
}

func TestList_GroupByDay(t *testing.T) {
	h := newTestRouter(t)
	rec := do(t, h, http.MethodGet, "/referrals?group=day", "")
	body := decode[listBody](t, rec)

	if len(body.Days) != 3 {
		t.Fatalf("got %d days, want 3", len(body.Days))
	}
	if body.Days[0].Day != "2024-03-02" || body.Days[2].Day != "2024-02-28" {
		t.Errorf("day order = %s..%s", body.Days[0].Day, body.Days[2].Day)
	}
	if len(body.Days[1].Referrals) != 2 {
		t.Errorf("2024-03-01 has %d referrals, want 2", len(body.Days[1].Referrals))
	}
}

func TestList_BadParams(t *testing.T) {
	h := newTestRouter(t)
	for _, q := range []string{"?date=01/03/2024", "?scope=sideways", "?role=janitor", "?sort=random", "?history=up"} {
		if rec := do(t, h, http.MethodGet, "/referrals"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestSummary(t *testing.T) {
	h := newTestRouter(t)
	rec := do(t, h, http.MethodGet, "/referrals/summary", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	s := decode[referral.Summary](t, rec)
	if s.Total != 4 || s.Active != 2 || s.Terminal != 2 || s.ActiveReferOut != 2 {
		t.Errorf("summary = %+v", s)
	}
}

func TestCreate(t *testing.T) {
	h := newTestRouter(t)
	rec := do(t, h, http.MethodPost, "/referrals", `{
		"direction": "refer_out",
		"patientName": "Kanya",
		"patientHN": "HN900",
		"originHospital": "รพ.สต.หนองแวง",
		"destinationHospital": "Srinagarind",
		"urgency": "urgent"
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[viewBody](t, rec)
	if created.Status != referral.StatusPending {
		t.Errorf("status = %q", created.Status)
	}
	if created.CreatorRole != referral.RolePCU {
		t.Errorf("creator role = %q, want PCU", created.CreatorRole)
	}
	if created.OriginDisplay != "หนองแวง" {
		t.Errorf("origin display = %q", created.OriginDisplay)
	}
	if loc := rec.Header().Get("Location"); loc != "/referrals/"+created.ID {
		t.Errorf("Location = %q", loc)
	}

	rec = do(t, h, http.MethodGet, "/referrals/"+created.ID+"/audit", "")
	audit := decode[[]referral.AuditEntry](t, rec)
	if len(audit) != 1 || audit[0].Status != referral.StatusPending || audit[0].Actor != "nurse.a" {
		t.Errorf("audit = %+v", audit)
	}
}

func TestCreate_Invalid(t *testing.T) {
	h := newTestRouter(t)
	bodies := []string{
		`{"patientHN":"HN1"}`,
		`{"direction":"sideways","patientHN":"HN1"}`,
		`{"direction":"in"}`,
		`{"direction":"in","patientHN":"HN1","urgency":"whenever"}`,
		`not json`,
	}
	for _, b := range bodies {
		if rec := do(t, h, http.MethodPost, "/referrals", b); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", b, rec.Code)
		}
	}

	rec := do(t, h, http.MethodPost, "/referrals", `{"id":"R1","direction":"in","patientHN":"HN1"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate id: status = %d, want 409", rec.Code)
	}
}

func TestAccept(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/referrals/R1/accept", `{"note":"bed ready","at":"2024-03-02T08:30:00+07:00"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	v := decode[viewBody](t, rec)
	if v.Status != referral.StatusAccepted {
		t.Errorf("status = %q", v.Status)
	}
	want := time.Date(2024, 3, 2, 1, 30, 0, 0, time.UTC)
	if v.AcceptedAt == nil || !v.AcceptedAt.Equal(want) {
		t.Errorf("acceptedAt = %v, want %v", v.AcceptedAt, want)
	}

	if rec := do(t, h, http.MethodPost, "/referrals/R1/accept", ""); rec.Code != http.StatusConflict {
		t.Errorf("repeat accept: status = %d, want 409", rec.Code)
	}
}

func TestRejectAndCancel(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/referrals/R2/reject", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if v := decode[viewBody](t, rec); v.RejectedReason != referral.NoReasonGiven || v.Bucket != referral.BucketTerminal {
		t.Errorf("rejected view = %+v", v)
	}

	rec = do(t, h, http.MethodPost, "/referrals/R1/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	if v := decode[viewBody](t, rec); v.Status != referral.StatusCancelled {
		t.Errorf("status = %q", v.Status)
	}

	cases := []struct {
		target string
		want   int
	}{
		{"/referrals/R3/reject", http.StatusConflict},
		{"/referrals/R3/accept", http.StatusConflict},
		{"/referrals/R4/cancel", http.StatusConflict},
		{"/referrals/missing/reject", http.StatusNotFound},
	}
	for _, c := range cases {
		if rec := do(t, h, http.MethodPost, c.target, ""); rec.Code != c.want {
			t.Errorf("%s: status = %d, want %d", c.target, rec.Code, c.want)
		}
	}
}

func TestFHIR(t *testing.T) {
	h := newTestRouter(t)
	rec := do(t, h, http.MethodGet, "/referrals/R3/fhir", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/fhir+json" {
		t.Errorf("content type = %q", ct)
	}
	body := decode[map[string]interface{}](t, rec)
	if body["resourceType"] != "ServiceRequest" || body["status"] != "revoked" {
		t.Errorf("resource = %v", body)
	}

	if rec := do(t, h, http.MethodGet, "/referrals/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing referral: status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	ok := NewHealthHandler("referral-api", "test", map[string]Check{
		"store": func(context.Context) error { return nil },
	})
	rec := httptest.NewRecorder()
	ok.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready = %d", rec.Code)
	}

	down := NewHealthHandler("referral-api", "test", map[string]Check{
		"kafka": func(context.Context) error { return errors.New("no brokers") },
	})
	rec = httptest.NewRecorder()
	down.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready = %d, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	down.Live(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("live = %d", rec.Code)
	}
}

func TestList_SessionRoleScopesQueue(t *testing.T) {
	h := newTestRouter(t)

	list := func(query string) []string {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, "/referrals"+query, nil)
		req.Header.Set("X-Actor", "cm.a")
		req.Header.Set("X-Actor-Role", "CM")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", query, rec.Code)
		}
		return ids(decode[listBody](t, rec).Referrals)
	}

	if got := list("?scope=refer_out"); strings.Join(got, ",") != "R1" {
		t.Errorf("case manager session: got %v, want [R1]", got)
	}
	if got := list("?scope=refer_out&role=hospital"); strings.Join(got, ",") != "R1,R2" {
		t.Errorf("explicit role: got %v, want [R1 R2]", got)
	}
}

func TestList_FreeTextIsExact(t *testing.T) {
	h := newTestRouter(t)
	rec := do(t, h, http.MethodGet, "/referrals?q=HN001%20", "")
	if got := decode[listBody](t, rec); got.Count != 0 {
		t.Errorf("trailing space matched %v", ids(got.Referrals))
	}
}

func TestAccept_BackdatedIsConflict(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/referrals/R2/accept", `{"at":"2024-02-01T08:00:00+07:00"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodGet, "/referrals/R2", "")
	if v := decode[viewBody](t, rec); v.Status != referral.StatusPending {
		t.Errorf("status = %q after refused accept", v.Status)
	}
}
