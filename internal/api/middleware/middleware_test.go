package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cleftcare/referralhub/internal/domain/referral"
)

func TestActor(t *testing.T) {
	var got referral.Actor
	h := RequestID(Actor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetActor(r.Context())
	})))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	req.Header.Set("X-Actor", "nurse.a")
	req.Header.Set("X-Actor-Role", "pcu")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := referral.Actor{Name: "nurse.a", Role: referral.RolePCU, CorrelationID: "req-1"}
	if got != want {
		t.Errorf("actor = %+v, want %+v", got, want)
	}
}

func TestActor_FallsBackToClientID(t *testing.T) {
	var got referral.Actor
	h := APIKeyAuth(map[string]string{"k1": "cm-desk"})(Actor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetActor(r.Context())
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "k1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got.Name != "cm-desk" {
		t.Errorf("name = %q, want cm-desk", got.Name)
	}
	if got.Role != "" {
		t.Errorf("role = %q, want empty", got.Role)
	}
}

func TestActor_InvalidRole(t *testing.T) {
	h := Actor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Actor-Role", "janitor")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth(map[string]string{"secret": "client"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"invalid", "X-API-Key", "nope", http.StatusUnauthorized},
		{"header", "X-API-Key", "secret", http.StatusNoContent},
		{"bearer", "Authorization", "Bearer secret", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequestID_GeneratedAndEchoed(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("no request id assigned")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("echoed %q, handler saw %q", got, seen)
	}
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal server error") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestCORS_Preflight(t *testing.T) {
	h := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight reached the handler")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/referrals", nil))

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "X-Actor-Role") {
		t.Errorf("allow headers = %q", rec.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestLogger_RecordsRoutePattern(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := chi.NewRouter()
	r.Use(Logger(zap.New(core)))
	r.Get("/referrals/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/referrals/R-1", nil))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("logged %d entries", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["route"] != "/referrals/{id}" {
		t.Errorf("route = %v", fields["route"])
	}
	if fields["status"] != int64(http.StatusTeapot) {
		t.Errorf("status = %v", fields["status"])
	}
}
