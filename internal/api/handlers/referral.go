// Package handlers provides HTTP handlers for the referral API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cleftcare/referralhub/internal/api/middleware"
	"github.com/cleftcare/referralhub/internal/domain/referral"
	fhir "github.com/cleftcare/referralhub/internal/fhir/r5"
)

const dateLayout = "2006-01-02"

// ReferralHandler handles referral endpoints
type ReferralHandler struct {
	svc    *referral.Service
	loc    *time.Location
	logger *zap.Logger
	tracer trace.Tracer
}

// NewReferralHandler creates a new handler. Calendar-day filters are
// evaluated in loc.
func NewReferralHandler(svc *referral.Service, loc *time.Location, logger *zap.Logger) *ReferralHandler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReferralHandler{
		svc:    svc,
		loc:    loc,
		logger: logger,
		tracer: otel.Tracer("referral-handler"),
	}
}

// Routes returns the handler routes
func (h *ReferralHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/summary", h.Summary)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/audit", h.Audit)
	r.Get("/{id}/fhir", h.FHIR)
	r.Post("/{id}/accept", h.Accept)
	r.Post("/{id}/reject", h.Reject)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}

// ReferralView is a referral as rendered by list and detail endpoints.
type ReferralView struct {
	referral.Referral
	Bucket                     referral.Bucket `json:"bucket"`
	Stage                      referral.Stage  `json:"stage"`
	StatusLabel                string          `json:"statusLabel"`
	OriginHospitalDisplay      string          `json:"originHospitalDisplay"`
	DestinationHospitalDisplay string          `json:"destinationHospitalDisplay"`
}

func newView(r referral.Referral) ReferralView {
	c := r.Classification()
	r.CreatorRole = r.EffectiveCreatorRole()
	return ReferralView{
		Referral:                   r,
		Bucket:                     c.Bucket,
		Stage:                      c.Stage,
		StatusLabel:                c.Label,
		OriginHospitalDisplay:      referral.DisplayHospitalName(r.OriginHospital),
		DestinationHospitalDisplay: referral.DisplayHospitalName(r.DestinationHospital),
	}
}

func views(refs []referral.Referral) []ReferralView {
	out := make([]ReferralView, len(refs))
	for i, r := range refs {
		out[i] = newView(r)
	}
	return out
}

// ListResponse is the response for GET /referrals
type ListResponse struct {
	Count     int            `json:"count"`
	Referrals []ReferralView `json:"referrals,omitempty"`
	Days      []DayView      `json:"days,omitempty"`
}

// DayView is one calendar day of a grouped list.
type DayView struct {
	Day       string         `json:"day"`
	Referrals []ReferralView `json:"referrals"`
}

// List handles GET /referrals
func (h *ReferralHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "list_referrals")
	defer span.End()

	spec, err := h.parseFilter(r)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sortBy := r.URL.Query().Get("sort")
	switch sortBy {
	case "", "time", "newest", "oldest":
	default:
		h.jsonError(w, "invalid sort: "+sortBy, http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("scope", string(spec.Scope)),
		attribute.String("role", string(spec.Role)),
	)

	refs, err := h.svc.Query(ctx, spec)
	if err != nil {
		h.writeError(w, span, err)
		return
	}

	switch sortBy {
	case "time":
		referral.SortByTimeOfDay(refs, h.loc)
	case "newest":
		referral.SortByRequestedAt(refs, true)
	case "oldest":
		referral.SortByRequestedAt(refs, false)
	}

	resp := ListResponse{Count: len(refs)}
	if r.URL.Query().Get("group") == "day" {
		for _, g := range referral.GroupByDay(refs, h.loc) {
			resp.Days = append(resp.Days, DayView{
				Day:       g.Day.Format(dateLayout),
				Referrals: views(g.Referrals),
			})
		}
	} else {
		resp.Referrals = views(refs)
	}
	span.SetAttributes(attribute.Int("count", resp.Count))
	h.writeJSON(w, http.StatusOK, resp)
}

// Summary handles GET /referrals/summary
func (h *ReferralHandler) Summary(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "summarize_referrals")
	defer span.End()

	spec, err := h.parseFilter(r)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	summary, err := h.svc.Summary(ctx, spec)
	if err != nil {
		h.writeError(w, span, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// CreateRequest is the request body for creating a referral
type CreateRequest struct {
	ID                  string             `json:"id,omitempty"`
	Number              string             `json:"number,omitempty"`
	Direction           referral.Direction `json:"direction"`
	PatientName         string             `json:"patientName"`
	PatientHN           string             `json:"patientHN"`
	OriginHospital      string             `json:"originHospital"`
	DestinationHospital string             `json:"destinationHospital"`
	Urgency             string             `json:"urgency,omitempty"`
	RequestedAt         *time.Time         `json:"requestedAt,omitempty"`
	CreatorRole         string             `json:"creatorRole,omitempty"`
}

func (req CreateRequest) draft(actor referral.Actor) (referral.Referral, error) {
	if req.Direction == "" {
		return referral.Referral{}, referral.ErrMissingDirection
	}
	if strings.TrimSpace(req.PatientHN) == "" {
		return referral.Referral{}, errors.New("patientHN is required")
	}
	urgency, err := referral.ParseUrgency(req.Urgency)
	if err != nil {
		return referral.Referral{}, err
	}
	role, err := referral.ParseRole(req.CreatorRole)
	if err != nil {
		return referral.Referral{}, err
	}
	if role == "" {
		role = actor.Role
	}
	d := referral.Referral{
		ID:                  req.ID,
		Number:              req.Number,
		Direction:           req.Direction,
		PatientName:         req.PatientName,
		PatientHN:           req.PatientHN,
		OriginHospital:      req.OriginHospital,
		DestinationHospital: req.DestinationHospital,
		Urgency:             urgency,
		CreatorRole:         role,
	}
	if req.RequestedAt != nil {
		d.RequestedAt = req.RequestedAt.UTC()
	}
	return d, nil
}

// Create handles POST /referrals
func (h *ReferralHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_referral")
	defer span.End()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	actor := middleware.GetActor(ctx)
	draft, err := req.draft(actor)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := h.svc.Create(ctx, draft, actor)
	if err != nil {
		h.writeError(w, span, err)
		return
	}
	span.SetAttributes(attribute.String("referral_id", created.ID))

	w.Header().Set("Location", strings.TrimSuffix(r.URL.Path, "/")+"/"+created.ID)
	h.writeJSON(w, http.StatusCreated, newView(created))
}

// Get handles GET /referrals/{id}
func (h *ReferralHandler) Get(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.load(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, newView(ref))
}

// Audit handles GET /referrals/{id}/audit
func (h *ReferralHandler) Audit(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.load(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, ref.AuditLog)
}

// FHIR handles GET /referrals/{id}/fhir
func (h *ReferralHandler) FHIR(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.load(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(fhir.FromReferral(ref))
}

func (h *ReferralHandler) load(w http.ResponseWriter, r *http.Request) (referral.Referral, bool) {
	id := chi.URLParam(r, "id")
	ctx, span := h.tracer.Start(r.Context(), "get_referral",
		trace.WithAttributes(attribute.String("referral_id", id)))
	defer span.End()

	ref, err := h.svc.Get(ctx, id)
	if err != nil {
		h.writeError(w, span, err)
		return referral.Referral{}, false
	}
	return ref, true
}

// AcceptRequest is the request body for accepting a referral
type AcceptRequest struct {
	Note string     `json:"note"`
	At   *time.Time `json:"at,omitempty"`
}

// Accept handles POST /referrals/{id}/accept
func (h *ReferralHandler) Accept(w http.ResponseWriter, r *http.Request) {
	var req AcceptRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	var at time.Time
	if req.At != nil {
		at = req.At.UTC()
	}
	h.mutate(w, r, "accept_referral", func(ctx context.Context, id string, actor referral.Actor) (referral.Referral, error) {
		return h.svc.AcceptAt(ctx, id, at, req.Note, actor)
	})
}

// RejectRequest is the request body for rejecting a referral
type RejectRequest struct {
	Reason string `json:"reason"`
}

// Reject handles POST /referrals/{id}/reject
func (h *ReferralHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	h.mutate(w, r, "reject_referral", func(ctx context.Context, id string, actor referral.Actor) (referral.Referral, error) {
		return h.svc.Reject(ctx, id, strings.TrimSpace(req.Reason), actor)
	})
}

// Cancel handles POST /referrals/{id}/cancel
func (h *ReferralHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "cancel_referral", func(ctx context.Context, id string, actor referral.Actor) (referral.Referral, error) {
		return h.svc.Cancel(ctx, id, actor)
	})
}

func (h *ReferralHandler) mutate(
	w http.ResponseWriter,
	r *http.Request,
	name string,
	apply func(context.Context, string, referral.Actor) (referral.Referral, error),
) {
	id := chi.URLParam(r, "id")
	ctx, span := h.tracer.Start(r.Context(), name,
		trace.WithAttributes(attribute.String("referral_id", id)))
	defer span.End()

	actor := middleware.GetActor(ctx)
	updated, err := apply(ctx, id, actor)
	if err != nil {
		h.writeError(w, span, err)
		return
	}
	span.SetAttributes(attribute.String("status", string(updated.Status)))
	h.writeJSON(w, http.StatusOK, newView(updated))
}

// decodeOptional decodes a JSON body when one is sent. An empty body
// leaves v untouched.
func (h *ReferralHandler) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// parseFilter maps query parameters onto a FilterSpec. The free-text term
// is matched exactly as sent.
func (h *ReferralHandler) parseFilter(r *http.Request) (referral.FilterSpec, error) {
	q := r.URL.Query()
	spec := referral.FilterSpec{
		FreeText:            q.Get("q"),
		OriginHospital:      q.Get("origin"),
		DestinationHospital: q.Get("destination"),
		Location:            h.loc,
	}

	if raw := q.Get("status"); raw != "" {
		if s := referral.Status(raw); s.IsAll() {
			spec.Status = referral.StatusAll
		} else {
			spec.Status = referral.Normalize(raw)
		}
	}

	var err error
	if spec.Scope, err = referral.ParseScope(q.Get("scope")); err != nil {
		return spec, err
	}
	if raw := q.Get("history"); raw != "" {
		if spec.HistorySubType, err = referral.ParseDirection(raw); err != nil {
			return spec, err
		}
	}
	// Without an explicit role the caller's session role scopes the queue.
	if raw := q.Get("role"); raw != "" {
		if spec.Role, err = referral.ParseRole(raw); err != nil {
			return spec, err
		}
	} else {
		spec.Role = middleware.GetActor(r.Context()).Role
	}
	if spec.Date, err = h.parseDate(q.Get("date")); err != nil {
		return spec, err
	}
	if spec.DateFrom, err = h.parseDate(q.Get("from")); err != nil {
		return spec, err
	}
	if spec.DateTo, err = h.parseDate(q.Get("to")); err != nil {
		return spec, err
	}
	return spec, nil
}

func (h *ReferralHandler) parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(dateLayout, raw, h.loc)
	if err != nil {
		return time.Time{}, errors.New("invalid date " + raw + ", want YYYY-MM-DD")
	}
	return t, nil
}

// writeError maps service errors onto HTTP status codes.
func (h *ReferralHandler) writeError(w http.ResponseWriter, span trace.Span, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, referral.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, referral.ErrAlreadyTerminal),
		errors.Is(err, referral.ErrInvalidTransition),
		errors.Is(err, referral.ErrConflict),
		errors.Is(err, referral.ErrBusy),
		errors.Is(err, referral.ErrAlreadyExists):
		code = http.StatusConflict
	case errors.Is(err, referral.ErrMissingDirection),
		errors.Is(err, referral.ErrInvalidDirection):
		code = http.StatusBadRequest
	}

	if code == http.StatusInternalServerError {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Error("referral request failed", zap.Error(err))
		h.jsonError(w, "internal server error", code)
		return
	}
	h.jsonError(w, err.Error(), code)
}

func (h *ReferralHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response", zap.Error(err))
	}
}

func (h *ReferralHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
