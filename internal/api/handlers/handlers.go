// Package handlers implements the HTTP surface the dashboard/kiosk
// plane and the realtime session bridge call into: the catalog/
// availability/booking read-and-write routes plus a thin
// tool-invocation surface over internal/orchestrator.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking-core/internal/availability"
	"github.com/wolfman30/clinic-booking-core/internal/catalog"
	"github.com/wolfman30/clinic-booking-core/internal/orchestrator"
	"github.com/wolfman30/clinic-booking-core/internal/scheduling"
	"github.com/wolfman30/clinic-booking-core/internal/schederr"
	"github.com/wolfman30/clinic-booking-core/internal/visits"
	"github.com/wolfman30/clinic-booking-core/pkg/logging"
)

// Handlers wires the catalog/availability/scheduling/visits/orchestrator
// collaborators into the route-table's http.HandlerFunc methods.
type Handlers struct {
	Catalog      *catalog.Loader
	Scheduling   *scheduling.Store
	Availability *availability.Aggregator
	Visits       *visits.Store
	Orchestrator *orchestrator.Orchestrator
	Logger       *logging.Logger

	JoinTokenSecret string
	JoinTokenTTL    time.Duration
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code schederr.Code, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": string(code), "message": message})
}

// statusFor maps a schederr.Code to an HTTP status
// (validation/not-found/conflict).
func statusFor(code schederr.Code) int {
	switch code {
	case schederr.InvalidSlotTime, schederr.InvalidDateOrSlotFormat, schederr.MissingHospitalCode,
		schederr.NoDepartments, schederr.NoDepartmentCodes, schederr.DoctorNotFoundInDepartment,
		schederr.InvalidIndex, schederr.InvalidIdentity:
		return http.StatusBadRequest
	case schederr.AlreadyBooked, schederr.HeldByOther, schederr.DuplicateBooking, schederr.BookingInProgress, schederr.SessionClosing:
		return http.StatusConflict
	case schederr.HospitalNotFoundOrNoDepartments, schederr.VisitNotFound, schederr.NoHold:
		return http.StatusNotFound
	case schederr.IdentityNotConfirmed, schederr.NoBookingOptions, schederr.HoldExpired:
		return http.StatusUnprocessableEntity
	case schederr.DBError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func queryOrHeaderHospitalCode(r *http.Request) string {
	code := strings.TrimSpace(r.URL.Query().Get("hospital_code"))
	if code == "" {
		code = strings.TrimSpace(r.Header.Get("X-Hospital-Code"))
	}
	return code
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ListHospitals handles GET /api/hospitals.
func (h *Handlers) ListHospitals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"hospitals": h.Catalog.ListHospitals()})
}

// Departments handles GET /api/departments.
func (h *Handlers) Departments(w http.ResponseWriter, r *http.Request) {
	hospitalCode := queryOrHeaderHospitalCode(r)
	if hospitalCode == "" {
		writeError(w, http.StatusBadRequest, schederr.MissingHospitalCode, "hospital_code is required")
		return
	}
	meta, ok := h.Catalog.GetHospitalMeta(hospitalCode)
	if !ok {
		writeError(w, http.StatusNotFound, schederr.HospitalNotFoundOrNoDepartments, "hospital not found or has no departments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hospital_code": hospitalCode, "departments": meta.Departments})
}

// Meta handles GET /api/meta.
func (h *Handlers) Meta(w http.ResponseWriter, r *http.Request) {
	hospitalCode := queryOrHeaderHospitalCode(r)
	if hospitalCode == "" {
		writeError(w, http.StatusBadRequest, schederr.MissingHospitalCode, "hospital_code is required")
		return
	}
	meta, ok := h.Catalog.GetHospitalMeta(hospitalCode)
	if !ok {
		writeError(w, http.StatusNotFound, schederr.HospitalNotFoundOrNoDepartments, "hospital not found or has no departments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hospital_code":       hospitalCode,
		"departments":         meta.Departments,
		"departments_by_code": h.Catalog.DepartmentIndex(hospitalCode),
	})
}

// Overview handles GET /api/overview.
func (h *Handlers) Overview(w http.ResponseWriter, r *http.Request) {
	hospitalCode := queryOrHeaderHospitalCode(r)
	if hospitalCode == "" {
		writeError(w, http.StatusBadRequest, schederr.MissingHospitalCode, "hospital_code is required")
		return
	}
	departments := splitCSV(r.URL.Query().Get("departments"))
	date := r.URL.Query().Get("date")

	overview, err := h.Availability.GetOverview(hospitalCode, departments, date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, schederr.DBError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

// Bookings handles GET /api/bookings.
func (h *Handlers) Bookings(w http.ResponseWriter, r *http.Request) {
	hospitalCode := queryOrHeaderHospitalCode(r)
	if hospitalCode == "" {
		writeError(w, http.StatusBadRequest, schederr.MissingHospitalCode, "hospital_code is required")
		return
	}
	departments := splitCSV(r.URL.Query().Get("departments"))
	date := r.URL.Query().Get("date")

	if since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64); err == nil {
		if since == h.Scheduling.Version() {
			writeJSON(w, http.StatusOK, map[string]any{"unchanged": true})
			return
		}
	}

	snapshot, err := h.Scheduling.GetBookingsSnapshot(hospitalCode, departments, date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, schederr.DBError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// BookingsByCode handles GET /api/bookings_by_code.
func (h *Handlers) BookingsByCode(w http.ResponseWriter, r *http.Request) {
	hospitalCode := queryOrHeaderHospitalCode(r)
	if hospitalCode == "" {
		writeError(w, http.StatusBadRequest, schederr.MissingHospitalCode, "hospital_code is required")
		return
	}
	codes := splitCSV(r.URL.Query().Get("department_codes"))
	date := r.URL.Query().Get("date")

	if since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64); err == nil {
		if since == h.Scheduling.Version() {
			writeJSON(w, http.StatusOK, map[string]any{"unchanged": true})
			return
		}
	}

	snapshot, err := h.Scheduling.GetBookingsSnapshotByCodes(hospitalCode, codes, date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, schederr.DBError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type bookRequest struct {
	HospitalCode   string `json:"hospital_code"`
	Department     string `json:"department"`
	DepartmentCode string `json:"department_code"`
	DoctorName     string `json:"doctor_name"`
	Date           string `json:"date"`
	SlotTime       string `json:"slot_time"`
}

func (h *Handlers) decodeBookRequest(w http.ResponseWriter, r *http.Request) (*bookRequest, bool) {
	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, schederr.EmptyOrMalformedJSON, "malformed request body")
		return nil, false
	}
	if req.HospitalCode == "" {
		req.HospitalCode = queryOrHeaderHospitalCode(r)
	}
	if req.HospitalCode == "" {
		writeError(w, http.StatusBadRequest, schederr.MissingHospitalCode, "hospital_code is required")
		return nil, false
	}
	return &req, true
}

// Book handles POST /api/book (name-path booking).
func (h *Handlers) Book(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeBookRequest(w, r)
	if !ok {
		return
	}
	booked, schedErr := h.Scheduling.BookSlot(req.HospitalCode, req.Department, req.DoctorName, req.Date, req.SlotTime, req.DepartmentCode)
	if schedErr != nil {
		writeError(w, statusFor(schedErr.Code), schedErr.Code, schedErr.Message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": booked, "version": h.Scheduling.Version()})
}

// BookByCode handles POST /api/book_by_code (code-first booking).
func (h *Handlers) BookByCode(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeBookRequest(w, r)
	if !ok {
		return
	}
	booked, schedErr := h.Scheduling.BookSlot(req.HospitalCode, req.Department, req.DoctorName, req.Date, req.SlotTime, req.DepartmentCode)
	if schedErr != nil {
		writeError(w, statusFor(schedErr.Code), schedErr.Code, schedErr.Message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": booked, "version": h.Scheduling.Version()})
}

// BackfillDepartmentCodes handles POST /api/backfill_department_codes.
func (h *Handlers) BackfillDepartmentCodes(w http.ResponseWriter, r *http.Request) {
	hospitalCode := queryOrHeaderHospitalCode(r)
	summary, err := h.Scheduling.BackfillDepartmentCodes(hospitalCode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, schederr.DBError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// VisitDetail handles GET /api/visit_detail; it retries once with an
// empty hospital/date before giving up.
func (h *Handlers) VisitDetail(w http.ResponseWriter, r *http.Request) {
	hospitalCode := queryOrHeaderHospitalCode(r)
	date := r.URL.Query().Get("date")
	doctorName := r.URL.Query().Get("doctor_name")
	slotTime := r.URL.Query().Get("slot_time")

	record, err := h.Visits.FindVisitByBooking(hospitalCode, date, doctorName, slotTime)
	if err != nil {
		writeError(w, http.StatusInternalServerError, schederr.DBError, err.Error())
		return
	}
	if record == nil {
		record, err = h.Visits.FindVisitByBooking("", "", doctorName, slotTime)
		if err != nil {
			writeError(w, http.StatusInternalServerError, schederr.DBError, err.Error())
			return
		}
	}
	if record == nil {
		writeError(w, http.StatusNotFound, schederr.VisitNotFound, "visit not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// joinTokenClaims is minted for the realtime session bridge; 5-minute
// TTL, HS256.
type joinTokenClaims struct {
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// Token handles GET /api/token, minting a short-lived realtime join token.
func (h *Handlers) Token(w http.ResponseWriter, r *http.Request) {
	if h.JoinTokenSecret == "" {
		writeError(w, http.StatusServiceUnavailable, schederr.DBError, "join token signing is not configured")
		return
	}
	ttl := h.JoinTokenTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := time.Now()
	claims := joinTokenClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(h.JoinTokenSecret))
	if err != nil {
		writeError(w, http.StatusInternalServerError, schederr.DBError, "failed to sign join token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": signed, "session_id": sessionID, "expires_in": int(ttl.Seconds())})
}

// Healthz handles GET /healthz and /healthz-unified.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": h.Scheduling.Version()})
}

// --- Session tool-invocation surface -------------------------------
//
// The realtime bridge itself (audio in/out) lives elsewhere; the tool
// calls it drives land here over plain HTTP so the whole orchestrator
// surface is independently reachable and testable.

func sessionIDFromPath(r *http.Request) string {
	return chi.URLParam(r, "sessionID")
}

// StartSession handles POST /api/session/{sessionID}/start.
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	hospitalCode := queryOrHeaderHospitalCode(r)
	session := h.Orchestrator.StartSession(sessionIDFromPath(r), hospitalCode)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": session.ID})
}

type identityRequest struct {
	Name       string  `json:"name"`
	Phone      string  `json:"phone"`
	Confidence float64 `json:"confidence"`
}

// ProposeIdentity handles POST /api/session/{sessionID}/identity/propose.
func (h *Handlers) ProposeIdentity(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, schederr.EmptyOrMalformedJSON, "malformed request body")
		return
	}
	result, err := h.Orchestrator.ProposeIdentity(sessionIDFromPath(r), req.Name, req.Phone, req.Confidence)
	if err != nil {
		writeError(w, statusFor(err.Code), err.Code, err.Message)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ConfirmIdentity handles POST /api/session/{sessionID}/identity/confirm.
func (h *Handlers) ConfirmIdentity(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, schederr.EmptyOrMalformedJSON, "malformed request body")
		return
	}
	result, err := h.Orchestrator.ConfirmIdentity(r.Context(), sessionIDFromPath(r), req.Name, req.Phone)
	if err != nil {
		writeError(w, statusFor(err.Code), err.Code, err.Message)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type scheduleRequest struct {
	PatientName   string `json:"patient_name"`
	Phone         string `json:"phone"`
	PreferredTime string `json:"preferred_time"`
	Symptoms      string `json:"symptoms"`
}

// ScheduleAppointment handles POST /api/session/{sessionID}/schedule.
func (h *Handlers) ScheduleAppointment(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, schederr.EmptyOrMalformedJSON, "malformed request body")
		return
	}
	result, err := h.Orchestrator.ScheduleAppointment(r.Context(), sessionIDFromPath(r), req.PatientName, req.Phone, req.PreferredTime, req.Symptoms)
	if err != nil {
		writeError(w, statusFor(err.Code), err.Code, err.Message)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

type chooseRequest struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// ChooseBookingOption handles POST /api/session/{sessionID}/choose.
func (h *Handlers) ChooseBookingOption(w http.ResponseWriter, r *http.Request) {
	var req chooseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, schederr.EmptyOrMalformedJSON, "malformed request body")
		return
	}
	result, err := h.Orchestrator.ChooseBookingOption(sessionIDFromPath(r), req.Index, req.Reason)
	if err != nil {
		writeError(w, statusFor(err.Code), err.Code, err.Message)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// FinalizeVisit handles POST /api/session/{sessionID}/finalize.
func (h *Handlers) FinalizeVisit(w http.ResponseWriter, r *http.Request) {
	result, err := h.Orchestrator.FinalizeVisit(r.Context(), sessionIDFromPath(r))
	if err != nil {
		writeError(w, statusFor(err.Code), err.Code, err.Message)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// EndSession handles POST /api/session/{sessionID}/end.
func (h *Handlers) EndSession(w http.ResponseWriter, r *http.Request) {
	h.Orchestrator.EndSession(sessionIDFromPath(r))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
