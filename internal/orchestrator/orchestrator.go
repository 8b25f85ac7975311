// Package orchestrator is the per-call session state machine that sits
// between the voice-driven reasoner and this module's scheduling core:
// it tracks caller identity, serializes agent replies, and offloads the
// two-stage planner and the finalize pipeline onto a background job
// queue so the reactor loop itself never blocks on the reasoner. Hold,
// booking and customer-store calls run directly on the caller's goroutine.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-booking-core/internal/catalog"
	"github.com/wolfman30/clinic-booking-core/internal/jobqueue"
	"github.com/wolfman30/clinic-booking-core/internal/jobstore"
	"github.com/wolfman30/clinic-booking-core/internal/planner"
	"github.com/wolfman30/clinic-booking-core/internal/schederr"
	"github.com/wolfman30/clinic-booking-core/internal/scheduling"
	"github.com/wolfman30/clinic-booking-core/internal/visits"
	"github.com/wolfman30/clinic-booking-core/pkg/logging"
)

// ConfirmedTools is the reduced tool surface handed back to the
// reasoner binding layer once identity has been confirmed.
var ConfirmedTools = []string{"schedule_appointment", "choose_booking_option", "finalize_visit"}

// DefaultHoldTTLSeconds is used when a caller doesn't override it; it
// matches config's HOLD_TTL_SECONDS default (the scheduling store only
// enforces a 60-second floor).
const DefaultHoldTTLSeconds = 300

// Orchestrator holds every live session and wires the tool surface
// exposed to the reasoner. Planner and finalize work is dispatched to
// the job queue and runs in a co-located or remote JobProcessor; the
// scheduling and visit store calls (holds, bookings, customer lookup)
// are made directly.
type Orchestrator struct {
	sched   *scheduling.Store
	visits  *visits.Store
	catalog *catalog.Loader
	jobs    *jobWaiter
	redis   *redis.Client
	logger  *logging.Logger

	events EventSink
	hold   HoldMessagePlayer
	reply  ReplySink

	holdTTLSeconds  int
	pendingJobStore *jobstore.Store

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

func WithEventSink(sink EventSink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.events = sink
		}
	}
}

func WithHoldMessagePlayer(p HoldMessagePlayer) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.hold = p
		}
	}
}

func WithReplySink(sink ReplySink) Option {
	return func(o *Orchestrator) { o.reply = sink }
}

func WithRedis(client *redis.Client) Option {
	return func(o *Orchestrator) { o.redis = client }
}

func WithHoldTTLSeconds(seconds int) Option {
	return func(o *Orchestrator) {
		if seconds > 0 {
			o.holdTTLSeconds = seconds
		}
	}
}

// WithJobStore wires a jobstore-backed cross-process result path: the
// orchestrator polls internal/jobstore for a job's completion instead
// of relying solely on the in-process pending-channel delivery, used in
// the two-binary (cmd/api + cmd/scheduleworker) deployment where the
// worker runs in a separate process and can only report results
// through DynamoDB.
func WithJobStore(store *jobstore.Store) Option {
	return func(o *Orchestrator) { o.pendingJobStore = store }
}

// New builds an Orchestrator. queue is required; store may be nil for
// single-process deployments that rely on a co-located JobProcessor
// delivering results locally (see jobs.go).
func New(sched *scheduling.Store, visitStore *visits.Store, cat *catalog.Loader, queue jobqueue.Client, logger *logging.Logger, opts ...Option) *Orchestrator {
	if sched == nil {
		panic("orchestrator: scheduling store cannot be nil")
	}
	if visitStore == nil {
		panic("orchestrator: visits store cannot be nil")
	}
	if queue == nil {
		panic("orchestrator: job queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	o := &Orchestrator{
		sched:          sched,
		visits:         visitStore,
		catalog:        cat,
		logger:         logger,
		events:         NoopEventSink{},
		hold:           NoopHoldMessagePlayer{},
		holdTTLSeconds: DefaultHoldTTLSeconds,
		sessions:       make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.jobs = newJobWaiter(queue, o.pendingJobStore)
	return o
}

// JobWaiter exposes the orchestrator's waiter so a co-located
// JobProcessor (single-process/dev and tests) can deliver results
// locally without a job-store round trip.
func (o *Orchestrator) JobWaiter() *jobWaiter { return o.jobs }

// DeliverJobResult hands a plan/finalize job's result straight to the
// orchestrator call still waiting on it. cmd/api's single-process/dev
// mode calls this from an inline worker goroutine that drains the
// in-memory queue itself instead of going through cmd/scheduleworker +
// internal/jobstore.
func (o *Orchestrator) DeliverJobResult(jobID, resultJSON string, err error) {
	o.jobs.deliverLocal(jobID, resultJSON, err)
}

// StartSession creates (or returns the existing) session state for id.
func (o *Orchestrator) StartSession(id, hospitalCode string) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sessions[id]; ok {
		return s
	}
	s := NewSession(id, hospitalCode, o.redis)
	o.sessions[id] = s
	return s
}

// Session returns the session for id, if any.
func (o *Orchestrator) Session(id string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	return s, ok
}

// EndSession releases any holds the session still owns and discards its
// state, whether the call ended through finalize_visit or a disconnect.
func (o *Orchestrator) EndSession(id string) {
	if err := o.sched.CancelHoldsForSession(id); err != nil {
		o.logger.Warn("orchestrator: cancel holds on session end failed", "error", err, "session_id", id)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.sessions, id)
}

func (o *Orchestrator) requireSession(id string) (*Session, *schederr.Error) {
	s, ok := o.Session(id)
	if !ok {
		return nil, schederr.New(schederr.IdentityNotConfirmed, "no session: "+id)
	}
	return s, nil
}

// ProposeIdentity updates draft identity fields when confidence is at
// least the previously recorded draft confidence. A no-op once the
// session's identity is already confirmed.
func (o *Orchestrator) ProposeIdentity(sessionID, name, phone string, confidence float64) (map[string]any, *schederr.Error) {
	s, serr := o.requireSession(sessionID)
	if serr != nil {
		return nil, serr
	}

	s.mu.Lock()
	if s.Identity.IsConfirmed {
		s.mu.Unlock()
		return map[string]any{"ok": true, "message": "identity already confirmed"}, nil
	}
	if confidence >= s.Identity.DraftConfidence {
		if strings.TrimSpace(name) != "" {
			s.Identity.DraftName = strings.TrimSpace(name)
		}
		if strings.TrimSpace(phone) != "" {
			s.Identity.DraftPhone = strings.TrimSpace(phone)
		}
		s.Identity.DraftConfidence = confidence
	}
	draft := s.Identity
	s.mu.Unlock()

	o.events.Publish(Event{Type: EventIdentityCaptured, SessionID: sessionID, Data: map[string]any{
		"name": draft.DraftName, "phone": draft.DraftPhone, "confidence": draft.DraftConfidence,
	}})
	return map[string]any{"ok": true, "name": draft.DraftName, "phone": draft.DraftPhone}, nil
}

// ConfirmIdentity promotes draft identity to confirmed (gated on a
// valid phone), or, if already confirmed, applies a correction and
// invalidates any in-flight booking so the caller must rebook.
func (o *Orchestrator) ConfirmIdentity(ctx context.Context, sessionID, name, phone string) (map[string]any, *schederr.Error) {
	s, serr := o.requireSession(sessionID)
	if serr != nil {
		return nil, serr
	}

	name = strings.TrimSpace(name)
	phone = strings.TrimSpace(phone)

	s.mu.Lock()
	if s.Identity.IsConfirmed {
		changed := (name != "" && name != s.Identity.ConfirmedName) || (phone != "" && phone != s.Identity.ConfirmedPhone)
		if !changed {
			s.mu.Unlock()
			return map[string]any{"ok": true, "message": "identity unchanged"}, nil
		}
		if name != "" {
			s.Identity.ConfirmedName = name
		}
		if phone != "" {
			if !ValidPhone(phone) {
				s.mu.Unlock()
				return nil, schederr.New(schederr.InvalidIdentity, "phone is not a valid mobile number")
			}
			s.Identity.ConfirmedPhone = phone
		}
		s.LatestBooking = nil
		s.AllowFinalize = false
		s.mu.Unlock()

		o.events.Publish(Event{Type: EventIdentityUpdated, SessionID: sessionID, Data: map[string]any{
			"name": s.Identity.ConfirmedName, "phone": s.Identity.ConfirmedPhone,
		}})
		return map[string]any{"ok": true, "updated": true, "message": "identity updated; previous booking invalidated"}, nil
	}

	finalName := name
	if finalName == "" {
		finalName = s.Identity.DraftName
	}
	finalPhone := phone
	if finalPhone == "" {
		finalPhone = s.Identity.DraftPhone
	}
	s.mu.Unlock()

	if finalName == "" || !ValidPhone(finalPhone) {
		return nil, schederr.New(schederr.InvalidIdentity, "a name and a valid phone are required to confirm identity")
	}

	s.mu.Lock()
	s.Identity.ConfirmedName = finalName
	s.Identity.ConfirmedPhone = finalPhone
	s.Identity.IsConfirmed = true
	s.mu.Unlock()

	customerID, _, err := o.visits.GetOrCreateCustomer(finalName, finalPhone)
	if err != nil {
		o.logger.Warn("orchestrator: get_or_create_customer failed", "error", err, "session_id", sessionID)
	} else {
		s.mu.Lock()
		s.CustomerID = customerID
		s.mu.Unlock()
	}

	o.injectPersonalContext(ctx, s, finalPhone)

	o.events.Publish(Event{Type: EventIdentityConfirmed, SessionID: sessionID, Data: map[string]any{
		"name": finalName, "phone": finalPhone,
	}})

	return map[string]any{
		"ok":            true,
		"name":          finalName,
		"phone":         finalPhone,
		"allowed_tools": ConfirmedTools,
	}, nil
}

// injectPersonalContext is the one-shot lookup on first confirmation:
// if a returning customer is found by phone, their accumulated facts
// and last visit summary are folded into the session so the reasoner's
// instructions can mention them, gated by PersonalContextInjected so a
// later identity correction never re-triggers it.
func (o *Orchestrator) injectPersonalContext(ctx context.Context, s *Session, phone string) {
	s.mu.Lock()
	alreadyInjected := s.PersonalContextInjected
	s.mu.Unlock()
	if alreadyInjected {
		return
	}

	customerID, found, err := o.visits.GetCustomerByPhone(phone)
	if err != nil || !found {
		s.mu.Lock()
		s.PersonalContextInjected = true
		s.mu.Unlock()
		return
	}

	factsSummary, err := o.visits.GetCustomerFactsSummary(customerID)
	if err != nil {
		o.logger.Warn("orchestrator: get_customer_facts_summary failed", "error", err)
	}

	recent, err := o.visits.GetRecentVisits(customerID, 5)
	if err != nil {
		o.logger.Warn("orchestrator: get_recent_visits failed", "error", err)
	}

	personalContext, err := o.visits.BuildPersonalContext(customerID, recent)
	if err != nil {
		o.logger.Warn("orchestrator: build_personal_context failed", "error", err)
	}

	s.mu.Lock()
	s.ExistingFacts = factsSummary.Facts
	s.ExistingSummary = factsSummary.LastSummary
	s.PersonalContextInjected = true
	s.AppendSystemLineLocked("PERSONAL_CONTEXT_INJECTED " + personalContext)
	s.mu.Unlock()

	if o.reply != nil {
		if err := s.Gate.Issue(ctx, "", o.reply); err != nil {
			o.logger.Warn("orchestrator: silent acknowledgement reply failed", "error", err)
		}
	}
}

// ScheduleAppointment rejects unconfirmed identity, a closing session,
// or a booking already in progress; otherwise it enqueues a plan job
// and returns immediately, leaving a transcript guard line in place
// until the background planner result lands.
func (o *Orchestrator) ScheduleAppointment(ctx context.Context, sessionID, patientName, phone, preferredTime, symptoms string) (map[string]any, *schederr.Error) {
	s, serr := o.requireSession(sessionID)
	if serr != nil {
		return nil, serr
	}

	s.mu.Lock()
	if !s.Identity.IsConfirmed {
		s.mu.Unlock()
		return nil, schederr.New(schederr.IdentityNotConfirmed, "confirm_identity must succeed before scheduling")
	}
	if s.Closing {
		s.mu.Unlock()
		return nil, schederr.New(schederr.SessionClosing, "session is closing")
	}
	if s.BookingInProgress {
		s.mu.Unlock()
		return map[string]any{"ok": false, "error": string(schederr.BookingInProgress)}, nil
	}
	s.LatestBooking = nil
	s.AllowFinalize = false
	s.BookingInProgress = true
	s.AppendSystemLineLocked("BOOKING_GUARD active: do not name concrete times or doctors until BOOKING_GUARD_END")
	s.mu.Unlock()

	if strings.TrimSpace(patientName) != "" || strings.TrimSpace(preferredTime) != "" || strings.TrimSpace(symptoms) != "" {
		s.AppendTurn("", "user", strings.TrimSpace(strings.Join([]string{patientName, preferredTime, symptoms}, " ")))
	}

	o.events.Publish(Event{Type: EventBookingPending, SessionID: sessionID, Data: nil})
	o.hold.Play(sessionID)

	go o.runPlanJob(sessionID, s)

	return map[string]any{"ok": true, "status": "pending"}, nil
}

func (o *Orchestrator) runPlanJob(sessionID string, s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	transcript := s.Transcript()
	payload := jobqueue.Payload{Kind: jobqueue.KindPlan, Plan: &jobqueue.PlanJob{
		SessionID:  sessionID,
		Transcript: transcript,
	}}

	resultJSON, err := o.jobs.dispatch(ctx, payload)

	s.mu.Lock()
	s.BookingInProgress = false
	s.AppendSystemLineLocked("BOOKING_GUARD_END")
	s.mu.Unlock()

	if err != nil {
		o.logger.Error("orchestrator: plan job failed", "error", err, "session_id", sessionID)
		o.events.Publish(Event{Type: EventBookingError, SessionID: sessionID, Data: map[string]any{"error": err.Error()}})
		if o.reply != nil {
			_ = s.Gate.Issue(ctx, "I'm sorry, I couldn't find any matching appointment slots. Could you tell me again what you need?", o.reply)
		}
		return
	}

	var result planner.Result
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		o.logger.Error("orchestrator: decode plan result", "error", err, "session_id", sessionID)
		o.events.Publish(Event{Type: EventBookingError, SessionID: sessionID, Data: map[string]any{"error": "malformed plan result"}})
		return
	}

	s.mu.Lock()
	s.LatestBooking = &result
	bookingJSON, _ := json.Marshal(result)
	line := string(bookingJSON)
	if len(line) > 1800 {
		line = line[:1800]
	}
	s.AppendSystemLineLocked("BOOKING_JSON " + line)
	for i, opt := range result.Options {
		s.AppendSystemLineLocked(fmt.Sprintf("BOOKING_OPT[%d] hospital=%s doctor=%s time=%s", i, opt.Hospital, opt.DoctorName, opt.SlotTime))
	}
	s.mu.Unlock()

	o.events.Publish(Event{Type: EventBookingResult, SessionID: sessionID, Data: map[string]any{"options": result.Options}})
	if o.reply != nil {
		_ = s.Gate.Issue(ctx, "", o.reply)
	}
}

// ChooseBookingOption selects one of the planner's candidate options,
// canonicalizes its department display name against the live catalog,
// and creates a soft hold (after releasing any prior hold this session
// owned).
func (o *Orchestrator) ChooseBookingOption(sessionID string, index int, reason string) (map[string]any, *schederr.Error) {
	s, serr := o.requireSession(sessionID)
	if serr != nil {
		return nil, serr
	}

	s.mu.Lock()
	if s.Closing {
		s.mu.Unlock()
		return nil, schederr.New(schederr.SessionClosing, "session is closing")
	}
	if s.LatestBooking == nil || len(s.LatestBooking.Options) == 0 {
		s.mu.Unlock()
		return nil, schederr.New(schederr.NoBookingOptions, "no booking options available yet")
	}
	if index < 0 || index >= len(s.LatestBooking.Options) {
		count := len(s.LatestBooking.Options)
		s.mu.Unlock()
		return map[string]any{"ok": false, "error": string(schederr.InvalidIndex), "count": count}, nil
	}
	chosen := s.LatestBooking.Options[index]
	s.mu.Unlock()

	if canon := o.canonicalDepartment(chosen.HospitalCode, chosen.DepartmentCode); canon != "" {
		chosen.Department = canon
	}

	if err := o.sched.CancelHoldsForSession(sessionID); err != nil {
		o.logger.Warn("orchestrator: cancel prior holds failed", "error", err, "session_id", sessionID)
	}

	datePart, timePart := splitSlotTime(chosen.SlotTime)
	var holdErr *schederr.Error
	if chosen.HospitalCode != "" && chosen.Department != "" && chosen.DoctorName != "" && datePart != "" && timePart != "" {
		_, holdErr = o.sched.CreateHold(chosen.HospitalCode, chosen.Department, chosen.DoctorName, datePart, timePart, sessionID, o.holdTTLSeconds, chosen.DepartmentCode)
	}

	s.mu.Lock()
	s.LatestBooking.Chosen = &chosen
	s.AllowFinalize = true
	s.AppendSystemLineLocked(fmt.Sprintf("BOOKING_CHOSEN doctor=%s hospital=%s time=%s", chosen.DoctorName, chosen.HospitalCode, chosen.SlotTime))
	s.mu.Unlock()

	o.events.Publish(Event{Type: EventBookingOptionChosen, SessionID: sessionID, Data: map[string]any{
		"chosen_index": index, "chosen": chosen, "reason": reason,
	}})

	result := map[string]any{"ok": true, "chosen_index": index, "chosen": chosen}
	if holdErr != nil {
		result["hold_error"] = holdErr.Error()
	}
	return result, nil
}

// FinalizeVisit promotes the session's hold to a real booking (falling
// back to a direct booking attempt if the hold was already lost),
// immediately marks the session closing, and hands the transcript off
// to a background finalizer that extracts facts/summary and persists
// the visit.
func (o *Orchestrator) FinalizeVisit(ctx context.Context, sessionID string) (map[string]any, *schederr.Error) {
	s, serr := o.requireSession(sessionID)
	if serr != nil {
		return nil, serr
	}

	s.mu.Lock()
	if s.Closing {
		s.mu.Unlock()
		return map[string]any{"ok": false, "message": "session already closing"}, nil
	}
	latest := s.LatestBooking
	customerID := s.CustomerID
	hospitalCode := s.HospitalCode
	s.mu.Unlock()

	persist := o.promoteChosen(sessionID, latest)

	transcript := s.Transcript()
	userOnly := s.UserOnlyTranscript()

	s.mu.Lock()
	s.Closing = true
	s.LatestBooking = nil
	s.AllowFinalize = false
	existingFacts := s.ExistingFacts
	existingSummary := s.ExistingSummary
	s.mu.Unlock()

	var chosen *planner.Option
	if latest != nil {
		chosen = latest.Chosen
	}

	go o.runFinalizeJob(sessionID, customerID, hospitalCode, chosen, transcript, userOnly, existingFacts, existingSummary)

	o.events.Publish(Event{Type: EventWrapupDone, SessionID: sessionID, Data: map[string]any{"persist": persist}})

	return map[string]any{"ok": true, "persist": persist}, nil
}

// promoteChosen commits the chosen option to a real booking before the
// session tears down, promoting the soft hold and falling back to a
// direct book only if the promote itself fails — the single
// authoritative booking path.
func (o *Orchestrator) promoteChosen(sessionID string, latest *planner.Result) map[string]any {
	if latest == nil || latest.Chosen == nil {
		return map[string]any{"mode": "none"}
	}
	chosen := *latest.Chosen
	datePart, timePart := splitSlotTime(chosen.SlotTime)
	if chosen.HospitalCode == "" || chosen.Department == "" || chosen.DoctorName == "" || datePart == "" || timePart == "" {
		return map[string]any{"mode": "none"}
	}

	ok, err := o.sched.PromoteHoldToBooking(sessionID, chosen.HospitalCode, chosen.Department, chosen.DoctorName, datePart, timePart, chosen.DepartmentCode)
	if ok {
		return map[string]any{"mode": "promote_hold", "ok": true}
	}
	o.logger.Warn("orchestrator: promote_hold_to_booking failed, falling back to direct book", "error", err, "session_id", sessionID)

	dOk, dErr := o.sched.BookSlot(chosen.HospitalCode, chosen.Department, chosen.DoctorName, datePart, timePart, chosen.DepartmentCode)
	if dErr != nil {
		return map[string]any{"mode": "direct_fallback", "ok": false, "message": dErr.Error()}
	}
	return map[string]any{"mode": "direct_fallback", "ok": dOk}
}

func (o *Orchestrator) runFinalizeJob(sessionID, customerID, hospitalCode string, chosen *planner.Option, transcript, userOnly, existingFacts, existingSummary string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	job := &jobqueue.FinalizeJob{
		SessionID:       sessionID,
		CustomerID:      customerID,
		HospitalCode:    hospitalCode,
		Transcript:      transcript,
		UserTranscript:  userOnly,
		ExistingFacts:   existingFacts,
		ExistingSummary: existingSummary,
	}
	if chosen != nil {
		datePart, timePart := splitSlotTime(chosen.SlotTime)
		job.Department = chosen.Department
		job.DepartmentCode = chosen.DepartmentCode
		job.DoctorName = chosen.DoctorName
		job.Date = datePart
		job.SlotTime = timePart
	}
	payload := jobqueue.Payload{Kind: jobqueue.KindFinalize, Finalize: job}
	if _, err := o.jobs.dispatch(ctx, payload); err != nil {
		o.logger.Error("orchestrator: finalize job failed", "error", err, "session_id", sessionID)
	}
}

func (o *Orchestrator) canonicalDepartment(hospitalCode, departmentCode string) string {
	if o.catalog == nil || departmentCode == "" {
		return ""
	}
	meta, ok := o.catalog.GetHospitalMeta(hospitalCode)
	if !ok {
		return ""
	}
	if dep, ok := meta.DepartmentsByCode[departmentCode]; ok {
		return dep.Name
	}
	return ""
}

func splitSlotTime(slotTime string) (datePart, timePart string) {
	fields := strings.Fields(slotTime)
	if len(fields) == 0 {
		return "", ""
	}
	if len(fields) == 1 {
		return "", fields[0]
	}
	return fields[0], fields[len(fields)-1]
}
