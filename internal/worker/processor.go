// Package worker is the background job body that cmd/scheduleworker
// drains off internal/jobqueue, and that cmd/api's single-process/dev
// mode runs inline against the same in-memory queue. The two-stage
// planner and the finalize (facts-extraction + visit persistence)
// pipeline both run here, never on the orchestrator's own goroutine.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-booking-core/internal/archive"
	"github.com/wolfman30/clinic-booking-core/internal/facts"
	"github.com/wolfman30/clinic-booking-core/internal/idempotency"
	"github.com/wolfman30/clinic-booking-core/internal/jobqueue"
	"github.com/wolfman30/clinic-booking-core/internal/notify"
	"github.com/wolfman30/clinic-booking-core/internal/planner"
	"github.com/wolfman30/clinic-booking-core/internal/visits"
	"github.com/wolfman30/clinic-booking-core/pkg/logging"
)

// Processor runs one plan or finalize job to completion and returns its
// JSON-serialized result, the shape internal/jobstore.Record.ResultJSON
// and the orchestrator's jobWaiter both expect.
type Processor struct {
	planner   *planner.Planner
	facts     *facts.Extractor
	visits    *visits.Store
	archiver  *archive.Store
	notifier  notify.EmailSender
	opsEmails []string
	idem      *idempotency.Store
	logger    *logging.Logger
}

// Option configures a Processor at construction time.
type Option func(*Processor)

func WithArchive(store *archive.Store) Option {
	return func(p *Processor) { p.archiver = store }
}

func WithNotifier(sender notify.EmailSender, opsEmails []string) Option {
	return func(p *Processor) {
		p.notifier = sender
		p.opsEmails = opsEmails
	}
}

func WithIdempotency(store *idempotency.Store) Option {
	return func(p *Processor) { p.idem = store }
}

// New builds a Processor. plan and factsExtractor are required; the
// other collaborators are ambient/optional extras.
func New(plan *planner.Planner, factsExtractor *facts.Extractor, visitStore *visits.Store, logger *logging.Logger, opts ...Option) *Processor {
	if plan == nil {
		panic("worker: planner cannot be nil")
	}
	if factsExtractor == nil {
		panic("worker: facts extractor cannot be nil")
	}
	if visitStore == nil {
		panic("worker: visits store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	p := &Processor{planner: plan, facts: factsExtractor, visits: visitStore, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs payload to completion and returns its JSON result.
func (p *Processor) Process(ctx context.Context, payload jobqueue.Payload) (string, error) {
	switch payload.Kind {
	case jobqueue.KindPlan:
		if payload.Plan == nil {
			return "", fmt.Errorf("worker: plan payload missing body")
		}
		return p.processPlan(ctx, payload.Plan)
	case jobqueue.KindFinalize:
		if payload.Finalize == nil {
			return "", fmt.Errorf("worker: finalize payload missing body")
		}
		return p.processFinalize(ctx, payload.ID, payload.Finalize)
	default:
		return "", fmt.Errorf("worker: unknown job kind %q", payload.Kind)
	}
}

func (p *Processor) processPlan(ctx context.Context, job *jobqueue.PlanJob) (string, error) {
	result, err := p.planner.Plan(ctx, job.Transcript, job.Date)
	if err != nil {
		return "", fmt.Errorf("worker: plan job: %w", err)
	}
	body, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("worker: encode plan result: %w", err)
	}
	return string(body), nil
}

// finalizeResult is the JSON body a finalize job resolves to; callers
// (the orchestrator's jobWaiter, dashboard pollers) decode this shape.
type finalizeResult struct {
	VisitID string `json:"visit_id"`
	Facts   string `json:"facts"`
	Summary string `json:"summary"`
}

func (p *Processor) processFinalize(ctx context.Context, jobID string, job *jobqueue.FinalizeJob) (string, error) {
	if p.idem != nil {
		ok, err := p.idem.MarkProcessed(ctx, "finalize", jobID)
		if err != nil {
			p.logger.Warn("worker: idempotency check failed, proceeding anyway", "error", err, "job_id", jobID)
		} else if !ok {
			p.logger.Info("worker: finalize job already processed, skipping duplicate delivery", "job_id", jobID)
			body, _ := json.Marshal(finalizeResult{})
			return string(body), nil
		}
	}

	// Facts are extracted from what the caller actually said; the full
	// transcript (with system narration lines) goes into the payload.
	conversation := job.UserTranscript
	if conversation == "" {
		conversation = job.Transcript
	}
	extracted := p.facts.Extract(ctx, conversation, job.ExistingFacts, job.ExistingSummary)
	if err := p.visits.UpdateCustomerFactsSummary(job.CustomerID, extracted.Facts, extracted.Summary); err != nil {
		p.logger.Warn("worker: update customer facts/summary failed", "error", err, "customer_id", job.CustomerID)
	}

	bookingIndex := visits.BookingIndex{
		HospitalCode:   job.HospitalCode,
		DepartmentCode: job.DepartmentCode,
		DoctorName:     job.DoctorName,
		Date:           job.Date,
		SlotTime:       job.SlotTime,
	}
	payload := visits.Payload{
		"booking_index": bookingIndex,
		"department":    job.Department,
		"transcript":    job.Transcript,
	}

	visitID, err := p.visits.Save(job.CustomerID, payload, true, extracted.Summary, extracted.Facts)
	if err != nil {
		// The session is tearing down regardless, so record a minimal
		// payload keyed only to the customer rather than losing the
		// visit entirely.
		p.logger.Error("worker: save visit failed, writing minimal fallback payload", "error", err, "customer_id", job.CustomerID)
		fallback := visits.Payload{"booking_index": bookingIndex, "fallback": true}
		visitID, err = p.visits.Save(job.CustomerID, fallback, true, extracted.Summary, extracted.Facts)
		if err != nil {
			return "", fmt.Errorf("worker: finalize job: save visit (fallback): %w", err)
		}
	}

	p.archiveVisit(ctx, visitID, job.CustomerID, job.HospitalCode, payload, extracted)
	p.notifyOps(ctx, job, extracted)

	body, err := json.Marshal(finalizeResult{VisitID: visitID, Facts: extracted.Facts, Summary: extracted.Summary})
	if err != nil {
		return "", fmt.Errorf("worker: encode finalize result: %w", err)
	}
	return string(body), nil
}

func (p *Processor) archiveVisit(ctx context.Context, visitID, customerID, hospitalCode string, payload visits.Payload, extracted facts.Result) {
	if p.archiver == nil || !p.archiver.Enabled() {
		return
	}
	record := &archive.VisitRecord{
		VisitID:      visitID,
		CustomerID:   customerID,
		HospitalCode: hospitalCode,
		Payload:      payload,
		Summary:      extracted.Summary,
		Facts:        extracted.Facts,
		ArchivedAt:   time.Now().UTC(),
	}
	if err := p.archiver.ArchiveVisit(ctx, record); err != nil {
		p.logger.Warn("worker: archive visit failed", "error", err, "visit_id", visitID)
	}
}

func (p *Processor) notifyOps(ctx context.Context, job *jobqueue.FinalizeJob, extracted facts.Result) {
	if p.notifier == nil || len(p.opsEmails) == 0 {
		return
	}
	notice := notify.BookingNotice{
		HospitalCode:   job.HospitalCode,
		Department:     job.Department,
		DepartmentCode: job.DepartmentCode,
		DoctorName:     job.DoctorName,
		Date:           job.Date,
		SlotTime:       job.SlotTime,
		Summary:        extracted.Summary,
	}
	for _, to := range p.opsEmails {
		if err := p.notifier.Send(ctx, notice.Message(to)); err != nil {
			p.logger.Warn("worker: ops notification email failed", "error", err, "to", to)
		}
	}
}
