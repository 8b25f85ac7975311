package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-core/internal/catalog"
	"github.com/wolfman30/clinic-booking-core/internal/facts"
	"github.com/wolfman30/clinic-booking-core/internal/jobqueue"
	"github.com/wolfman30/clinic-booking-core/internal/notify"
	"github.com/wolfman30/clinic-booking-core/internal/planner"
	"github.com/wolfman30/clinic-booking-core/internal/reasoner"
	"github.com/wolfman30/clinic-booking-core/internal/scheduling"
	"github.com/wolfman30/clinic-booking-core/internal/visits"
	"github.com/wolfman30/clinic-booking-core/pkg/logging"
)

// stubReasoner returns a fixed response regardless of the request, so
// tests can drive the planner/facts extractor deterministically without
// a live Bedrock or Gemini client.
type stubReasoner struct {
	text string
	err  error
}

func (s *stubReasoner) Complete(ctx context.Context, req reasoner.Request) (reasoner.Response, error) {
	if s.err != nil {
		return reasoner.Response{}, s.err
	}
	return reasoner.Response{Text: s.text}, nil
}

func newTestProcessor(t *testing.T) (*Processor, *visits.Store) {
	t.Helper()
	dir := t.TempDir()

	visitStore, err := visits.Open(filepath.Join(dir, "visits.db"), filepath.Join(dir, "out"), visits.SaveFinal, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = visitStore.Close() })

	cat := catalog.New(filepath.Join(dir, "catalog"), []string{filepath.Join(dir, "data")}, logging.Default())

	schedStore, err := scheduling.Open(filepath.Join(dir, "scheduling.db"), cat, nil, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = schedStore.Close() })

	stage1 := &stubReasoner{text: `{"codes":[]}`}
	plan := planner.New(stage1, cat, schedStore, "stage1-model", "stage2-model", logging.Default())

	factsReasoner := &stubReasoner{text: `{"facts":"no known allergies","summary":"routine checkup"}`}
	extractor := facts.New(factsReasoner, "facts-model", logging.Default())

	proc := New(plan, extractor, visitStore, logging.Default())
	return proc, visitStore
}

func TestProcessPlanJob(t *testing.T) {
	proc, _ := newTestProcessor(t)

	payload := jobqueue.Payload{
		ID:   "job-1",
		Kind: jobqueue.KindPlan,
		Plan: &jobqueue.PlanJob{SessionID: "sess-1", Transcript: "[user] I have a sore throat", Date: "2026-08-03"},
	}

	out, err := proc.Process(context.Background(), payload)
	require.NoError(t, err)

	var result planner.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Empty(t, result.Options)
}

func TestProcessFinalizeJob(t *testing.T) {
	proc, visitStore := newTestProcessor(t)

	customerID, _, err := visitStore.GetOrCreateCustomer("Jane Doe", "0312345678")
	require.NoError(t, err)

	payload := jobqueue.Payload{
		ID:   "job-2",
		Kind: jobqueue.KindFinalize,
		Finalize: &jobqueue.FinalizeJob{
			SessionID:      "sess-2",
			CustomerID:     customerID,
			HospitalCode:   "H1",
			Department:     "General Medicine",
			DepartmentCode: "GM",
			DoctorName:     "Dr. Smith",
			Date:           "2026-08-03",
			SlotTime:       "09:00",
			Transcript:     "[user] I have a sore throat\n[assistant] Booked with Dr. Smith",
		},
	}

	out, err := proc.Process(context.Background(), payload)
	require.NoError(t, err)

	var result finalizeResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.NotEmpty(t, result.VisitID)
	require.Equal(t, "no known allergies", result.Facts)
	require.Equal(t, "routine checkup", result.Summary)

	fs, err := visitStore.GetCustomerFactsSummary(customerID)
	require.NoError(t, err)
	require.Equal(t, "no known allergies", fs.Facts)
	require.Equal(t, "routine checkup", fs.LastSummary)
}

func TestProcessUnknownKind(t *testing.T) {
	proc, _ := newTestProcessor(t)
	_, err := proc.Process(context.Background(), jobqueue.Payload{ID: "job-3", Kind: "bogus"})
	require.Error(t, err)
}

func TestProcessFinalizeNotifiesOps(t *testing.T) {
	proc, visitStore := newTestProcessor(t)
	customerID, _, err := visitStore.GetOrCreateCustomer("John Roe", "0398765432")
	require.NoError(t, err)

	var sent []notify.EmailMessage
	notifier := &captureSender{sent: &sent}
	proc.notifier = notifier
	proc.opsEmails = []string{"ops@example.com"}

	payload := jobqueue.Payload{
		ID:   "job-4",
		Kind: jobqueue.KindFinalize,
		Finalize: &jobqueue.FinalizeJob{
			CustomerID:     customerID,
			HospitalCode:   "H1",
			Department:     "General Medicine",
			DepartmentCode: "GM",
			DoctorName:     "Dr. Smith",
			Date:           "2026-08-03",
			SlotTime:       "09:00",
			Transcript:     "[user] checkup please",
		},
	}

	_, err = proc.Process(context.Background(), payload)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.Equal(t, "ops@example.com", sent[0].To)
}

type captureSender struct {
	sent *[]notify.EmailMessage
}

func (c *captureSender) Send(ctx context.Context, msg notify.EmailMessage) error {
	*c.sent = append(*c.sent, msg)
	return nil
}
