package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-core/internal/jobqueue"
	"github.com/wolfman30/clinic-booking-core/internal/planner"
	"github.com/wolfman30/clinic-booking-core/internal/scheduling"
	"github.com/wolfman30/clinic-booking-core/internal/visits"
	"github.com/wolfman30/clinic-booking-core/pkg/logging"
)

// fakeWorker answers every dispatched job with a canned result,
// standing in for internal/worker.Processor so these tests exercise the
// orchestrator's state machine without a real reasoner or background
// binary.
func fakeWorker(t *testing.T, queue *jobqueue.MemoryQueue, orch *Orchestrator, planResult planner.Result) {
	t.Helper()
	planBody, err := json.Marshal(planResult)
	require.NoError(t, err)

	go func() {
		for {
			msgs, err := queue.Receive(context.Background(), 1, 1)
			if err != nil {
				return
			}
			for _, msg := range msgs {
				var payload jobqueue.Payload
				if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
					continue
				}
				switch payload.Kind {
				case jobqueue.KindPlan:
					orch.DeliverJobResult(payload.ID, string(planBody), nil)
				case jobqueue.KindFinalize:
					orch.DeliverJobResult(payload.ID, `{"visit_id":"v1","facts":"none","summary":"ok"}`, nil)
				}
				_ = queue.Delete(context.Background(), msg.ReceiptHandle)
			}
		}
	}()
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *jobqueue.MemoryQueue) {
	t.Helper()
	dir := t.TempDir()

	schedStore, err := scheduling.Open(filepath.Join(dir, "scheduling.db"), nil, nil, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = schedStore.Close() })

	visitStore, err := visits.Open(filepath.Join(dir, "visits.db"), filepath.Join(dir, "out"), visits.SaveFinal, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = visitStore.Close() })

	queue := jobqueue.NewMemoryQueue(16)
	orch := New(schedStore, visitStore, nil, queue, logging.Default())
	return orch, queue
}

func TestConfirmIdentityRequiresNameAndValidPhone(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	orch.StartSession("sess-1", "H1")

	_, serr := orch.ConfirmIdentity(context.Background(), "sess-1", "Jane Doe", "12345")
	require.NotNil(t, serr)
	require.Equal(t, "invalid_identity", string(serr.Code))

	result, serr := orch.ConfirmIdentity(context.Background(), "sess-1", "Jane Doe", "0312345678")
	require.Nil(t, serr)
	require.Equal(t, true, result["ok"])

	s, ok := orch.Session("sess-1")
	require.True(t, ok)
	require.True(t, s.Identity.IsConfirmed)
	require.NotEmpty(t, s.CustomerID)
}

func TestScheduleAppointmentRejectsUnconfirmedIdentity(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	orch.StartSession("sess-2", "H1")

	_, serr := orch.ScheduleAppointment(context.Background(), "sess-2", "Jane Doe", "0312345678", "tomorrow morning", "sore throat")
	require.NotNil(t, serr)
	require.Equal(t, "identity_not_confirmed", string(serr.Code))
}

func TestFullBookingLifecycle(t *testing.T) {
	orch, queue := newTestOrchestrator(t)

	planResult := planner.Result{Options: []planner.Option{
		{HospitalCode: "H1", Hospital: "General Hospital", Department: "Cardiology", DepartmentCode: "CARD", DoctorName: "Dr. Smith", SlotTime: "2026-08-03 08:00"},
	}}
	fakeWorker(t, queue, orch, planResult)

	sessionID := "sess-3"
	orch.StartSession(sessionID, "H1")

	_, serr := orch.ConfirmIdentity(context.Background(), sessionID, "Jane Doe", "0312345678")
	require.Nil(t, serr)

	scheduleResult, serr := orch.ScheduleAppointment(context.Background(), sessionID, "Jane Doe", "", "tomorrow morning", "sore throat")
	require.Nil(t, serr)
	require.Equal(t, "pending", scheduleResult["status"])

	require.Eventually(t, func() bool {
		s, ok := orch.Session(sessionID)
		return ok && s.LatestBooking != nil && len(s.LatestBooking.Options) == 1
	}, 2*time.Second, 10*time.Millisecond, "plan result never landed on the session")

	chooseResult, serr := orch.ChooseBookingOption(sessionID, 0, "caller picked the first option")
	require.Nil(t, serr)
	require.Equal(t, 0, chooseResult["chosen_index"])

	finalizeResult, serr := orch.FinalizeVisit(context.Background(), sessionID)
	require.Nil(t, serr)
	require.Equal(t, true, finalizeResult["ok"])

	_, ok := orch.Session(sessionID)
	require.True(t, ok, "session stays registered until EndSession is called explicitly")

	orch.EndSession(sessionID)
	_, ok = orch.Session(sessionID)
	require.False(t, ok)
}

func TestChooseBookingOptionRejectsInvalidIndex(t *testing.T) {
	orch, queue := newTestOrchestrator(t)

	planResult := planner.Result{Options: []planner.Option{
		{HospitalCode: "H1", Department: "Cardiology", DoctorName: "Dr. Smith", SlotTime: "2026-08-03 08:00"},
	}}
	fakeWorker(t, queue, orch, planResult)

	sessionID := "sess-4"
	orch.StartSession(sessionID, "H1")
	_, serr := orch.ConfirmIdentity(context.Background(), sessionID, "Jane Doe", "0312345678")
	require.Nil(t, serr)

	_, serr = orch.ScheduleAppointment(context.Background(), sessionID, "Jane Doe", "", "tomorrow morning", "sore throat")
	require.Nil(t, serr)

	require.Eventually(t, func() bool {
		s, ok := orch.Session(sessionID)
		return ok && s.LatestBooking != nil
	}, 2*time.Second, 10*time.Millisecond)

	result, serr := orch.ChooseBookingOption(sessionID, 5, "")
	require.Nil(t, serr)
	require.Equal(t, false, result["ok"])
	require.Equal(t, "invalid_index", result["error"])
}
