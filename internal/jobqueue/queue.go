// Package jobqueue is the background job transport the Session
// Orchestrator (C8) uses to offload slow, blocking work — the two-stage
// planner and the finalize pipeline — off of the reply-gate's event loop.
// With SQS, cmd/scheduleworker drains this queue and cmd/api waits for
// results via internal/jobstore; with the in-memory queue, cmd/api
// drains it itself with an inline worker pool.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Client is the queue transport surface; MemoryQueue and SQSQueue both
// satisfy it.
type Client interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Message is one queue delivery.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Kind distinguishes the two background job types the scheduler runs.
type Kind string

const (
	KindPlan     Kind = "plan"
	KindFinalize Kind = "finalize"
)

// PlanJob asks the two-stage planner to produce booking options for a
// session's transcript so far.
type PlanJob struct {
	SessionID  string `json:"session_id"`
	Transcript string `json:"transcript"`
	Date       string `json:"date,omitempty"`
}

// FinalizeJob asks the finalize pipeline to extract facts/summary and
// persist the visit for a session whose booking is being closed out.
type FinalizeJob struct {
	SessionID       string `json:"session_id"`
	CustomerID      string `json:"customer_id"`
	HospitalCode    string `json:"hospital_code"`
	Department      string `json:"department"`
	DepartmentCode  string `json:"department_code"`
	DoctorName      string `json:"doctor_name"`
	Date            string `json:"date"`
	SlotTime        string `json:"slot_time"`
	Transcript      string `json:"transcript"`
	UserTranscript  string `json:"user_transcript,omitempty"`
	ExistingFacts   string `json:"existing_facts,omitempty"`
	ExistingSummary string `json:"existing_summary,omitempty"`
}

// Payload is the envelope written to the queue; exactly one of Plan or
// Finalize is populated, matching Kind.
type Payload struct {
	ID       string       `json:"id"`
	Kind     Kind         `json:"kind"`
	Plan     *PlanJob     `json:"plan,omitempty"`
	Finalize *FinalizeJob `json:"finalize,omitempty"`
}

// Encode assigns a job ID if missing and serializes the payload.
func Encode(payload Payload) (Payload, string, error) {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Payload{}, "", fmt.Errorf("jobqueue: encode payload: %w", err)
	}
	return payload, string(body), nil
}
