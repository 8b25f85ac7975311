package visits

// Payload is the free-form visit record persisted alongside its summary
// and facts text. It deliberately stays a dynamic map rather than a
// fixed struct: the finalize pipeline assembles it from several
// sources (summary extraction, booking state, facts) and callers are
// expected to add whatever fields matter for lookup.
type Payload map[string]any

// BookingIndex carries the fields FindVisitByBooking matches against,
// independent of wherever those fields live inside Payload["booking"].
type BookingIndex struct {
	HospitalCode   string `json:"hospital_code,omitempty"`
	DepartmentCode string `json:"department_code,omitempty"`
	DoctorName     string `json:"doctor_name,omitempty"`
	Date           string `json:"date,omitempty"`
	SlotTime       string `json:"slot_time,omitempty"`
}

// VisitRecord is one stored visit row.
type VisitRecord struct {
	VisitID    string  `json:"visit_id"`
	CustomerID string  `json:"customer_id"`
	CreatedAt  string  `json:"created_at"`
	Payload    Payload `json:"payload"`
	Summary    string  `json:"summary"`
	Facts      string  `json:"facts"`
}

// FactsSummary is a customer's accumulated stable facts and last visit
// summary, the running personalization state fed back into future
// sessions.
type FactsSummary struct {
	Facts       string
	LastSummary string
}
