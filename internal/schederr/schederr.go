// Package schederr defines the symbolic error kinds shared across the
// scheduling core, rendered as errors.Is-compatible sentinel values rather
// than bare strings or type names.
package schederr

import (
	"errors"
	"fmt"
)

// Code is a symbolic error kind, stable across the API and tool surface.
type Code string

const (
	// Validation
	InvalidSlotTime            Code = "invalid_slot_time"
	InvalidDateOrSlotFormat    Code = "invalid_date_or_slot_format"
	MissingHospitalCode        Code = "missing_hospital_code"
	NoDepartments              Code = "no_departments"
	NoDepartmentCodes          Code = "no_department_codes"
	DoctorNotFoundInDepartment Code = "doctor_not_found_in_department"

	// Conflict
	AlreadyBooked     Code = "already_booked"
	HeldByOther       Code = "held_by_other"
	DuplicateBooking  Code = "duplicate_booking"

	// State
	IdentityNotConfirmed Code = "identity_not_confirmed"
	InvalidIdentity      Code = "invalid_identity"
	SessionClosing       Code = "session_closing"
	BookingInProgress    Code = "booking_in_progress"
	NoBookingOptions     Code = "no_booking_options"
	InvalidIndex         Code = "invalid_index"
	NoHold               Code = "no_hold"
	HoldExpired          Code = "hold_expired"

	// External
	EmptyOrMalformedJSON Code = "empty_or_malformed_json"
	DBError              Code = "db_error"

	// Not found
	HospitalNotFoundOrNoDepartments Code = "hospital_not_found_or_no_departments"
	VisitNotFound                   Code = "visit_not_found"
)

// Error wraps a Code with an optional human-readable message and a cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, schederr.New(code, "")) match any Error sharing Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New builds a sentinel error for Code with an optional message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds a sentinel error for Code, chaining cause for errors.Unwrap.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// APIError reports an external reasoner failure carrying its own code.
func APIError(providerCode string, cause error) *Error {
	return &Error{Code: Code("api_error"), Message: providerCode, Cause: cause}
}

// Of returns the Code of err if it (or something it wraps) is a *Error.
func Of(err error) (Code, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Code, true
	}
	return "", false
}

// Is reports whether err's Code equals code.
func Is(err error, code Code) bool {
	c, ok := Of(err)
	return ok && c == code
}
