package scheduling

import "github.com/wolfman30/clinic-booking-core/internal/catalog"

// BookingsSnapshot is the department-name-keyed view of a day's booked
// slots, as served by the name-keyed bookings snapshot route.
type BookingsSnapshot struct {
	HospitalCode string                         `json:"hospital_code"`
	Date         string                         `json:"date"`
	Version      int64                          `json:"version"`
	Bookings     map[string]map[string][]string `json:"bookings"` // department -> doctor -> slots
}

// BookingsSnapshotByCodes is the code-centric equivalent of
// BookingsSnapshot; legacy rows with no department_code are surfaced as a
// count rather than silently guessed at.
type BookingsSnapshotByCodes struct {
	HospitalCode      string                         `json:"hospital_code"`
	Date              string                         `json:"date"`
	Version           int64                          `json:"version"`
	Bookings          map[string]map[string][]string `json:"bookings"` // department_code -> doctor -> slots
	LegacyRowsIgnored int                             `json:"legacy_rows_ignored,omitempty"`
}

// BackfillSummary reports how many legacy rows were assigned a
// department_code by BackfillDepartmentCodes.
type BackfillSummary struct {
	Updated   int            `json:"updated"`
	Hospitals map[string]int `json:"hospitals"`
}

// DoctorValidator resolves whether a named doctor belongs to a
// department, by code when available and by normalized display name
// otherwise. internal/catalog.Loader satisfies this.
type DoctorValidator interface {
	DoctorsForDepartments(hospitalCode string, departments []string) map[string][]string
	DoctorsForDepartmentCodes(hospitalCode string, codes []string) map[string][]string
	GetHospitalMeta(hospitalCode string) (*catalog.HospitalMeta, bool)
}
