// Package availability is the Availability Aggregator (C4): it joins
// the hospital catalog (who can see a patient) with the booking store
// (which of their slots are already taken) into the per-doctor free/busy
// overview the dashboard's overview route reads.
package availability

import (
	"sort"
	"time"

	"github.com/wolfman30/clinic-booking-core/internal/catalog"
	"github.com/wolfman30/clinic-booking-core/internal/slotgrid"
)

// Interval is a contiguous run of free slot starts, inclusive of both
// ends — end is the last free slot's start, not its finish.
type Interval struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// DoctorAvailability is one doctor's booked slots and derived free view.
type DoctorAvailability struct {
	Name          string     `json:"name"`
	Booked        []string   `json:"booked"`
	FreeSlots     []string   `json:"free_slots"`
	FreeIntervals []Interval `json:"free_intervals"`
}

// DepartmentOverview is one department's doctor roster, each with its
// computed availability for the requested date.
type DepartmentOverview struct {
	Department string                `json:"department"`
	Doctors    []DoctorAvailability  `json:"doctors"`
}

// SlotWindow describes the fixed working-day slot grid.
type SlotWindow struct {
	Start       string   `json:"start"`
	End         string   `json:"end"`
	SlotMinutes int      `json:"slot_minutes"`
	AllSlots    []string `json:"all_slots"`
}

// Overview is the full per-hospital, per-date availability snapshot.
type Overview struct {
	HospitalCode string                `json:"hospital_code"`
	Date         string                `json:"date"`
	Departments  []DepartmentOverview  `json:"departments"`
	SlotWindow   SlotWindow            `json:"slot_window"`
}

// BookedLookup resolves the slots already taken (booked or held) for one
// doctor on one date; internal/scheduling.Store satisfies it directly.
type BookedLookup interface {
	BookedSlotsForDoctor(hospitalCode, doctorName, date string) ([]string, error)
}

// Aggregator computes Overview by combining a catalog.Loader with a
// BookedLookup.
type Aggregator struct {
	catalog *catalog.Loader
	booked  BookedLookup
}

func New(cat *catalog.Loader, booked BookedLookup) *Aggregator {
	return &Aggregator{catalog: cat, booked: booked}
}

// GetOverview builds the full department/doctor availability tree for
// hospitalCode on date (today, if empty).
func (a *Aggregator) GetOverview(hospitalCode string, departments []string, date string) (*Overview, error) {
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	byDep := a.catalog.DoctorsForDepartments(hospitalCode, departments)

	overview := &Overview{
		HospitalCode: hospitalCode,
		Date:         date,
		SlotWindow: SlotWindow{
			Start:       slotgrid.StartTime,
			End:         slotgrid.EndTime,
			SlotMinutes: slotgrid.StepMinutes,
			AllSlots:    slotgrid.AllSlots,
		},
	}

	deps := make([]string, 0, len(byDep))
	for dep := range byDep {
		deps = append(deps, dep)
	}
	sort.Strings(deps)

	for _, dep := range deps {
		entry := DepartmentOverview{Department: dep}
		for _, doc := range byDep[dep] {
			booked, err := a.booked.BookedSlotsForDoctor(hospitalCode, doc, date)
			if err != nil {
				return nil, err
			}
			entry.Doctors = append(entry.Doctors, DoctorAvailability{
				Name:          doc,
				Booked:        booked,
				FreeSlots:     freeSlots(booked),
				FreeIntervals: compressFreeSlots(freeSlots(booked)),
			})
		}
		overview.Departments = append(overview.Departments, entry)
	}
	return overview, nil
}

func freeSlots(booked []string) []string {
	bookedSet := make(map[string]struct{}, len(booked))
	for _, b := range booked {
		bookedSet[b] = struct{}{}
	}
	var free []string
	for _, s := range slotgrid.AllSlots {
		if _, taken := bookedSet[s]; !taken {
			free = append(free, s)
		}
	}
	return free
}

// compressFreeSlots groups contiguous free slot starts into ranges.
func compressFreeSlots(freeSlots []string) []Interval {
	if len(freeSlots) == 0 {
		return nil
	}
	toMinutes := func(hhmm string) int {
		t, err := time.Parse("15:04", hhmm)
		if err != nil {
			return 0
		}
		return t.Hour()*60 + t.Minute()
	}

	var intervals []Interval
	start := freeSlots[0]
	prev := freeSlots[0]
	prevMin := toMinutes(prev)
	for _, s := range freeSlots[1:] {
		curMin := toMinutes(s)
		if curMin-prevMin == slotgrid.StepMinutes {
			prev = s
			prevMin = curMin
			continue
		}
		intervals = append(intervals, Interval{Start: start, End: prev})
		start, prev = s, s
		prevMin = curMin
	}
	intervals = append(intervals, Interval{Start: start, End: prev})
	return intervals
}
