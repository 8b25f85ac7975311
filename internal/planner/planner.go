// Package planner narrows a conversation into a confirmed appointment in
// two reasoner passes. Stage 1 narrows a
// free-text conversation down to 1-5 candidate department codes, Stage 2
// aggregates live free-slot state for those codes across every configured
// hospital and asks the reasoner to propose up to three booking options
// plus a chosen one, which a mandatory sanitizer then cross-validates
// against the schedule document it was built from.
//
// Built on internal/reasoner, internal/catalog and internal/scheduling;
// the planner itself holds no durable state.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/clinic-booking-core/internal/catalog"
	"github.com/wolfman30/clinic-booking-core/internal/reasoner"
	"github.com/wolfman30/clinic-booking-core/internal/scheduling"
	"github.com/wolfman30/clinic-booking-core/internal/slotgrid"
	"github.com/wolfman30/clinic-booking-core/pkg/logging"
)

var planTracer = otel.Tracer("clinic.planner")

var planLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "clinic_planner_stage_duration_seconds",
		Help:    "Latency of two-stage planner reasoner calls.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"stage", "status"},
)

func init() {
	prometheus.MustRegister(planLatency)
}

// stage1System instructs the reasoner to pick
// 1-5 department codes from the index, codes only, JSON-only output.
const stage1System = "You select the relevant outpatient department codes for a patient based on the conversation so far. Pick 1-5 department_code values from the supplied list that best match the symptoms described. Reply with JSON only: {\"codes\":[\"CODE1\",...]}. Never invent a code that is not in the list."

// stage2System: reason only from the supplied
// schedule document, never invent hospitals/departments/doctors/times.
const stage2System = "You suggest appointment options using only the hospitals/departments/doctors/free_slots supplied in the data. Never invent a hospital, department, doctor, or time outside the given free_slots. If every doctor has no free slots, return options=[] and omit chosen."

var codeListRe = regexp.MustCompile(`(?is)"codes"\s*:\s*\[(.*?)\]`)
var codeItemRe = regexp.MustCompile(`"([A-Z0-9]{2,10})"`)
var looseCodeRe = regexp.MustCompile(`\b([A-Z0-9]{3,6})\b`)

// DeptIndex is hospital_code -> department code/name list, the structure
// Stage 1 reasons over.
type DeptIndex map[string][]catalog.DeptCodeName

// Option is one candidate appointment slot, as both the reasoner and the
// sanitizer shape it.
type Option struct {
	HospitalCode   string `json:"hospital_code"`
	Hospital       string `json:"hospital,omitempty"`
	DepartmentCode string `json:"department_code"`
	Department     string `json:"department,omitempty"`
	DoctorName     string `json:"doctor_name"`
	SlotTime       string `json:"slot_time"`
}

// Result is the planner's final output: options plus one chosen (or nil).
type Result struct {
	Options []Option `json:"options"`
	Chosen  *Option  `json:"chosen"`
}

// doctorEntry and departmentEntry and hospitalEntry model the schedule
// document passed to Stage 2; prompt and sanitizer share it so the
// reasoner prompt and the sanitizer agree on field names.
type doctorEntry struct {
	Name      string   `json:"name"`
	FreeSlots []string `json:"free_slots"`
}

type departmentEntry struct {
	DepartmentCode string        `json:"department_code"`
	DepartmentName string        `json:"department_name"`
	Doctors        []doctorEntry `json:"doctors"`
}

type hospitalEntry struct {
	HospitalCode  string            `json:"hospital_code"`
	HospitalName  string            `json:"hospital_name"`
	Departments   []departmentEntry `json:"departments"`
	HospitalImage string            `json:"hospital_image,omitempty"`
}

type scheduleDoc struct {
	Date                    string          `json:"date"`
	Slots                   slotWindow      `json:"slots"`
	Hospitals               []hospitalEntry `json:"hospitals"`
	SelectedDepartmentCodes []string        `json:"selected_department_codes"`
}

type slotWindow struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	SlotMinutes int    `json:"slot_minutes"`
}

// Catalog is the subset of catalog.Loader the planner needs.
type Catalog interface {
	HospitalCodes() []string
	DepartmentIndexAll() map[string][]catalog.DeptCodeName
	GetHospitalMeta(hospitalCode string) (*catalog.HospitalMeta, bool)
}

// Blocked is the subset of scheduling.Store the planner needs.
type Blocked interface {
	GetBlockedSnapshotByCodes(hospitalCode string, departmentCodes []string, date string) (*scheduling.BookingsSnapshotByCodes, error)
}

// Planner runs the two-stage pipeline.
type Planner struct {
	reasoner reasoner.Client
	catalog  Catalog
	store    Blocked
	logger   *logging.Logger

	stage1Model string
	stage2Model string
}

// New builds a Planner. stage1Model/stage2Model select the reasoner
// model id used for each stage (they may be the same string).
func New(client reasoner.Client, cat Catalog, store Blocked, stage1Model, stage2Model string, logger *logging.Logger) *Planner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Planner{reasoner: client, catalog: cat, store: store, stage1Model: stage1Model, stage2Model: stage2Model, logger: logger}
}

// Plan runs Stage 1 then Stage 2 for a transcript and returns the
// sanitized result. date defaults to today when empty.
func (p *Planner) Plan(ctx context.Context, transcript string, date string) (*Result, error) {
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	index := p.catalog.DepartmentIndexAll()
	codes := p.selectDepartmentCodes(ctx, transcript, index)
	doc := p.gatherSchedule(codes, index, date)
	result, err := p.stage2BuildOptions(ctx, transcript, doc)
	if err != nil {
		return nil, err
	}
	sanitize(doc, result)
	return result, nil
}

// selectDepartmentCodes is Stage 1: reasoner-backed code selection with
// regex salvage and a deterministic fallback.
func (p *Planner) selectDepartmentCodes(ctx context.Context, transcript string, index DeptIndex) []string {
	valid, lines := flattenIndex(index)
	if len(valid) == 0 {
		return nil
	}

	ctx, span := planTracer.Start(ctx, "clinic.planner.stage1")
	defer span.End()

	prompt := "# DEPARTMENT CODES\n" + strings.Join(lines, "\n") +
		"\n\n# CONVERSATION\n" + transcript +
		"\n\n# TASK\nReturn JSON: {\"codes\":[\"CODE1\",...]} (1-5). Never invent a code."

	var picked []string
	for attempt := 0; attempt < 2 && len(picked) == 0; attempt++ {
		start := time.Now()
		resp, err := p.reasoner.Complete(ctx, reasoner.Request{
			Model:       p.stage1Model,
			System:      []string{stage1System},
			Messages:    []reasoner.Message{{Role: reasoner.ChatRoleUser, Content: prompt}},
			MaxTokens:   456,
			Temperature: 0,
		})
		status := "ok"
		if err != nil {
			status = "error"
			p.logger.Warn("planner: stage1 reasoner call failed", "attempt", attempt, "error", err)
		}
		planLatency.WithLabelValues("stage1", status).Observe(time.Since(start).Seconds())
		if err != nil {
			continue
		}
		picked = parseStage1Codes(resp.Text, valid)
	}
	if len(picked) == 0 {
		picked = firstCodesSeen(index, 3)
	}
	span.SetAttributes(attribute.Int("planner.stage1.codes", len(picked)))
	return picked
}

func flattenIndex(index DeptIndex) (map[string]struct{}, []string) {
	valid := make(map[string]struct{})
	seenName := make(map[string]string)
	for _, entries := range index {
		for _, e := range entries {
			if e.Code == "" {
				continue
			}
			if _, ok := valid[e.Code]; !ok {
				valid[e.Code] = struct{}{}
				seenName[e.Code] = e.Name
			}
		}
	}
	codes := make([]string, 0, len(valid))
	for c := range valid {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	lines := make([]string, 0, len(codes))
	for _, c := range codes {
		lines = append(lines, fmt.Sprintf("%s - %s", c, seenName[c]))
	}
	return valid, lines
}

func firstCodesSeen(index DeptIndex, limit int) []string {
	hospitals := make([]string, 0, len(index))
	for h := range index {
		hospitals = append(hospitals, h)
	}
	sort.Strings(hospitals)

	var out []string
	seen := make(map[string]struct{})
	for _, h := range hospitals {
		for _, e := range index[h] {
			if e.Code == "" {
				continue
			}
			if _, ok := seen[e.Code]; ok {
				continue
			}
			seen[e.Code] = struct{}{}
			out = append(out, e.Code)
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

type stage1Payload struct {
	Codes         []string `json:"codes"`
	SelectedCodes []string `json:"selected_codes"`
	Selected      []string `json:"selected"`
}

func parseStage1Codes(raw string, valid map[string]struct{}) []string {
	var picked []string
	var payload stage1Payload
	if err := json.Unmarshal([]byte(fixTruncatedJSON(raw)), &payload); err == nil {
		for _, candidates := range [][]string{payload.Codes, payload.SelectedCodes, payload.Selected} {
			for _, c := range candidates {
				if _, ok := valid[c]; ok && !contains(picked, c) {
					picked = append(picked, c)
				}
				if len(picked) >= 5 {
					return picked
				}
			}
			if len(picked) > 0 {
				return picked
			}
		}
	}
	return salvageCodes(raw, valid, 5)
}

// salvageCodes extracts codes by regex when the reasoner's JSON is
// malformed or truncated, mirroring _salvage_codes.
func salvageCodes(raw string, valid map[string]struct{}, limit int) []string {
	var picked []string
	if raw == "" {
		return picked
	}
	segment := raw
	if m := codeListRe.FindStringSubmatch(raw); m != nil {
		segment = m[1]
	}
	for _, m := range codeItemRe.FindAllStringSubmatch(segment, -1) {
		c := m[1]
		if _, ok := valid[c]; ok && !contains(picked, c) {
			picked = append(picked, c)
		}
		if len(picked) >= limit {
			return picked
		}
	}
	if len(picked) > 0 {
		return picked
	}
	for _, m := range looseCodeRe.FindAllStringSubmatch(raw, -1) {
		c := m[1]
		if _, ok := valid[c]; ok && !contains(picked, c) {
			picked = append(picked, c)
		}
		if len(picked) >= limit {
			break
		}
	}
	return picked
}

// fixTruncatedJSON pads missing closing braces onto a truncated reasoner
// response and trims anything before the first '{', matching the source
// tree's _fix_truncated_json.
func fixTruncatedJSON(text string) string {
	idx := strings.Index(text, "{")
	if idx < 0 {
		return text
	}
	text = strings.TrimSpace(text[idx:])
	opens := strings.Count(text, "{")
	closes := strings.Count(text, "}")
	if opens > closes {
		text += strings.Repeat("}", opens-closes)
	}
	return text
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// gatherSchedule is Stage 2's data-gathering half: for every configured
// hospital, compute each selected department's doctor roster and free
// slots.
func (p *Planner) gatherSchedule(codes []string, index DeptIndex, date string) *scheduleDoc {
	doc := &scheduleDoc{
		Date: date,
		Slots: slotWindow{
			Start:       slotgrid.StartTime,
			End:         slotgrid.EndTime,
			SlotMinutes: slotgrid.StepMinutes,
		},
		SelectedDepartmentCodes: codes,
	}
	if len(codes) == 0 {
		return doc
	}

	codeDisplay := make(map[string]string)
	for _, entries := range index {
		for _, e := range entries {
			if !contains(codes, e.Code) {
				continue
			}
			if _, ok := codeDisplay[e.Code]; !ok {
				codeDisplay[e.Code] = e.Name
			}
		}
	}

	for _, hospitalCode := range p.catalog.HospitalCodes() {
		meta, ok := p.catalog.GetHospitalMeta(hospitalCode)
		if !ok || len(meta.DepartmentsByCode) == 0 {
			continue
		}
		blocked, err := p.store.GetBlockedSnapshotByCodes(hospitalCode, codes, date)
		if err != nil {
			p.logger.Warn("planner: blocked snapshot failed", "hospital_code", hospitalCode, "error", err)
			continue
		}

		var deps []departmentEntry
		for _, code := range codes {
			info, ok := meta.DepartmentsByCode[code]
			if !ok {
				continue
			}
			dispName := info.Name
			if dispName == "" {
				dispName = codeDisplay[code]
			}
			if dispName == "" {
				dispName = code
			}
			blockedForCode := blocked.Bookings[code]
			var doctors []doctorEntry
			for _, docName := range info.Doctors {
				blockedSlots := make(map[string]struct{})
				for _, s := range blockedForCode[docName] {
					blockedSlots[s] = struct{}{}
				}
				var free []string
				for _, slot := range slotgrid.AllSlots {
					if _, taken := blockedSlots[slot]; !taken {
						free = append(free, slot)
					}
				}
				doctors = append(doctors, doctorEntry{Name: docName, FreeSlots: free})
			}
			deps = append(deps, departmentEntry{DepartmentCode: code, DepartmentName: dispName, Doctors: doctors})
		}
		if len(deps) > 0 {
			hospitalName := hospitalCode
			doc.Hospitals = append(doc.Hospitals, hospitalEntry{
				HospitalCode: hospitalCode,
				HospitalName: hospitalName,
				Departments:  deps,
			})
		}
	}
	return doc
}

// stage2BuildOptions asks the reasoner for up to three options plus a
// chosen one, given the schedule document.
func (p *Planner) stage2BuildOptions(ctx context.Context, transcript string, doc *scheduleDoc) (*Result, error) {
	ctx, span := planTracer.Start(ctx, "clinic.planner.stage2")
	defer span.End()

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("planner: marshal schedule doc: %w", err)
	}
	prompt := "# DATA\n" + string(docJSON) +
		"\n\n# CONVERSATION\n" + transcript +
		"\n\n# TASK\nPropose up to 3 valid options. Each option: hospital_code, department_code, doctor_name, slot_time=\"" + doc.Date + " HH:MM\" using only listed free_slots. Put one into 'chosen'. If nothing is free, options=[] and omit chosen."

	start := time.Now()
	resp, err := p.reasoner.Complete(ctx, reasoner.Request{
		Model:       p.stage2Model,
		System:      []string{stage2System},
		Messages:    []reasoner.Message{{Role: reasoner.ChatRoleUser, Content: prompt}},
		MaxTokens:   2048,
		Temperature: 0,
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	planLatency.WithLabelValues("stage2", status).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("planner: stage2 reasoner call: %w", err)
	}

	var result Result
	if err := json.Unmarshal([]byte(fixTruncatedJSON(resp.Text)), &result); err != nil {
		p.logger.Warn("planner: stage2 response was not valid JSON", "error", err)
		return &Result{}, nil
	}
	span.SetAttributes(attribute.Int("planner.stage2.options", len(result.Options)))
	return &result, nil
}

// sanitize is the mandatory post-Stage-2 validation step: drop
// any option not present in the schedule document's free-slot map,
// re-derive canonical department/hospital display names, and reassign or
// null out chosen if it didn't survive.
func sanitize(doc *scheduleDoc, result *Result) {
	type freeKey struct{ hospital, department, doctor string }
	free := make(map[freeKey]map[string]struct{})
	hospitalNames := make(map[string]string)
	departmentNames := make(map[string]map[string]string)

	for _, h := range doc.Hospitals {
		hospitalNames[h.HospitalCode] = h.HospitalName
		departmentNames[h.HospitalCode] = make(map[string]string)
		for _, d := range h.Departments {
			departmentNames[h.HospitalCode][d.DepartmentCode] = d.DepartmentName
			for _, docEntry := range d.Doctors {
				key := freeKey{h.HospitalCode, d.DepartmentCode, docEntry.Name}
				set := make(map[string]struct{}, len(docEntry.FreeSlots))
				for _, s := range docEntry.FreeSlots {
					set[s] = struct{}{}
				}
				free[key] = set
			}
		}
	}

	var valid []Option
	for _, o := range result.Options {
		depNames, hospitalKnown := departmentNames[o.HospitalCode]
		if !hospitalKnown {
			continue
		}
		depName, depKnown := depNames[o.DepartmentCode]
		if !depKnown {
			continue
		}
		key := freeKey{o.HospitalCode, o.DepartmentCode, o.DoctorName}
		slots, ok := free[key]
		if !ok {
			continue
		}
		slotTime := o.SlotTime
		if idx := strings.LastIndex(slotTime, " "); idx >= 0 {
			slotTime = slotTime[idx+1:]
		}
		if _, isFree := slots[slotTime]; !isFree {
			continue
		}
		o.Department = depName
		o.Hospital = hospitalNames[o.HospitalCode]
		valid = append(valid, o)
	}

	result.Options = valid
	if result.Chosen != nil {
		found := false
		for i := range valid {
			if optionsEqual(valid[i], *result.Chosen) {
				result.Chosen = &valid[i]
				found = true
				break
			}
		}
		if !found {
			if len(valid) > 0 {
				result.Chosen = &valid[0]
			} else {
				result.Chosen = nil
			}
		}
	}
}

func optionsEqual(a, b Option) bool {
	return a.HospitalCode == b.HospitalCode &&
		a.DepartmentCode == b.DepartmentCode &&
		a.DoctorName == b.DoctorName &&
		a.SlotTime == b.SlotTime
}
