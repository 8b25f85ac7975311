// Package catalog loads the hospital/department/doctor tree from JSON
// source files on disk. It supports several source shapes transparently —
// a code-centric "grouped" catalog, legacy name-keyed raw trees, and a
// generic deep-walk fallback for anything else — normalizing all of them
// into one HospitalMeta per hospital code.
package catalog

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/wolfman30/clinic-booking-core/pkg/logging"
)

// metaTTL is how long a cached hospital meta is trusted before its
// source mtimes are re-checked.
const metaTTL = 60 * time.Second

// DepartmentMeta is one department's display name and doctor roster.
type DepartmentMeta struct {
	Name    string
	Doctors []string
}

// HospitalMeta is the normalized view of one hospital's department tree.
type HospitalMeta struct {
	// Departments maps a normalized display name to its doctor roster,
	// kept for legacy (name-keyed) catalogs and callers.
	Departments map[string][]string
	// DepartmentsByCode maps a department code to its metadata, for the
	// code-centric catalog shape.
	DepartmentsByCode map[string]DepartmentMeta
}

type cacheEntry struct {
	data     *HospitalMeta
	mtimeSig int64
	cachedAt time.Time
}

// Loader resolves hospital catalogs from a grouped-catalog directory and
// one or more raw data directories, caching the parsed result per hospital
// code until its source files' mtimes change or metaTTL elapses.
type Loader struct {
	catalogDir string
	dataDirs   []string
	logger     *logging.Logger

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// New builds a Loader. dataDirs are searched in order; the first dir
// containing "<code>.json" wins for the raw-json fallback path.
func New(catalogDir string, dataDirs []string, logger *logging.Logger) *Loader {
	if logger == nil {
		logger = logging.Default()
	}
	return &Loader{
		catalogDir: catalogDir,
		dataDirs:   dataDirs,
		logger:     logger,
		cache:      make(map[string]*cacheEntry),
	}
}

func (l *Loader) sourcePaths(hospitalCode string) []string {
	var paths []string
	if l.catalogDir != "" {
		gpath := filepath.Join(l.catalogDir, hospitalCode+".grouped.json")
		if fileExists(gpath) {
			paths = append(paths, gpath)
		}
	}
	for _, dir := range l.dataDirs {
		raw := filepath.Join(dir, hospitalCode+".json")
		if fileExists(raw) {
			paths = append(paths, raw)
		}
	}
	return paths
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// mtimeSignature XOR-folds the mtimes (in nanoseconds, masked to 48 bits)
// of the given paths; a single changed file busts the cache
// deterministically.
func mtimeSignature(paths []string) int64 {
	var sig int64
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		sig ^= info.ModTime().UnixNano() & 0xFFFFFFFFFFFF
	}
	return sig
}

// GetHospitalMeta returns the cached (or freshly built) meta for a
// hospital code. The second return is false when no source file exists.
func (l *Loader) GetHospitalMeta(hospitalCode string) (*HospitalMeta, bool) {
	paths := l.sourcePaths(hospitalCode)
	if len(paths) == 0 {
		return nil, false
	}
	sig := mtimeSignature(paths)

	l.mu.Lock()
	cached, ok := l.cache[hospitalCode]
	if ok && time.Since(cached.cachedAt) < metaTTL && cached.mtimeSig == sig {
		l.mu.Unlock()
		return cached.data, true
	}
	l.mu.Unlock()

	data := l.buildHospitalMeta(hospitalCode)
	l.mu.Lock()
	l.cache[hospitalCode] = &cacheEntry{data: data, mtimeSig: sig, cachedAt: time.Now()}
	l.mu.Unlock()
	l.logger.Debug("catalog meta rebuilt", "hospital_code", hospitalCode, "departments", len(data.Departments))
	return data, true
}

// ListHospitals scans the catalog and data directories for every hospital
// code with a parseable source file, returning code -> sorted department
// display names.
func (l *Loader) ListHospitals() map[string][]string {
	result := make(map[string][]string)

	if l.catalogDir != "" {
		entries, err := os.ReadDir(l.catalogDir)
		if err == nil {
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), ".grouped.json") {
					continue
				}
				code := strings.TrimSuffix(e.Name(), ".grouped.json")
				if meta, ok := l.GetHospitalMeta(code); ok {
					result[code] = sortedKeys(meta.Departments)
				}
			}
		}
	}
	for _, dir := range l.dataDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			code := strings.TrimSuffix(e.Name(), ".json")
			if _, exists := result[code]; exists {
				continue
			}
			if meta, ok := l.GetHospitalMeta(code); ok {
				result[code] = sortedKeys(meta.Departments)
			}
		}
	}
	return result
}

// HospitalCodes returns every hospital code the loader can discover across
// its grouped-catalog directory and raw data directories, sorted.
func (l *Loader) HospitalCodes() []string {
	seen := make(map[string]struct{})
	if l.catalogDir != "" {
		if entries, err := os.ReadDir(l.catalogDir); err == nil {
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), ".grouped.json") {
					continue
				}
				seen[strings.TrimSuffix(e.Name(), ".grouped.json")] = struct{}{}
			}
		}
	}
	for _, dir := range l.dataDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			seen[strings.TrimSuffix(e.Name(), ".json")] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for code := range seen {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// DeptCodeName is one department's code and display name, as surfaced by
// the planner's Stage-1 department index and the generated
// departments_index file.
type DeptCodeName struct {
	Code string
	Name string
}

// DepartmentIndex returns hospitalCode's departments as a code/name list,
// sorted by code. Legacy name-keyed catalogs have no native codes, so a
// department's normalized display name is used as its own code.
func (l *Loader) DepartmentIndex(hospitalCode string) []DeptCodeName {
	meta, ok := l.GetHospitalMeta(hospitalCode)
	if !ok {
		return nil
	}
	if len(meta.DepartmentsByCode) > 0 {
		out := make([]DeptCodeName, 0, len(meta.DepartmentsByCode))
		for code, info := range meta.DepartmentsByCode {
			out = append(out, DeptCodeName{Code: code, Name: info.Name})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
		return out
	}
	out := make([]DeptCodeName, 0, len(meta.Departments))
	for name := range meta.Departments {
		out = append(out, DeptCodeName{Code: name, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// DepartmentIndexAll builds the full hospital_code -> department index map
// across every discoverable hospital, the shape Stage-1 department-code
// selection reasons over.
func (l *Loader) DepartmentIndexAll() map[string][]DeptCodeName {
	out := make(map[string][]DeptCodeName)
	for _, code := range l.HospitalCodes() {
		if idx := l.DepartmentIndex(code); len(idx) > 0 {
			out[code] = idx
		}
	}
	return out
}

func sortedKeys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DoctorsForDepartments returns the doctor roster for each normalized
// display-name department requested.
func (l *Loader) DoctorsForDepartments(hospitalCode string, departments []string) map[string][]string {
	out := make(map[string][]string)
	meta, ok := l.GetHospitalMeta(hospitalCode)
	if !ok {
		return out
	}
	want := make(map[string]struct{}, len(departments))
	for _, d := range departments {
		want[NormalizeDepartment(d)] = struct{}{}
	}
	for dep, names := range meta.Departments {
		if _, hit := want[dep]; hit {
			out[dep] = names
		}
	}
	return out
}

// DoctorsForDepartmentCodes returns the doctor roster keyed by department
// code, for the code-centric catalog shape.
func (l *Loader) DoctorsForDepartmentCodes(hospitalCode string, codes []string) map[string][]string {
	out := make(map[string][]string)
	meta, ok := l.GetHospitalMeta(hospitalCode)
	if !ok {
		return out
	}
	for _, code := range codes {
		if info, found := meta.DepartmentsByCode[code]; found {
			out[code] = info.Doctors
		}
	}
	return out
}

// NormalizeDepartment collapses internal whitespace and title-cases each
// word, so the same department spelled differently in two source files
// still collides.
func NormalizeDepartment(s string) string {
	fields := strings.Fields(strings.TrimSpace(s))
	for i, f := range fields {
		fields[i] = titleWord(f)
	}
	return strings.Join(fields, " ")
}

func titleWord(word string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range word {
		switch {
		case !unicode.IsLetter(r):
			b.WriteRune(r)
			prevLetter = false
		case !prevLetter:
			b.WriteRune(unicode.ToTitle(r))
			prevLetter = true
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
