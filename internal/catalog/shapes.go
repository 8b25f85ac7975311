package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
)

// deptEntry is one raw department's parsed contents, before the display
// vs. code-centric distinction is resolved: either a flat doctor list
// (legacy name-keyed shape) or a {name, doctors} object (code-centric
// shape).
type deptEntry struct {
	// doctors is set when this department arrived as a flat legacy list.
	doctors []map[string]any
	// codeShaped is set when this department arrived as a {name,
	// doctors} object, keyed by a department code.
	codeShaped bool
	name       string
	codeDocs   []map[string]any
}

// buildHospitalMeta loads the raw department map for hospitalCode and
// resolves it into the dual legacy/code-centric HospitalMeta shape,
// exactly as the two source representations are reconciled upstream.
func (l *Loader) buildHospitalMeta(hospitalCode string) *HospitalMeta {
	raw := l.loadGroupedJSON(hospitalCode)

	meta := &HospitalMeta{
		Departments:       make(map[string][]string),
		DepartmentsByCode: make(map[string]DepartmentMeta),
	}

	for key, entry := range raw {
		if !entry.codeShaped {
			names := uniqueSortedNames(entry.doctors)
			if len(names) > 0 {
				meta.Departments[key] = names
			}
			continue
		}
		names := uniqueSortedNames(entry.codeDocs)
		disp := entry.name
		if disp == "" {
			disp = key
		}
		meta.DepartmentsByCode[key] = DepartmentMeta{Name: disp, Doctors: names}
		if len(names) > 0 {
			meta.Departments[NormalizeDepartment(disp)] = names
		}
	}
	return meta
}

func uniqueSortedNames(docs []map[string]any) []string {
	seen := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		nm := stringField(d, "name", "Name")
		if nm != "" {
			seen[nm] = struct{}{}
		}
	}
	return sortedSet(seen)
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func asDictSlice(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// loadGroupedJSON resolves the raw per-department map for a hospital
// code, trying the grouped catalog file first, then each raw data
// directory's "<code>.json" in its several historical shapes, then a
// generic deep walk as a last resort.
func (l *Loader) loadGroupedJSON(hospitalCode string) map[string]deptEntry {
	if l.catalogDir != "" {
		gpath := filepath.Join(l.catalogDir, hospitalCode+".grouped.json")
		if obj, ok := readJSONObject(gpath); ok {
			if out := fromCatalogObject(obj); len(out) > 0 {
				return out
			}
		}
	}

	for _, dir := range l.dataDirs {
		raw := filepath.Join(dir, hospitalCode+".json")
		data, ok := readJSONAny(raw)
		if !ok {
			continue
		}
		if out := fromRawShape(data); len(out) > 0 {
			return out
		}
	}

	for _, dir := range l.dataDirs {
		raw := filepath.Join(dir, hospitalCode+".json")
		data, ok := readJSONAny(raw)
		if !ok {
			continue
		}
		if out := genericDeepWalk(data); len(out) > 0 {
			return out
		}
	}
	return map[string]deptEntry{}
}

func readJSONObject(path string) (map[string]any, bool) {
	data, ok := readJSONAny(path)
	if !ok {
		return nil, false
	}
	obj, ok := data.(map[string]any)
	return obj, ok
}

func readJSONAny(path string) (any, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, false
	}
	return v, true
}

// fromCatalogObject handles the grouped-catalog "departments" field,
// which may be an object or a list. Object keys are normalized as
// department display names and their values read as doctor lists; no
// department code is recorded from this form. List entries take their
// display name from "name", "department" or "code".
func fromCatalogObject(obj map[string]any) map[string]deptEntry {
	out := map[string]deptEntry{}
	deps, ok := obj["departments"]
	if !ok {
		return out
	}
	switch d := deps.(type) {
	case map[string]any:
		for code, v := range d {
			docs := asDictSlice(v)
			if docs != nil {
				out[NormalizeDepartment(code)] = deptEntry{doctors: docs}
			}
		}
	case []any:
		for _, item := range d {
			dep, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name := stringField(dep, "name", "department", "code")
			if name == "" {
				continue
			}
			docs := asDictSlice(firstNonNil(dep["doctors"], dep["Doctors"]))
			out[NormalizeDepartment(name)] = deptEntry{doctors: docs}
		}
	}
	return out
}

// fromRawShape handles a raw "<code>.json" data file in any of its
// several historical shapes: a flat doctor list, a code-keyed
// "departments" object, a legacy "departments" list, or a flat "doctors"
// list.
func fromRawShape(data any) map[string]deptEntry {
	out := map[string]deptEntry{}

	if list, ok := data.([]any); ok {
		for _, item := range list {
			doc, ok := item.(map[string]any)
			if !ok {
				continue
			}
			dep := stringField(doc, "department", "Department", "specialty", "Specialty")
			name := stringField(doc, "name", "Name")
			if dep != "" && name != "" {
				key := NormalizeDepartment(dep)
				e := out[key]
				e.doctors = append(e.doctors, doc)
				out[key] = e
			}
		}
		return out
	}

	obj, ok := data.(map[string]any)
	if !ok {
		return out
	}

	if depDict, ok := obj["departments"].(map[string]any); ok {
		for code, v := range depDict {
			depObj, ok := v.(map[string]any)
			if !ok {
				continue
			}
			name := stringField(depObj, "name", "department")
			if name == "" {
				name = code
			}
			docs := asDictSlice(depObj["doctors"])
			out[code] = deptEntry{codeShaped: true, name: name, codeDocs: docs}
		}
		if len(out) > 0 {
			return out
		}
	}

	if depList, ok := obj["departments"].([]any); ok {
		for _, item := range depList {
			depObj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name := stringField(depObj, "name", "department", "code")
			if name == "" {
				continue
			}
			docs := asDictSlice(firstNonNil(depObj["doctors"], depObj["Doctors"]))
			out[NormalizeDepartment(name)] = deptEntry{doctors: docs}
		}
		if len(out) > 0 {
			return out
		}
	}

	if docList, ok := obj["doctors"].([]any); ok {
		for _, item := range docList {
			doc, ok := item.(map[string]any)
			if !ok {
				continue
			}
			dep := stringField(doc, "department", "specialty")
			name := stringField(doc, "name")
			if dep != "" && name != "" {
				key := NormalizeDepartment(dep)
				e := out[key]
				e.doctors = append(e.doctors, doc)
				out[key] = e
			}
		}
	}
	return out
}

func firstNonNil(vals ...any) any {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// genericDeepWalk is the fallback parser for catalog files that match
// none of the known shapes: it walks the whole JSON tree looking for any
// object that looks like a doctor (has a "name" plus a department-ish or
// role-ish sibling field), attributing it to the nearest enclosing
// department context.
func genericDeepWalk(data any) map[string]deptEntry {
	out := map[string]deptEntry{}
	const maxDoctors = 10000
	count := 0

	type frame struct {
		node any
		dept string
	}
	stack := []frame{{node: data}}

	for len(stack) > 0 && count < maxDoctors {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch node := f.node.(type) {
		case map[string]any:
			newDept := detectDept(node)
			if newDept == "" {
				newDept = f.dept
			}
			if isDoctorObject(node) {
				dep := firstString(
					stringField(node, "department"),
					stringField(node, "specialty"),
					stringField(node, "speciality"),
					stringField(node, "khoa"),
					newDept,
				)
				if dep != "" {
					key := NormalizeDepartment(dep)
					e := out[key]
					e.doctors = append(e.doctors, node)
					out[key] = e
					count++
				}
			}
			for _, v := range node {
				switch v.(type) {
				case map[string]any, []any:
					stack = append(stack, frame{node: v, dept: newDept})
				}
			}
		case []any:
			for _, item := range node {
				switch item.(type) {
				case map[string]any, []any:
					stack = append(stack, frame{node: item, dept: f.dept})
				}
			}
		}
	}
	return out
}

func detectDept(obj map[string]any) string {
	if dep := stringField(obj, "department", "dept_name", "khoa", "specialty", "speciality"); dep != "" {
		return dep
	}
	if _, hasDocs := obj["doctors"].([]any); hasDocs {
		if name := stringField(obj, "name"); name != "" {
			return name
		}
	}
	return ""
}

func isDoctorObject(obj map[string]any) bool {
	if stringField(obj, "name") == "" {
		return false
	}
	for _, k := range []string{"department", "specialty", "speciality", "khoa"} {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	for _, k := range []string{"position", "title", "phone", "email"} {
		if _, ok := obj[k]; ok {
			if _, hasDeps := obj["departments"]; !hasDeps {
				return true
			}
		}
	}
	return false
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
