package visits

import (
	"fmt"
	"strings"
)

// BuildPersonalContext assembles the one-shot personal-history blocks
// injected into a session once identity is confirmed: a customer's
// accumulated stable facts and their last visit summary. Only sections
// with actual content are emitted, and the result is unwrapped — the
// orchestrator prefixes it with its own PERSONAL_CONTEXT_INJECTED marker.
func (s *Store) BuildPersonalContext(customerID string, visits []VisitRecord) (string, error) {
	if customerID == "" {
		return legacyVisitHistory(visits), nil
	}

	facts, err := s.GetCustomerFactsSummary(customerID)
	if err != nil {
		return "", err
	}
	if visits == nil {
		visits, err = s.GetRecentVisits(customerID, 5)
		if err != nil {
			return "", err
		}
	}

	var sections []string
	if factsTxt := strings.TrimSpace(facts.Facts); factsTxt != "" {
		sections = append(sections, fmt.Sprintf("[PATIENT_FACTS]\n%s\n[/PATIENT_FACTS]", factsTxt))
	}

	lastSummary := strings.TrimSpace(facts.LastSummary)
	if lastSummary == "" {
		for _, v := range visits {
			if v.Summary != "" {
				lastSummary = strings.TrimSpace(v.Summary)
				break
			}
		}
	}
	if lastSummary != "" {
		sections = append(sections, fmt.Sprintf("[LAST_SUMMARY]\n%s\n[/LAST_SUMMARY]", lastSummary))
	}

	return strings.Join(sections, "\n\n"), nil
}

// legacyVisitHistory is the fallback used when no customer id is known
// yet but a caller already has raw visit rows in hand.
func legacyVisitHistory(visits []VisitRecord) string {
	if len(visits) == 0 {
		return ""
	}
	lines := []string{"[VISIT_HISTORY]"}
	for i, v := range visits {
		if i >= 3 {
			break
		}
		symptoms, _ := v.Payload["symptoms"].([]any)
		symTxt := "(không rõ)"
		if len(symptoms) > 0 {
			var parts []string
			for _, raw := range symptoms {
				sm, _ := raw.(map[string]any)
				name := firstNonEmpty(stringVal(sm, "name"), stringVal(sm, "symptom"), "?")
				sev := firstNonEmpty(stringVal(sm, "severity"), stringVal(sm, "level"), "?")
				parts = append(parts, fmt.Sprintf("%s(%s)", name, sev))
			}
			symTxt = strings.Join(parts, ", ")
		}
		diagTxt := "(chưa ghi)"
		if diags, ok := v.Payload["tentative_diagnoses"].([]any); ok && len(diags) > 0 {
			var parts []string
			for _, d := range diags {
				if s, ok := d.(string); ok {
					parts = append(parts, s)
				}
			}
			diagTxt = strings.Join(parts, ", ")
		}
		appt := firstNonEmpty(stringVal(v.Payload, "appointment_time"), stringVal(v.Payload, "slot_time"), "(chưa rõ)")
		lines = append(lines, fmt.Sprintf("- %s: %s; chẩn đoán: %s; lịch: %s", v.CreatedAt, symTxt, diagTxt, appt))
	}
	lines = append(lines, "[/VISIT_HISTORY]")
	return strings.Join(lines, "\n")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// prettyText renders a visit payload as the plain-text visit slip
// written alongside the JSON sidecar file.
func prettyText(p Payload) string {
	g := func(k string) string {
		if v := stringVal(p, k); v != "" {
			return v
		}
		return "(không rõ)"
	}

	var b strings.Builder
	fmt.Fprintln(&b, "=== PHIẾU KẾT QUẢ THĂM KHÁM ===")
	fmt.Fprintf(&b, "Mã KH: %s\n", g("customer_id"))
	fmt.Fprintf(&b, "Họ tên: %s\n", g("patient_name"))
	fmt.Fprintf(&b, "SĐT: %s\n", g("phone"))
	fmt.Fprintf(&b, "Bác sĩ: %s\n", g("doctor_name"))
	fmt.Fprintf(&b, "Lịch hẹn: %s\n", g("appointment_time"))
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "Triệu chứng:")
	if symptoms, ok := p["symptoms"].([]any); ok {
		for _, raw := range symptoms {
			sm, _ := raw.(map[string]any)
			fmt.Fprintf(&b, " - %s | mức độ: %s | thời gian: %s\n",
				firstNonEmpty(stringVal(sm, "name"), "?"),
				firstNonEmpty(stringVal(sm, "severity"), "?"),
				firstNonEmpty(stringVal(sm, "duration"), "?"))
		}
	}
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "Chẩn đoán sơ bộ: %s\n", joinOrDefault(p["tentative_diagnoses"], "(không rõ)"))
	fmt.Fprintln(&b, "Xét nghiệm khuyến nghị:")
	for _, t := range stringSlice(p["tests_recommended"]) {
		fmt.Fprintf(&b, " - %s\n", t)
	}
	fmt.Fprintln(&b, "Thuốc/điều trị đề nghị:")
	for _, m := range stringSlice(p["medications_advised"]) {
		fmt.Fprintf(&b, " - %s\n", m)
	}
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "Chế độ ăn/kiêng: %s\n", g("diet_notes"))
	followUp := stringVal(p, "follow_up")
	if followUp == "" {
		followUp = "Tái khám khi bất thường"
	}
	fmt.Fprintf(&b, "Dặn dò: %s\n", followUp)
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "Xin cảm ơn quý khách!")
	return b.String()
}

func stringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func joinOrDefault(v any, def string) string {
	items := stringSlice(v)
	if len(items) == 0 {
		return def
	}
	return strings.Join(items, ", ")
}
