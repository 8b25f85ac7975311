package visits

import (
	"fmt"
	"strings"
)

// FindVisitByBooking searches the most recent visits whose payload
// matches the given booked slot. It first tries an exact
// booking_index match, then falls back to field-by-field candidate
// matching against several places the identifying fields could live
// (payload.booking, payload.booking.chosen, or the payload root),
// exactly as the source lookup tolerates the several shapes a finalize
// payload can take. A missing candidate field (e.g. no hospital code
// recorded at all) does not block a match; only a present-but-different
// value does.
func (s *Store) FindVisitByBooking(hospitalCode, date, doctorName, slotTime string) (*VisitRecord, error) {
	patternSlot := fmt.Sprintf(`%%"slot_time":"%s"%%`, slotTime)
	patternDoc := fmt.Sprintf(`%%"doctor_name":"%s"%%`, doctorName)

	rows, err := s.db.Query(
		`SELECT visit_id, created_at, payload_json, summary, facts_extracted FROM visits
		 WHERE payload_json LIKE ? AND payload_json LIKE ?
		 ORDER BY created_at DESC LIMIT 15`,
		patternSlot, patternDoc,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type candidateRow struct {
		visitID, createdAt, payloadJSON, summary, facts string
	}
	var candidates []candidateRow
	for rows.Next() {
		var c candidateRow
		if err := rows.Scan(&c.visitID, &c.createdAt, &c.payloadJSON, &c.summary, &c.facts); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range candidates {
		payload := parsePayload(c.payloadJSON)

		if idx, ok := payload["booking_index"].(map[string]any); ok {
			if (hospitalCode == "" || stringVal(idx, "hospital_code") == hospitalCode) &&
				(date == "" || stringVal(idx, "date") == date) &&
				stringVal(idx, "doctor_name") == doctorName &&
				stringVal(idx, "slot_time") == slotTime {
				return &VisitRecord{VisitID: c.visitID, CreatedAt: c.createdAt, Payload: payload, Summary: c.summary, Facts: c.facts}, nil
			}
		}

		booking, _ := payload["booking"].(map[string]any)
		var chosen map[string]any
		if booking != nil {
			chosen, _ = booking["chosen"].(map[string]any)
		}

		docCandidates := []string{stringVal(booking, "doctor_name"), stringVal(chosen, "doctor_name"), stringVal(payload, "doctor_name")}
		slotCandidates := []string{stringVal(booking, "slot_time"), stringVal(chosen, "slot_time"), stringVal(booking, "appointment_time"), stringVal(payload, "appointment_time"), stringVal(payload, "slot_time")}
		hospCandidates := []string{stringVal(booking, "hospital_code"), stringVal(chosen, "hospital_code"), stringVal(payload, "hospital_code")}
		dateCandidates := []string{stringVal(booking, "date"), stringVal(chosen, "date"), stringVal(payload, "date"), datePart(c.createdAt)}

		matchDoc := anyEquals(docCandidates, doctorName)
		matchSlot := anyEquals(slotCandidates, slotTime)
		matchHosp := anyEquals(hospCandidates, hospitalCode) || allEmpty(hospCandidates)
		matchDate := anyEquals(dateCandidates, date) || allEmpty(dateCandidates)

		if matchDoc && matchSlot && matchHosp && matchDate {
			return &VisitRecord{VisitID: c.visitID, CreatedAt: c.createdAt, Payload: payload, Summary: c.summary, Facts: c.facts}, nil
		}
	}
	return nil, nil
}

func stringVal(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func anyEquals(candidates []string, want string) bool {
	if want == "" {
		return false
	}
	for _, c := range candidates {
		if c != "" && c == want {
			return true
		}
	}
	return false
}

func allEmpty(candidates []string) bool {
	for _, c := range candidates {
		if c != "" {
			return false
		}
	}
	return true
}

func datePart(createdAt string) string {
	if i := strings.IndexByte(createdAt, ' '); i >= 0 {
		return createdAt[:i]
	}
	return createdAt
}
