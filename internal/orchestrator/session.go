package orchestrator

import (
	"regexp"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/wolfman30/clinic-booking-core/internal/planner"
)

// phoneRe matches a ten-digit mobile number with a leading 0 and one of
// the mobile-carrier prefixes.
var phoneRe = regexp.MustCompile(`^0(3|5|7|8|9)\d{8}$`)

// ValidPhone reports whether phone is a syntactically valid mobile number.
func ValidPhone(phone string) bool {
	return phoneRe.MatchString(strings.TrimSpace(phone))
}

// IdentityState is the session-scoped caller identity as it accumulates
// confidence across turns before being confirmed.
type IdentityState struct {
	DraftName       string
	DraftPhone      string
	DraftConfidence float64

	ConfirmedName  string
	ConfirmedPhone string
	IsConfirmed    bool
}

// Session holds everything the orchestrator tracks for one live call.
// All mutation goes through Orchestrator's methods, which hold mu for
// the duration of each state transition.
type Session struct {
	mu sync.Mutex

	ID           string
	HospitalCode string
	CustomerID   string

	Identity IdentityState

	LatestBooking     *planner.Result
	AllowFinalize     bool
	BookingInProgress bool
	Closing           bool

	PersonalContextInjected bool
	ExistingFacts           string
	ExistingSummary         string

	transcript []string
	seenIDs    map[string]struct{}

	Gate *ReplyGate
}

// NewSession creates session state for a fresh call. redisClient may be
// nil, in which case the reply gate serializes locally only.
func NewSession(id, hospitalCode string, redisClient *redis.Client) *Session {
	return &Session{
		ID:           id,
		HospitalCode: hospitalCode,
		seenIDs:      make(map[string]struct{}),
		Gate:         NewReplyGate(redisClient, id),
	}
}

// AppendTurn records a "[role] text" transcript line, deduplicated by an
// optional caller-supplied turn id (e.g. a realtime transport's message
// id) to guard against replayed audio chunks.
func (s *Session) AppendTurn(turnID, role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turnID != "" {
		if _, ok := s.seenIDs[turnID]; ok {
			return
		}
		s.seenIDs[turnID] = struct{}{}
	}
	s.transcript = append(s.transcript, "["+role+"] "+text)
}

// AppendSystemLine appends a bare system-role transcript line, used for
// the BOOKING_JSON/BOOKING_OPT/BOOKING_GUARD narration lines the tools
// leave for the reasoner to read back on its next turn.
func (s *Session) AppendSystemLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendSystemLineLocked(line)
}

// AppendSystemLineLocked is the same as AppendSystemLine but assumes
// the caller already holds s.mu — used by Orchestrator methods that
// append a system line as part of a larger locked state transition.
func (s *Session) AppendSystemLineLocked(line string) {
	s.appendSystemLineLocked(line)
}

func (s *Session) appendSystemLineLocked(line string) {
	s.transcript = append(s.transcript, "[system] "+line)
}

// Transcript returns the full transcript joined by newlines.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.transcript, "\n")
}

// UserOnlyTranscript returns just the "[user] ..." lines, stripped of
// their role prefix — the slice finalize_visit feeds to the facts
// extractor and the visit summary.
func (s *Session) UserOnlyTranscript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lines []string
	for _, line := range s.transcript {
		if strings.HasPrefix(line, "[user] ") {
			lines = append(lines, strings.TrimPrefix(line, "[user] "))
		}
	}
	return strings.Join(lines, "\n")
}
