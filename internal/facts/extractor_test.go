package facts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-core/internal/reasoner"
)

type fakeReasoner struct {
	resp reasoner.Response
	err  error
}

func (f *fakeReasoner) Complete(ctx context.Context, req reasoner.Request) (reasoner.Response, error) {
	return f.resp, f.err
}

func TestExtract_EmptyConversationClampsToExisting(t *testing.T) {
	e := New(&fakeReasoner{}, "model", nil)
	result := e.Extract(context.Background(), "", "prior facts", "prior summary")
	require.Equal(t, Result{Facts: "prior facts", Summary: "prior summary"}, result)
}

func TestExtract_ParsesJSONResponse(t *testing.T) {
	fr := &fakeReasoner{resp: reasoner.Response{Text: `{"facts":"age 35, hypertension","summary":"headache x3 days"}`}}
	e := New(fr, "model", nil)
	result := e.Extract(context.Background(), "patient reports headache", "", "")
	require.Equal(t, "age 35, hypertension", result.Facts)
	require.Equal(t, "headache x3 days", result.Summary)
}

func TestExtract_MalformedJSONFallsBackToSectionRecovery(t *testing.T) {
	fr := &fakeReasoner{resp: reasoner.Response{Text: "facts: age 35\nsmoker\nsummary: headache for three days\nstill present"}}
	e := New(fr, "model", nil)
	result := e.Extract(context.Background(), "patient reports headache", "existing", "")
	require.Contains(t, result.Facts, "age 35")
	require.Contains(t, result.Summary, "headache for three days")
}

func TestExtract_ReasonerErrorClampsFactsAndNotesFailure(t *testing.T) {
	fr := &fakeReasoner{err: errors.New("bedrock unavailable")}
	e := New(fr, "model", nil)
	result := e.Extract(context.Background(), "conversation text", "existing facts", "existing summary")
	require.Equal(t, "existing facts", result.Facts)
	require.Contains(t, result.Summary, "bedrock unavailable")
}

func TestMerge(t *testing.T) {
	require.Equal(t, "new", Merge("", "new"))
	require.Equal(t, "old", Merge("old", ""))
	require.Contains(t, Merge("old", "new"), "old")
	require.Contains(t, Merge("old", "new"), "new")
}
