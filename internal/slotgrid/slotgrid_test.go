package slotgrid

import "testing"

func TestAllSlots_BoundaryBehavior(t *testing.T) {
	if AllSlots[0] != "07:40" {
		t.Fatalf("expected first slot 07:40, got %s", AllSlots[0])
	}
	last := AllSlots[len(AllSlots)-1]
	if last != "16:40" {
		t.Fatalf("expected last slot start 16:40, got %s", last)
	}
	if len(AllSlots) != 28 {
		t.Fatalf("expected 28 slots, got %d", len(AllSlots))
	}
	if IsAllowed("16:41") {
		t.Fatalf("16:41 must not be a slot")
	}
	if !IsAllowed("07:40") || !IsAllowed("16:40") {
		t.Fatalf("boundary slots must be allowed")
	}
}

func TestGenerate_CustomRange(t *testing.T) {
	got := Generate("09:00", "10:00", 30)
	want := []string{"09:00", "09:30", "10:00"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestGenerate_InvalidInputsReturnNil(t *testing.T) {
	if Generate("bad", "10:00", 30) != nil {
		t.Fatalf("expected nil for invalid start")
	}
	if Generate("09:00", "10:00", 0) != nil {
		t.Fatalf("expected nil for non-positive step")
	}
}
