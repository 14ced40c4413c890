package order

import "testing"

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		wantErr  bool
	}{
		{StatusSampleCollected, StatusInProgress, false},
		{StatusSampleCollected, StatusCancelled, false},
		{StatusInProgress, StatusCompleted, false},
		{StatusInProgress, StatusCancelled, false},
		{StatusSampleCollected, StatusCompleted, true},
		{StatusInProgress, StatusSampleCollected, true},
		{StatusCompleted, StatusCancelled, true},
		{StatusCompleted, StatusInProgress, true},
		{StatusCancelled, StatusInProgress, true},
		{StatusCancelled, StatusCancelled, true},
		{"Archived", StatusInProgress, true},
		{StatusInProgress, "Archived", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error for %s -> %s", tt.from, tt.to)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range Statuses {
		want := s == StatusCompleted || s == StatusCancelled
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
		if want && len(transitions[s]) != 0 {
			t.Errorf("terminal status %s has outgoing edges", s)
		}
	}
}
