package job

import "testing"

func TestCheckTransitionAllowed(t *testing.T) {
	tests := []struct {
		from, to Status
	}{
		{StatusQueued, StatusAssigned},
		{StatusQueued, StatusFailed},
		{StatusQueued, StatusCancelled},
		{StatusAssigned, StatusRunning},
		{StatusAssigned, StatusFailed},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusTimeout},
		{StatusRunning, StatusCancelled},
	}
	for _, tt := range tests {
		if err := CheckTransition(tt.from, tt.to); err != nil {
			t.Errorf("CheckTransition(%s, %s) = %v, want nil", tt.from, tt.to, err)
		}
	}
}

func TestCheckTransitionRejectsOutOfTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout}
	for _, from := range terminal {
		if err := CheckTransition(from, StatusRunning); err == nil {
			t.Errorf("CheckTransition(%s, RUNNING) = nil, want error", from)
		}
	}
}

func TestCheckTransitionRejectsSkip(t *testing.T) {
	if err := CheckTransition(StatusQueued, StatusRunning); err == nil {
		t.Error("QUEUED -> RUNNING should be illegal (must pass through ASSIGNED)")
	}
	if err := CheckTransition(StatusQueued, StatusCompleted); err == nil {
		t.Error("QUEUED -> COMPLETED should be illegal")
	}
}

func TestRetryBackoffCapsAtTenMinutes(t *testing.T) {
	tests := []struct {
		retryCount int
		want       int
	}{
		{0, 60},
		{1, 120},
		{2, 240},
		{3, 480},
		{4, 600},
		{10, 600},
	}
	for _, tt := range tests {
		if got := RetryBackoff(tt.retryCount); got != tt.want {
			t.Errorf("RetryBackoff(%d) = %d, want %d", tt.retryCount, got, tt.want)
		}
	}
}
