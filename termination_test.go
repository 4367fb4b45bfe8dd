package worker

import "testing"

func TestTerminationReasonClassification(t *testing.T) {
	cases := []struct {
		name           string
		reason         TerminationReason
		wantSuccess    bool
		wantLimit      bool
		wantHTTPStatus int
	}{
		{"success", Success(), true, false, 200},
		{"cpu", CPUTimeLimit(), false, true, 429},
		{"wall clock", WallClockTimeout(), false, true, 504},
		{"memory", MemoryLimit(), false, true, 429},
		{"exception", Exception("boom"), false, false, 500},
		{"init error", InitializationError("bad script"), false, false, 500},
		{"aborted", Aborted(), false, false, 503},
		{"terminated", Terminated(), false, false, 503},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.reason.IsSuccess(); got != c.wantSuccess {
				t.Errorf("IsSuccess() = %v, want %v", got, c.wantSuccess)
			}
			if got := c.reason.IsLimitExceeded(); got != c.wantLimit {
				t.Errorf("IsLimitExceeded() = %v, want %v", got, c.wantLimit)
			}
			if got := c.reason.HTTPStatus(); got != c.wantHTTPStatus {
				t.Errorf("HTTPStatus() = %d, want %d", got, c.wantHTTPStatus)
			}
			if c.reason.Description() == "" {
				t.Error("Description() should never be empty")
			}
		})
	}
}

func TestExceptionCarriesDetail(t *testing.T) {
	r := Exception("ReferenceError: x is not defined")
	if r.Detail() != "ReferenceError: x is not defined" {
		t.Fatalf("unexpected detail: %q", r.Detail())
	}
	if r.Description() != "unhandled exception: ReferenceError: x is not defined" {
		t.Fatalf("unexpected description: %q", r.Description())
	}
}
