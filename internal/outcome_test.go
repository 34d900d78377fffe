package internal

import (
	"errors"
	"fmt"
	"testing"
)

func TestOutcomeFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind OutcomeKind
		wantCode int
	}{
		{"404", NewNotFoundError("u"), OutcomeNotFound, 404},
		{"wrapped 404", fmt.Errorf("fetch: %w", NewNotFoundError("u")), OutcomeNotFound, 404},
		{"503", NewBadStatusError("u", 503), OutcomeBadStatus, 503},
		{"removed", NewAlreadyRemovedError(ThreadKey("4chan", "g", 1)), OutcomeAlreadyRemoved, 0},
		{"configuration", NewConfigurationError("lainchan"), OutcomeTransportError, 0},
		{"challenge", &ChallengeRequiredError{Host: "boards.example.org"}, OutcomeTransportError, 0},
		{"io", errors.New("broken pipe"), OutcomeTransportError, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := OutcomeFromError[int](tt.err)
			if o.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", o.Kind, tt.wantKind)
			}
			if o.StatusCode != tt.wantCode {
				t.Errorf("StatusCode = %d, want %d", o.StatusCode, tt.wantCode)
			}
			if tt.wantKind == OutcomeTransportError && !errors.Is(o.Err, tt.err) {
				t.Errorf("TransportError should keep its cause, got %v", o.Err)
			}
		})
	}
}

func TestFetchOutcome_String(t *testing.T) {
	tests := []struct {
		outcome FetchOutcome[int]
		want    string
	}{
		{Success(1), "Success"},
		{NotFound[int](), "NotFound"},
		{AlreadyRemoved[int](), "AlreadyRemoved"},
		{BadStatus[int](500), "BadStatus(500)"},
		{TransportFailure[int](errors.New("reset")), "TransportError(reset)"},
	}
	for _, tt := range tests {
		if got := tt.outcome.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
