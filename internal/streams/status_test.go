package streams

import (
	"testing"

	"secondlayer/internal/models"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		current string
		action  string
		want    string
		wantErr bool
	}{
		{models.StreamStatusInactive, ActionEnable, models.StreamStatusActive, false},
		{models.StreamStatusFailed, ActionEnable, models.StreamStatusActive, false},
		{models.StreamStatusActive, ActionEnable, "", true},
		{models.StreamStatusPaused, ActionEnable, "", true},

		{models.StreamStatusActive, ActionDisable, models.StreamStatusInactive, false},
		{models.StreamStatusPaused, ActionDisable, models.StreamStatusInactive, false},
		{models.StreamStatusFailed, ActionDisable, models.StreamStatusInactive, false},
		{models.StreamStatusInactive, ActionDisable, models.StreamStatusInactive, false},

		{models.StreamStatusActive, ActionPause, models.StreamStatusPaused, false},
		{models.StreamStatusInactive, ActionPause, "", true},
		{models.StreamStatusFailed, ActionPause, "", true},

		{models.StreamStatusPaused, ActionResume, models.StreamStatusActive, false},
		{models.StreamStatusActive, ActionResume, "", true},
		{models.StreamStatusInactive, ActionResume, "", true},

		{models.StreamStatusActive, ActionFail, models.StreamStatusFailed, false},
		{models.StreamStatusPaused, ActionFail, "", true},
		{models.StreamStatusInactive, ActionFail, "", true},
	}

	for _, tc := range cases {
		got, err := Transition(tc.current, tc.action)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s on %s: expected error, got %q", tc.action, tc.current, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s on %s: unexpected error: %v", tc.action, tc.current, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s on %s: got %q, want %q", tc.action, tc.current, got, tc.want)
		}
	}
}

func TestTransitionUnknownAction(t *testing.T) {
	if _, err := Transition(models.StreamStatusActive, "explode"); err == nil {
		t.Fatal("unknown action must error")
	}
}

func TestGenerateWebhookSecret(t *testing.T) {
	a := GenerateWebhookSecret()
	b := GenerateWebhookSecret()
	if a == b {
		t.Fatal("secrets must be unique")
	}
	if len(a) != len("whsec_")+48 {
		t.Fatalf("unexpected secret length %d", len(a))
	}
	if a[:6] != "whsec_" {
		t.Fatalf("secret missing prefix: %s", a)
	}
}

func TestValidateStream(t *testing.T) {
	valid := &models.Stream{
		Name:       "marketplace-watch",
		WebhookURL: "https://example.com/hook",
		Filters:    []models.Filter{{Type: models.FilterContractCall, ContractID: "SP123.marketplace"}},
	}
	if err := ValidateStream(valid); err != nil {
		t.Fatalf("valid stream rejected: %v", err)
	}

	noFilters := *valid
	noFilters.Filters = nil
	if err := ValidateStream(&noFilters); err == nil {
		t.Fatal("empty filter list must be rejected")
	}

	badType := *valid
	badType.Filters = []models.Filter{{Type: "teleport"}}
	if err := ValidateStream(&badType); err == nil {
		t.Fatal("unknown filter type must be rejected")
	}

	badOptions := *valid
	badOptions.Options = models.StreamOptions{RateLimit: 500}
	if err := ValidateStream(&badOptions); err == nil {
		t.Fatal("rate limit above ceiling must be rejected")
	}
}
