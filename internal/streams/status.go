package streams

import (
	"fmt"

	"secondlayer/internal/models"
)

// Actions applied to a stream's status.
const (
	ActionEnable  = "enable"
	ActionDisable = "disable"
	ActionPause   = "pause"
	ActionResume  = "resume"
	ActionFail    = "fail"
)

// Transition resolves an action against the current status and returns the
// next status. Actions not valid for the current status return an error.
//
//	enable:  {inactive, failed} -> active
//	disable: any               -> inactive
//	pause:   active            -> paused
//	resume:  paused            -> active
//	fail:    active            -> failed  (worker-triggered)
func Transition(current, action string) (string, error) {
	switch action {
	case ActionEnable:
		if current == models.StreamStatusInactive || current == models.StreamStatusFailed {
			return models.StreamStatusActive, nil
		}
	case ActionDisable:
		return models.StreamStatusInactive, nil
	case ActionPause:
		if current == models.StreamStatusActive {
			return models.StreamStatusPaused, nil
		}
	case ActionResume:
		if current == models.StreamStatusPaused {
			return models.StreamStatusActive, nil
		}
	case ActionFail:
		if current == models.StreamStatusActive {
			return models.StreamStatusFailed, nil
		}
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
	return "", fmt.Errorf("cannot %s a %s stream", action, current)
}
