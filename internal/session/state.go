package session

import (
	"github.com/shehryarbajwa/portalrelay/internal/apperr"
	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

var transitions = map[models.SessionState][]models.SessionState{
	models.StateIdle:          {models.StateStarting, models.StateError, models.StateClosed},
	models.StateStarting:      {models.StateAwaitingLogin, models.StateError, models.StateClosed},
	models.StateAwaitingLogin: {models.StateLoggedIn, models.StateError, models.StateClosed},
	models.StateLoggedIn:      {models.StateExtracting, models.StateError, models.StateClosed},
	// a logout noticed mid-extraction sends the operator back to the login page
	models.StateExtracting: {models.StateLoggedIn, models.StateAwaitingLogin, models.StateError, models.StateClosed},
	models.StateError:      {models.StateExtracting, models.StateClosed},
	models.StateClosed:     {},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to models.SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to models.SessionState) error {
	if !CanTransition(from, to) {
		return apperr.New(apperr.KindInvalidState, "session.transition", "cannot move from %s to %s", from, to)
	}
	return nil
}
