// Package opstate holds the pure transition logic for a flight operation's
// authorization status. Unknown (state, event) pairs are no-ops.
package opstate

import "skylane/internal/domain"

// Lifecycle events.
const (
	EventRegistryAccepts             = "registry_accepts"
	EventOperatorActivates           = "operator_activates"
	EventOperatorConfirmsEnded       = "operator_confirms_ended"
	EventDepartsDeclaredVolume       = "departs_declared_volume"
	EventExitsDeclaredVolume         = "exits_declared_volume"
	EventReturnsToDeclaredVolume     = "returns_to_declared_volume"
	EventTimeout                     = "timeout"
	EventOperatorConfirmsContingency = "operator_confirms_contingency"
	EventOperatorDeclaresContingency = "operator_declares_contingency"
)

var transitions = map[string]map[string]string{
	domain.StateNotSubmitted: {
		EventRegistryAccepts: domain.StateAccepted,
	},
	domain.StateAccepted: {
		EventOperatorActivates:     domain.StateActivated,
		EventOperatorConfirmsEnded: domain.StateEnded,
		EventDepartsDeclaredVolume: domain.StateNonconforming,
	},
	domain.StateActivated: {
		EventOperatorConfirmsEnded:       domain.StateEnded,
		EventExitsDeclaredVolume:         domain.StateNonconforming,
		EventOperatorDeclaresContingency: domain.StateContingent,
	},
	domain.StateNonconforming: {
		EventReturnsToDeclaredVolume:     domain.StateActivated,
		EventOperatorConfirmsEnded:       domain.StateEnded,
		EventTimeout:                     domain.StateContingent,
		EventOperatorConfirmsContingency: domain.StateContingent,
	},
	domain.StateContingent: {
		EventOperatorConfirmsEnded: domain.StateEnded,
	},
}

var terminal = map[string]bool{
	domain.StateEnded:     true,
	domain.StateWithdrawn: true,
	domain.StateCancelled: true,
	domain.StateRejected:  true,
}

// Apply returns the state reached by applying event to state. Events with no
// entry in the table leave the state unchanged.
func Apply(state, event string) string {
	if next, ok := transitions[state][event]; ok {
		return next
	}
	return state
}

// Verify confirms that applying event to from yields exactly to, and that
// the pair is an actual transition (not a no-op). Callers must not persist a
// target state without this check passing.
func Verify(from, to, event string) bool {
	next, ok := transitions[from][event]
	return ok && next == to
}

// Terminal reports whether a state admits no further transitions.
func Terminal(state string) bool {
	return terminal[state]
}
