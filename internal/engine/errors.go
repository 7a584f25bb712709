package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ValidationError rejects a malformed declaration before any network call.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid declaration: %s", e.Reason)
}

// LocalConflictError means self-deconfliction or the pre-submission check
// found an airspace overlap. No Registry mutation was made.
type LocalConflictError struct {
	ConflictingIDs []uuid.UUID
}

func (e LocalConflictError) Error() string {
	if len(e.ConflictingIDs) == 0 {
		return "airspace conflict"
	}
	ids := make([]string, 0, len(e.ConflictingIDs))
	for _, id := range e.ConflictingIDs {
		ids = append(ids, id.String())
	}
	return fmt.Sprintf("airspace conflict with %s", strings.Join(ids, ", "))
}

// InvalidTransitionError means the state machine has no transition for the
// event; nothing was persisted.
type InvalidTransitionError struct {
	From  string
	Event string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("event %s not allowed in state %s", e.Event, e.From)
}
