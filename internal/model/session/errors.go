package session

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrCollaboratorTimeout    = errors.New("collaborator timed out")
	ErrCollaboratorRejected   = errors.New("collaborator rejected request")
	ErrStoreWriteConflict     = errors.New("store write conflict")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrInvalidStateTransition = errors.New("invalid state transition")

	ErrSessionNotFound = errors.New("session not found")
	ErrTopicNotFound   = errors.New("topic not found")
	ErrOwnerRequired   = errors.New("owner id is required")
	ErrOwnerMismatch   = errors.New("session belongs to another owner")
)

// CollaboratorError wraps a failed leaf call with the collaborator's name and
// classifies it as a timeout or a rejection.
func CollaboratorError(name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCollaboratorTimeout) || errors.Is(err, ErrCollaboratorRejected) {
		return fmt.Errorf("%s: %w", name, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", name, ErrCollaboratorTimeout, err)
	}
	return fmt.Errorf("%s: %w: %v", name, ErrCollaboratorRejected, err)
}
