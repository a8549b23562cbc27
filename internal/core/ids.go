package core

import "github.com/google/uuid"

// NewLocalID generates a client-side record identifier. The prefix keeps
// locally minted identifiers visually distinct from server-assigned ones.
func NewLocalID() string {
	return "offline_" + uuid.NewString()
}

// NewOperationID generates a queue-entry identifier, distinct from any
// record identifier.
func NewOperationID() string {
	return uuid.NewString()
}
