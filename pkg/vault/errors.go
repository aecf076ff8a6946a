// Copyright 2026 Mandala Network
//
// Sentinel errors for vault operations.

package vault

import "errors"

var (
	// ErrInvalidPath is returned for paths that fail normalization.
	ErrInvalidPath = errors.New("invalid document path")

	// ErrDocumentNotFound is returned when a path has no document.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrConcurrentWrite is returned when the index changed under a writer.
	ErrConcurrentWrite = errors.New("concurrent index modification")

	// ErrNotMember is returned when a key is not a member of a team.
	ErrNotMember = errors.New("not a team member")

	// ErrPermission is returned when a member's role does not allow an
	// operation.
	ErrPermission = errors.New("insufficient role")

	// ErrLastOwner is returned when an operation would leave a team without
	// an owner.
	ErrLastOwner = errors.New("team must retain at least one owner")

	// ErrDuplicateMember is returned when adding a key that is already a
	// member.
	ErrDuplicateMember = errors.New("already a member")

	// ErrTeamNotFound is returned for unknown team ids.
	ErrTeamNotFound = errors.New("team not found")

	// ErrStorageIO is returned when the storage adapter fails after retries.
	ErrStorageIO = errors.New("storage io failure")
)
