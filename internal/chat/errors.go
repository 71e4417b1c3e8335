package chat

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/errs"
)

var (
	// ErrEmptyMessage rejects text that is blank after trimming.
	ErrEmptyMessage = fmt.Errorf("%w: empty message", errs.ErrValidation)
	// ErrMessageTooLong rejects text above the configured rune limit.
	ErrMessageTooLong = fmt.Errorf("%w: message too long", errs.ErrValidation)
	// ErrInvalidParent rejects a malformed parent id or a parent that is itself a reply.
	ErrInvalidParent = fmt.Errorf("%w: invalid parent message", errs.ErrValidation)
	// ErrParentNotFound rejects a parent id that does not resolve inside the room.
	ErrParentNotFound = fmt.Errorf("%w: parent message", errs.ErrNotFound)
	// ErrThreadNotFound is returned when a thread root does not exist in the room.
	ErrThreadNotFound = fmt.Errorf("%w: thread", errs.ErrNotFound)
)
