package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/access"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/errs"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/whiteboard"
)

const (
	reasonEmptyMessage       = "empty-message"
	reasonMessageTooLong     = "message-too-long"
	reasonInvalidParent      = "invalid-parent"
	reasonParentNotFound     = "parent-not-found"
	reasonThreadNotFound     = "thread-not-found"
	reasonBadID              = "bad-id"
	reasonNotFound           = "not-found"
	reasonForbidden          = "forbidden"
	reasonNotJoined          = "not-joined"
	reasonInvalidPayload     = "invalid-payload"
	reasonUnknownEvent       = "unknown-event"
	reasonPersistenceFailure = "persistence-failure"
	reasonInternalError      = "internal-error"
	reasonUnauthorized       = "unauthorized"
)

var (
	errNotJoined      = errors.New("connection has not joined the room")
	errInvalidPayload = errors.New("invalid event payload")
	errUnknownEvent   = errors.New("unknown event")
)

// ackReason maps an error onto the reason string returned to clients.
func ackReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, chat.ErrEmptyMessage):
		return reasonEmptyMessage
	case errors.Is(err, chat.ErrMessageTooLong):
		return reasonMessageTooLong
	case errors.Is(err, chat.ErrInvalidParent):
		return reasonInvalidParent
	case errors.Is(err, chat.ErrParentNotFound):
		return reasonParentNotFound
	case errors.Is(err, chat.ErrThreadNotFound):
		return reasonThreadNotFound
	case errors.Is(err, access.ErrBadRoomID):
		return reasonBadID
	case errors.Is(err, errNotJoined):
		return reasonNotJoined
	case errors.Is(err, errUnknownEvent):
		return reasonUnknownEvent
	case errors.Is(err, errInvalidPayload), errors.Is(err, whiteboard.ErrInvalidOp), errors.Is(err, errs.ErrValidation):
		return reasonInvalidPayload
	case errors.Is(err, errs.ErrForbidden):
		return reasonForbidden
	case errors.Is(err, errs.ErrNotFound):
		return reasonNotFound
	case errors.Is(err, errs.ErrPersistence):
		return reasonPersistenceFailure
	case errors.Is(err, errs.ErrAuthRejected):
		return reasonUnauthorized
	default:
		return reasonInternalError
	}
}

// httpStatus maps an error onto the REST status code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errs.ErrAuthRejected):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// isClientError reports whether err is an expected outcome of bad client input.
func isClientError(err error) bool {
	return errors.Is(err, errs.ErrValidation) ||
		errors.Is(err, errs.ErrForbidden) ||
		errors.Is(err, errs.ErrNotFound) ||
		errors.Is(err, errs.ErrAuthRejected) ||
		errors.Is(err, errNotJoined) ||
		errors.Is(err, errInvalidPayload) ||
		errors.Is(err, errUnknownEvent)
}
