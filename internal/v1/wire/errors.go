package wire

import "unicode/utf8"

// ErrorCode is the closed set of stable error identifiers surfaced to
// clients and peers. New codes must not be invented outside this file.
type ErrorCode string

const (
	CodeRoomNotFound         ErrorCode = "ROOM_NOT_FOUND"
	CodeAlreadyInRoom        ErrorCode = "ALREADY_IN_ROOM"
	CodeNotInRoom            ErrorCode = "NOT_IN_ROOM"
	CodeNotMember            ErrorCode = "NOT_MEMBER"
	CodeInvalidContent       ErrorCode = "INVALID_CONTENT"
	CodeInvalidRequest       ErrorCode = "INVALID_REQUEST"
	CodeInvalidState         ErrorCode = "INVALID_STATE"
	CodeUnauthorized         ErrorCode = "UNAUTHORIZED"
	CodeAdminNodeUnavailable ErrorCode = "ADMIN_NODE_UNAVAILABLE"
	CodeDeletionFailed       ErrorCode = "DELETION_FAILED"
	CodeInternalError        ErrorCode = "INTERNAL_ERROR"
)

// MaxContentLength is the maximum message content length, counted in
// UTF-8 code points.
const MaxContentLength = 5000

// Error is an application-level failure that crosses the wire with a
// stable code. It is not used for transport problems.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewError builds a typed wire error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ValidateContent checks message content against the uniform content
// rules: non-empty and at most MaxContentLength code points. Returns nil
// when the content is acceptable.
func ValidateContent(content string) *Error {
	if content == "" {
		return NewError(CodeInvalidContent, "Message content cannot be empty")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return NewError(CodeInvalidContent, "Message content too long (max 5000 characters)")
	}
	return nil
}
