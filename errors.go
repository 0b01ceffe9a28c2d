package dreshard

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// ErrorCode classifies errors that cross node boundaries or get persisted as an abort reason
type ErrorCode int

const (
	CodeInternalError ErrorCode = 1
	CodeBadValue      ErrorCode = 2

	CodeNamespaceNotFound              ErrorCode = 26
	CodeConflictingOperationInProgress ErrorCode = 117
	CodeNotPrimary                     ErrorCode = 10107
	CodeInterrupted                    ErrorCode = 11601

	CodeWriteConflict   ErrorCode = 112
	CodeStaleConfig     ErrorCode = 13388
	CodeHostUnreachable ErrorCode = 6
	CodeNetworkTimeout  ErrorCode = 89

	CodeReshardCollectionAborted         ErrorCode = 341
	CodeReshardingCriticalSectionTimeout ErrorCode = 5329600
	CodeStashCollectionsNotEmpty         ErrorCode = 5356800
	CodeIllegalDropTarget                ErrorCode = 5494100
)

var errorCodeNames = map[ErrorCode]string{
	CodeInternalError:                    "InternalError",
	CodeBadValue:                         "BadValue",
	CodeNamespaceNotFound:                "NamespaceNotFound",
	CodeConflictingOperationInProgress:   "ConflictingOperationInProgress",
	CodeNotPrimary:                       "NotPrimary",
	CodeInterrupted:                      "Interrupted",
	CodeWriteConflict:                    "WriteConflict",
	CodeStaleConfig:                      "StaleConfig",
	CodeHostUnreachable:                  "HostUnreachable",
	CodeNetworkTimeout:                   "NetworkTimeout",
	CodeReshardCollectionAborted:         "ReshardCollectionAborted",
	CodeReshardingCriticalSectionTimeout: "ReshardingCriticalSectionTimeout",
	CodeStashCollectionsNotEmpty:         "StashCollectionsNotEmpty",
	CodeIllegalDropTarget:                "IllegalDropTarget",
}

func (c ErrorCode) String() string {
	if n, ok := errorCodeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is an error carrying a code
type Error struct {
	Code    ErrorCode
	Message string
}

func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Code.String() + ": " + e.Message
}

var (
	ErrReshardingInProgress   = NewError(CodeConflictingOperationInProgress, "a resharding operation is already in progress for this collection")
	ErrReshardingAborted      = NewError(CodeReshardCollectionAborted, "resharding operation aborted by user")
	ErrCriticalSectionTimeout = NewError(CodeReshardingCriticalSectionTimeout, "recipients did not reach strict consistency within the critical section timeout")
	ErrStashNotEmpty          = NewError(CodeStashCollectionsNotEmpty, "conflict stash collections are not empty")
	ErrInterrupted            = NewError(CodeInterrupted, "interrupted due to stepdown")
	ErrNotPrimary             = NewError(CodeNotPrimary, "not primary")
)

// CodeOf returns the code of the first coded error in the chain, or InternalError
func CodeOf(err error) ErrorCode {
	if err == nil {
		return 0
	}

	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeInterrupted
	}

	return CodeInternalError
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsTransient reports whether err is worth retrying at the point it occurred
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	switch CodeOf(err) {
	case CodeWriteConflict, CodeStaleConfig, CodeHostUnreachable, CodeNetworkTimeout:
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// AbortReason is the persisted form of the error that caused an operation or a
// participant to abort
type AbortReason struct {
	Code    ErrorCode `bson:"code" json:"code"`
	Message string    `bson:"errmsg" json:"errmsg"`
}

// ReasonFromError converts err into its persisted form
func ReasonFromError(err error) *AbortReason {
	var coded *Error
	if errors.As(err, &coded) {
		return &AbortReason{Code: coded.Code, Message: coded.Message}
	}

	return &AbortReason{Code: CodeOf(err), Message: err.Error()}
}

// Err turns the reason back into an error
func (r *AbortReason) Err() error {
	if r == nil {
		return nil
	}
	return &Error{Code: r.Code, Message: r.Message}
}

func (r *AbortReason) String() string {
	if r == nil {
		return ""
	}
	return r.Code.String() + ": " + r.Message
}
