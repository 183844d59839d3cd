package broker

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Error types raised by the broker itself.
const (
	TypeServiceNotFound  = "SERVICE_NOT_FOUND"
	TypeNodeNotAvailable = "NODE_NOT_AVAILABLE"
	TypeRequestTimeout   = "REQUEST_TIMEOUT"
	TypeNotFound         = "NOT_FOUND"
)

// Error is a failure raised by an action handler or by the broker.
// Type is the machine-readable kind that ends up in the error.type tag.
type Error struct {
	Data    map[string]any
	Message string
	Type    string
	Code    int
}

func (e *Error) Error() string {
	return e.Message
}

// ErrorType returns the machine-readable kind of the failure.
func (e *Error) ErrorType() string {
	return e.Type
}

// NewError returns an Error carrying the stack of its caller.
func NewError(message string, code int, errType string, data map[string]any) error {
	return errors.WithStackDepth(&Error{
		Message: message,
		Code:    code,
		Type:    errType,
		Data:    data,
	}, 1)
}

// NotFound reports a lookup that matched nothing.
func NotFound(message string, data map[string]any) error {
	return errors.WithStackDepth(&Error{
		Message: message,
		Code:    404,
		Type:    TypeNotFound,
		Data:    data,
	}, 1)
}

func serviceNotFound(action string) error {
	return errors.WithStackDepth(&Error{
		Message: fmt.Sprintf("Service '%s' is not found.", action),
		Code:    404,
		Type:    TypeServiceNotFound,
		Data:    map[string]any{"action": action},
	}, 1)
}

func nodeNotAvailable(nodeID, action string) error {
	return errors.WithStackDepth(&Error{
		Message: fmt.Sprintf("Node '%s' is not available for '%s'.", nodeID, action),
		Code:    404,
		Type:    TypeNodeNotAvailable,
		Data:    map[string]any{"nodeID": nodeID, "action": action},
	}, 1)
}

func requestTimeout(action string, cause error) error {
	return errors.WithStackDepth(&Error{
		Message: fmt.Sprintf("Request is timed out when call '%s' action.", action),
		Code:    504,
		Type:    TypeRequestTimeout,
		Data:    map[string]any{"action": action, "cause": cause.Error()},
	}, 1)
}

// AsError returns the broker Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
