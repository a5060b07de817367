package katportal

import (
	"errors"
	"fmt"
)

// Error codes for typed katportal errors.
const (
	UnknownError = iota

	ConnectionError

	DisconnectedError

	ProtocolError

	RequestFailedError

	ScheduleBlockNotFoundError

	ScheduleBlockTargetsParsingError

	SensorNotFoundError

	SensorHistoryRequestError

	SubarrayNumberUnknownError

	TimedOutError
)

// Error is a typed katportal error carrying one of the package error codes.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	name := errorCodeName(e.Code)
	if e.Message != "" {
		return name + ": " + e.Message
	}
	return name
}

func errorCodeName(errorCode int) string {
	var errorName string

	switch errorCode {
	case ConnectionError:
		errorName = "ConnectionError"
	case DisconnectedError:
		errorName = "DisconnectedError"
	case ProtocolError:
		errorName = "ProtocolError"
	case RequestFailedError:
		errorName = "RequestFailedError"
	case ScheduleBlockNotFoundError:
		errorName = "ScheduleBlockNotFoundError"
	case ScheduleBlockTargetsParsingError:
		errorName = "ScheduleBlockTargetsParsingError"
	case SensorNotFoundError:
		errorName = "SensorNotFoundError"
	case SensorHistoryRequestError:
		errorName = "SensorHistoryRequestError"
	case SubarrayNumberUnknownError:
		errorName = "SubarrayNumberUnknownError"
	case TimedOutError:
		errorName = "TimedOutError"
	default:
		errorName = "UnknownError"
	}

	return errorName
}

// NewError returns a typed error for the given code with an optional message.
func NewError(errorCode int, message ...interface{}) error {
	err := &Error{Code: errorCode}
	if len(message) > 0 {
		err.Message = fmt.Sprintf("%v", message[0])
	}
	return err
}

// ErrorCode reports the katportal error code carried by err, or UnknownError
// when err is not a katportal error.
func ErrorCode(err error) int {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return UnknownError
}
