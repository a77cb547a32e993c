package processstate

import "errors"

var ErrInvalidPID = errors.New("invalid PID")
