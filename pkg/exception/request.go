package exception

import "github.com/yanun0323/errors"

var (
	ErrRequestInvalid   = errors.New("request: invalid")
	ErrRequestTimeout   = errors.New("request: no completion before deadline")
	ErrRequestNotQueued = errors.New("request: not queued")
)
