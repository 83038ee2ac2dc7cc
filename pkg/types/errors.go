package types

import "errors"

var (
	ErrTaskNotFound         = errors.New("perpetual task not found")
	ErrInvalidSchedule      = errors.New("schedule interval and timeout must be positive")
	ErrInvalidClientContext = errors.New("client context must carry exactly one of params or bundle")
	ErrMalformedBundle      = errors.New("malformed execution bundle")
	ErrAssignmentInvariant  = errors.New("assigned worker must be set iff task is assigned")
)
