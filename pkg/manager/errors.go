package manager

import "errors"

var (
	ErrNotLeader       = errors.New("not the raft leader")
	ErrNoAccount       = errors.New("request carries no authenticated account")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
)
