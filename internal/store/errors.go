package store

import "errors"

var (
	ErrNoCheckpoint = errors.New("no sync checkpoint")
	ErrCorruptValue = errors.New("corrupt stored value")
)
