package redis

import "errors"

// ErrEmptyKey is returned when a key argument is blank.
var ErrEmptyKey = errors.New("redis: key is required")
