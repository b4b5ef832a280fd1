// Copyright 2025 James Ross
package bus

import "errors"

// ErrEmptyKey is returned when Produce is called with an empty key;
// delivery correlation requires one (spec.md §4.5).
var ErrEmptyKey = errors.New("bus: produce key must not be empty")

// ErrDuplicateKey is returned when a key already has an in-flight
// produce call pending resolution. Callers must serialize by key.
var ErrDuplicateKey = errors.New("bus: duplicate in-flight key")

// ErrShutdown is returned when Produce is called after Shutdown has
// begun.
var ErrShutdown = errors.New("bus: producer is shutting down")
