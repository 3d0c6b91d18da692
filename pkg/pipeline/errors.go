package pipeline

import "errors"

var (
	// ErrObjectNotFound is returned by object stores when a key does not exist
	ErrObjectNotFound = errors.New("object not found")

	// ErrRecordNotFound is returned by record stores when a listing record does not exist
	ErrRecordNotFound = errors.New("listing record not found")

	// ErrInvalidRecordID is returned when a record id cannot be derived from an object key
	ErrInvalidRecordID = errors.New("invalid record id")
)
