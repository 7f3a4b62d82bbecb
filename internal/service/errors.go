package service

import "errors"

var (
	// ErrInvalidRoomID is returned when a room identifier is missing or not a
	// positive integer. Rejected before any network call.
	ErrInvalidRoomID = errors.New("invalid room id")

	// ErrNotConnected is returned by Publish while the realtime connection is
	// not established. Outbound payloads are never queued across disconnects.
	ErrNotConnected = errors.New("realtime connection not established")

	// ErrRetriesExhausted is the terminal failure after the reconnection
	// attempt ceiling is reached.
	ErrRetriesExhausted = errors.New("reconnection attempts exhausted")

	// ErrSessionClosed is returned by operations on a torn-down room session.
	ErrSessionClosed = errors.New("room session closed")

	// ErrEmptyMessage is returned when an outbound message has no content
	// after trimming and sanitization.
	ErrEmptyMessage = errors.New("message content empty")
)
