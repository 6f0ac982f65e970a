// ABOUTME: Sentinel errors for session lifecycle and routing operations
// ABOUTME: The HTTP layer maps these to status codes with errors.Is

package session

import "errors"

// ErrValidation indicates a missing or malformed input field.
var ErrValidation = errors.New("validation failed")

// ErrClientNotFound indicates no live session matches the request.
var ErrClientNotFound = errors.New("client not found")

// ErrDuplicateClient indicates a non-destroyed session already exists for
// a client identifier.
var ErrDuplicateClient = errors.New("client already registered")

// ErrDeliveryFailed indicates the engine rejected an outbound message.
var ErrDeliveryFailed = errors.New("message delivery failed")

// ErrCoordinatorClosed is returned by operations submitted after Close.
var ErrCoordinatorClosed = errors.New("coordinator closed")
