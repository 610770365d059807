package errors

import sterrors "errors"

// Configuration errors. They are returned synchronously while a client is being
// built and are not recoverable without changing the configuration.
var (
	ErrConfigRequired          = sterrors.New("smockron: config is required")
	ErrLoggerRequired          = sterrors.New("smockron: logger is required")
	ErrDomainRequired          = sterrors.New("smockron: domain is required")
	ErrInvalidConnectionString = sterrors.New("smockron: invalid connection string")
	ErrUnknownCodec            = sterrors.New("smockron: unknown frame codec")
	ErrUnknownTransport        = sterrors.New("smockron: unknown transport scheme")
)

// Lifecycle errors.
var (
	ErrAlreadyConnected = sterrors.New("smockron: client already connected")
	ErrClientClosed     = sterrors.New("smockron: client is closed")
)

// Decode errors. A control message failing with one of these is dropped.
var (
	ErrTooFewFrames = sterrors.New("smockron: too few frames in control message")
	ErrFrameNotText = sterrors.New("smockron: frame is not valid text")
)

// Wiring errors.
var (
	ErrSenderRequired     = sterrors.New("smockron: accounting sender is required")
	ErrIdentifierRequired = sterrors.New("smockron: identifier callback is required")
)
