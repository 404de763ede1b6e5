package service

import "errors"

var (
	// ErrModelNotEntitled means the user's plan has no token budget (or no
	// image slots) for the requested model.
	ErrModelNotEntitled = errors.New("plan does not include this model")
	// ErrQuotaExhausted means the user ran out of budget for the current
	// period. Retryable once the period rolls over.
	ErrQuotaExhausted = errors.New("quota exhausted for this period")
	// ErrAttachmentsNotAllowed means the user's plan does not permit file or
	// image inputs.
	ErrAttachmentsNotAllowed = errors.New("attachments require a paid plan")
	// ErrBadAttachment means an attachment failed validation.
	ErrBadAttachment = errors.New("bad attachment")
	// ErrInvalidImageModel means the requested image model is unknown.
	ErrInvalidImageModel = errors.New("invalid image model")
	// ErrUpstream wraps an inference-provider failure. Any reservation made
	// for the request has already been rolled back when this is returned.
	ErrUpstream = errors.New("inference provider failure")
)
