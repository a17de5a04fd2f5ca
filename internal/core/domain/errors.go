package domain

import apperrors "lanvoice/pkg/errors"

var (
	ErrTransport          = apperrors.NewAppError(apperrors.ErrCodeTransport, "signaling transport failure")
	ErrNotConnected       = apperrors.NewAppError(apperrors.ErrCodeNotConnected, "signaling channel not connected")
	ErrMalformedSignal    = apperrors.NewAppError(apperrors.ErrCodeMalformedSignal, "malformed signaling message")
	ErrNegotiationFailure = apperrors.NewAppError(apperrors.ErrCodeNegotiationFailure, "negotiation failed")
	ErrEngineFatal        = apperrors.NewAppError(apperrors.ErrCodeEngineFatal, "media engine failed to initialize")
	ErrInvalidPeerID      = apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "invalid peer id")
)
