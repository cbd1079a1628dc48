package errors

import (
	"go.uber.org/zap"
)

// LogError logs an error with its context. Transport errors are logged at
// warn level since the relay always degrades past them.
func LogError(logger *zap.Logger, err error, requestID string) {
	var relayErr *RelayError
	if !As(err, &relayErr) {
		logger.Error("unexpected error",
			zap.Error(err),
			zap.String("request_id", requestID),
		)
		return
	}

	fields := []zap.Field{
		zap.String("error_type", string(relayErr.Type)),
		zap.String("message", relayErr.Message),
		zap.String("request_id", requestID),
	}
	if relayErr.err != nil {
		fields = append(fields, zap.NamedError("cause", relayErr.err))
	}
	if len(relayErr.Details) > 0 {
		fields = append(fields, zap.Any("details", relayErr.Details))
	}

	if relayErr.Type == TransportError {
		logger.Warn("request degraded", fields...)
		return
	}
	logger.Error("request error", fields...)
}
