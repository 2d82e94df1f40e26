package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/nandezu/entitlements/pkg/binder"
	"github.com/nandezu/entitlements/pkg/logger"
	"github.com/nandezu/entitlements/pkg/requestid"
)

// ErrorMapper translates domain errors into HTTP errors. It returns false for
// errors it does not know.
type ErrorMapper func(err error) (HTTPError, bool)

// NewJSONErrorHandler renders errors as JSON envelopes. Client errors are
// logged at warn level, everything else at error level.
func NewJSONErrorHandler(log *slog.Logger, mappers ...ErrorMapper) ErrorHandler {
	if log == nil {
		log = slog.Default()
	}

	return func(ctx Context, err error) {
		r := ctx.Request()
		status, detail := classify(err, mappers)
		detail.RequestID = requestid.FromContext(r.Context())

		level := slog.LevelError
		if status < http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		log.LogAttrs(r.Context(), level, "request failed",
			logger.Error(err),
			slog.Int("status", status),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			logger.Component("http"),
		)

		if renderErr := JSONError(status, detail).Render(ctx.ResponseWriter(), r); renderErr != nil {
			log.ErrorContext(r.Context(), "failed to render error", logger.Error(renderErr))
		}
	}
}

func classify(err error, mappers []ErrorMapper) (int, *ErrorDetail) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details := make(map[string][]string, len(verrs))
		for _, fe := range verrs {
			details[fe.Field()] = append(details[fe.Field()], fe.Tag())
		}
		return http.StatusUnprocessableEntity, &ErrorDetail{
			Code:    "validation_error",
			Message: "request validation failed",
			Details: details,
		}
	}

	switch {
	case errors.Is(err, binder.ErrUnsupportedMediaType):
		return ErrUnsupportedMedia.Code, &ErrorDetail{Code: ErrUnsupportedMedia.Key, Message: err.Error()}
	case errors.Is(err, binder.ErrInvalidJSON), errors.Is(err, binder.ErrBodyTooLarge):
		return ErrBadRequest.Code, &ErrorDetail{Code: ErrBadRequest.Key, Message: err.Error()}
	}

	for _, m := range mappers {
		if httpErr, ok := m(err); ok {
			return httpErr.Code, &ErrorDetail{Code: httpErr.Key, Message: httpErr.Error()}
		}
	}

	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code, &ErrorDetail{Code: httpErr.Key, Message: httpErr.Error()}
	}

	return ErrInternal.Code, &ErrorDetail{Code: ErrInternal.Key, Message: http.StatusText(ErrInternal.Code)}
}
