package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nwbconvert/kernel/pkg/kernerr"
)

// mapKernelError maps a kernel error envelope to an HTTP error response.
// The structured envelope keeps its error_code in the response body; the
// message is the sanitized text, never the stack trace.
func mapKernelError(err error) *echo.HTTPError {
	var envelope *kernerr.Envelope
	if !errors.As(err, &envelope) {
		slog.Error("unexpected non-envelope error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	body := map[string]any{
		"error_code": string(envelope.ErrorCode),
		"message":    envelope.Message,
		"component":  envelope.Component,
	}
	bodyJSON, jsonErr := json.Marshal(body)
	if jsonErr != nil {
		bodyJSON = []byte(envelope.Message)
	}

	switch envelope.ErrorCode {
	case kernerr.CodeSessionBusy:
		return echo.NewHTTPError(http.StatusConflict, string(bodyJSON))
	case kernerr.CodeValidationError, kernerr.CodePromptBindingError:
		return echo.NewHTTPError(http.StatusBadRequest, string(bodyJSON))
	case kernerr.CodeAgentNotRegistered, kernerr.CodeUnknownAction:
		return echo.NewHTTPError(http.StatusNotFound, string(bodyJSON))
	case kernerr.CodeLLMUnavailable:
		return echo.NewHTTPError(http.StatusBadGateway, string(bodyJSON))
	default:
		slog.Error("kernel error surfaced to client", "error_code", envelope.ErrorCode, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, string(bodyJSON))
	}
}
