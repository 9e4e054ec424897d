// errors.go - Error payload normalization for channel replies
package api

import (
	"errors"

	"github.com/machine-bridge/backend/internal/models"
)

// errorPayload is the error shape sent to peers. Device errors keep their
// code and raw text; anything else becomes an internal error.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RawText string `json:"rawText,omitempty"`
}

func toErrorPayload(err error) map[string]any {
	var dev *models.DeviceError
	if errors.As(err, &dev) {
		return map[string]any{"err": errorPayload{Code: dev.Code, Message: dev.Message, RawText: dev.RawText}}
	}
	return map[string]any{"err": errorPayload{Code: "INTERNAL_ERROR", Message: err.Error()}}
}

// okPayload wraps a successful result for a channel reply.
func okPayload(data any) map[string]any {
	return map[string]any{"data": data}
}
