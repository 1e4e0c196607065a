package api

import (
	"strings"

	"github.com/acp2/gateway/internal/common/errors"
	v1 "github.com/acp2/gateway/pkg/api/v1"
)

// CreateRunRequest is the body of POST /runs.
type CreateRunRequest struct {
	Agent     string     `json:"agent" binding:"required"`
	Input     v1.Message `json:"input" binding:"required"`
	Mode      v1.RunMode `json:"mode"`
	SessionID string     `json:"session_id"`
}

// Validate applies semantic checks beyond JSON shape and fills defaults.
// Shape violations are handled by binding and yield 400; violations here
// yield 422.
func (r *CreateRunRequest) Validate() *errors.AppError {
	if r.Mode == "" {
		r.Mode = v1.RunModeSync
	}
	if r.Mode != v1.RunModeSync && r.Mode != v1.RunModeStream {
		return errors.UnprocessableEntity("mode must be \"sync\" or \"stream\"")
	}

	for _, part := range r.Input.Content {
		if part.Type != "text" {
			return errors.UnprocessableEntity("only text content parts are supported")
		}
	}
	if strings.TrimSpace(r.Input.Text()) == "" {
		return errors.UnprocessableEntity("input content must not be empty")
	}
	return nil
}
