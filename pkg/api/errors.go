package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/langhook/langhook/pkg/llm"
	"github.com/langhook/langhook/pkg/store"
	"github.com/langhook/langhook/pkg/subject"
)

// ValidationError marks request payload problems so they map to 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// errorBody is the uniform error response shape.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// writeError maps internal errors to HTTP responses. Unrecognized errors
// become a 500 with the detail kept out of the response body.
func (s *Server) writeError(c *gin.Context, err error) {
	var validation *ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid-request", Detail: validation.Message})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody{Error: "not-found"})
	case errors.Is(err, subject.ErrBadPattern), errors.Is(err, llm.ErrUnknownSchema):
		c.JSON(http.StatusBadRequest, errorBody{
			Error:  "subscription-pattern-unknown-schema",
			Detail: err.Error(),
		})
	case errors.Is(err, llm.ErrBudgetExhausted), errors.Is(err, llm.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: "llm-unavailable", Detail: err.Error()})
	default:
		s.logger.Error("Request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, errorBody{Error: "internal-error"})
	}
}
