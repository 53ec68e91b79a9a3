package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notify-sync/internal/middleware"
)

// Response is the envelope every /api/v1 endpoint answers with.
type Response struct {
	Status    string      `json:"status"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

func NewErrorResponse(message string) *Response {
	return &Response{
		Status:  "error",
		Message: message,
	}
}

// Fail records err on the context for the logging middleware and writes
// it back with status.
func Fail(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	resp := NewErrorResponse(err.Error())
	resp.RequestID = c.GetString(middleware.ContextRequestID)
	c.JSON(status, resp)
}
