package http

import (
	"errors"
	"net/http"

	"collaborative-canvas/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HandleServiceError 将 Service 层的业务错误映射为 HTTP 状态码
func HandleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrRoomNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidRoomID),
		errors.Is(err, service.ErrInvalidCanvas),
		errors.Is(err, service.ErrInvalidAction):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotInRoom):
		writeError(c, http.StatusForbidden, err.Error())
	default:
		logrus.WithError(err).Error("Unhandled internal server error")
		writeError(c, http.StatusInternalServerError, "An unexpected error occurred")
	}
}

// ErrorBody 是所有错误响应的 JSON 结构
type ErrorBody struct {
	Error string `json:"error"`
}

func writeError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, ErrorBody{Error: message})
}
