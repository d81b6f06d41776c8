package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Response 统一响应
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// success 成功响应
func success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: 0, Message: "success", Data: data})
}

// fail 错误响应
func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, Response{Code: -1, Message: msg})
}

// badRequest 400
func badRequest(c *gin.Context, msg string) {
	fail(c, http.StatusBadRequest, msg)
}

// notFound 404
func notFound(c *gin.Context, msg string) {
	fail(c, http.StatusNotFound, msg)
}

// errorResponse 500
func errorResponse(c *gin.Context, err error) {
	fail(c, http.StatusInternalServerError, err.Error())
}

// getPagination 获取 limit/offset 参数
func getPagination(c *gin.Context, defaultLimit int) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	return
}
