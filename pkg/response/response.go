package response

import (
	"net/http"

	"campuspay/internal/ledgererr"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

const (
	CodeBalanceNotEnough       = 1003
	CodeAccountInactive        = 1005
	CodeLockTimeout            = 1006 // 可退避重试
	CodeConcurrentModification = 1007 // 可退避重试
	CodeSagaFailed             = 1008 // 需要人工介入
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

// FromError 按错误类别返回业务码，内部错误不向调用方暴露细节
func FromError(c *gin.Context, err error) {
	FromErrorWithData(c, err, nil)
}

// FromErrorWithData 同 FromError，额外带上定位问题需要的数据（如编排ID）
func FromErrorWithData(c *gin.Context, err error, data interface{}) {
	code, message := codeOf(err)
	if code == CodeServerError {
		zap.L().Error("请求处理失败",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func codeOf(err error) (int, string) {
	switch ledgererr.KindOf(err) {
	case ledgererr.KindValidation:
		return CodeParamError, err.Error()
	case ledgererr.KindNotFound:
		return CodeNotFound, err.Error()
	case ledgererr.KindInsufficientBalance:
		return CodeBalanceNotEnough, err.Error()
	case ledgererr.KindAccountInactive:
		return CodeAccountInactive, err.Error()
	case ledgererr.KindLockTimeout:
		return CodeLockTimeout, err.Error()
	case ledgererr.KindConcurrentModification:
		return CodeConcurrentModification, err.Error()
	case ledgererr.KindSagaFailed:
		return CodeSagaFailed, err.Error()
	default:
		return CodeServerError, "服务器内部错误"
	}
}
