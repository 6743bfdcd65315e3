package jsonresult

import (
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"fdhook/ghidra"
)

// Error codes carried in the envelope. Anything unclassified is CodeError.
const (
	CodeError          = -1
	CodeModuleNotFound = 2
	CodeUnsupported    = 3
)

type IApiError interface {
	Render(ctx *gin.Context, code int)
}
type SimpleError struct {
	Err  error       `json:"-"`
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data"`
}

func (l *SimpleError) Render(ctx *gin.Context, code int) {
	ctx.IndentedJSON(code, gin.H{
		"msg":  l.Msg,
		"code": l.Code,
		"data": l.Data,
	})
}

func ErrorCode(err error) int {
	var nf *ghidra.ModuleNotFoundError
	switch {
	case errors.As(err, &nf):
		return CodeModuleNotFound
	case errors.Is(err, ghidra.ErrUnsupportedArch):
		return CodeUnsupported
	}
	return CodeError
}

func NewSimpleError(err error, obj interface{}) IApiError {
	return &SimpleError{
		Err:  err,
		Code: ErrorCode(err),
		Msg:  err.Error(),
		Data: obj,
	}
}
