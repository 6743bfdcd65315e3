package jsonresult

import (
	"reflect"

	"github.com/gin-gonic/gin"
)

type IApiResult interface {
	Render(ctx *gin.Context, code int)
}

type SimpleSlice struct {
	Count int         `json:"count"`
	Data  interface{} `json:"data"`
}
type SimpleObject struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data"`
}

func (l *SimpleObject) Render(ctx *gin.Context, code int) {
	switch sli := l.Data.(type) {
	case *SimpleSlice:
		ctx.IndentedJSON(code, gin.H{
			"msg":   l.Msg,
			"code":  l.Code,
			"count": sli.Count,
			"data":  sli.Data,
		})
	case SimpleSlice:
		ctx.IndentedJSON(code, gin.H{
			"msg":   l.Msg,
			"code":  l.Code,
			"count": sli.Count,
			"data":  sli.Data,
		})
	default:
		ctx.IndentedJSON(code, l)
	}
}
func NewSimpleResult(obj interface{}) IApiResult {
	return &SimpleObject{
		Code: 0,
		Msg:  "ok",
		Data: obj,
	}
}

// ToSimpleSlice wraps a slice, or a pointer to one, with its length.
func ToSimpleSlice(obj interface{}) (*SimpleSlice, bool) {
	switch v := obj.(type) {
	case *SimpleSlice:
		return v, true
	case SimpleSlice:
		return &SimpleSlice{Count: v.Count, Data: v.Data}, true
	}
	rv := reflect.ValueOf(obj)
	if rv.Kind() == reflect.Ptr && rv.Elem().Kind() == reflect.Slice {
		return &SimpleSlice{Count: rv.Elem().Len(), Data: rv.Elem().Interface()}, true
	}
	if rv.Kind() == reflect.Slice {
		return &SimpleSlice{Count: rv.Len(), Data: obj}, true
	}
	return nil, false
}
