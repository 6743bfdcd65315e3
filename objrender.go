package main

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"fdhook/jsonresult"
)

func NewObjRender(ctx *gin.Context, options ...Option) *ObjRender {
	or := &ObjRender{
		ErrorTemplate: "500",
		Status:        200,
		StatusError:   200,
		c:             ctx,
	}
	for _, option := range options {
		option(or)
	}
	return or
}
func OpLayout(layout string) Option {
	return func(f *ObjRender) {
		f.Layout = layout
	}
}
func OpTemplate(template string) Option {
	return func(f *ObjRender) {
		f.Template = template
	}
}
func OpStataUsError(status int) Option {
	return func(f *ObjRender) {
		f.StatusError = status
	}
}

type Option func(f *ObjRender)
type ObjRender struct {
	c             *gin.Context
	Layout        string
	ErrorTemplate string
	Template      string
	StatusError   int
	Status        int
}

func (f *ObjRender) HTML(fn func() (interface{}, error)) {
	if f.Template == "" {
		f.c.HTML(f.StatusError, f.ErrorTemplate, "no template given, use OpTemplate")
		return
	}
	if f.Layout != "" {
		f.Template = fmt.Sprintf("%s=>%s", f.Layout, f.Template)
	}
	if fn == nil {
		f.c.HTML(f.Status, f.Template, nil)
		return
	}
	r, err := fn()
	if err != nil {
		f.c.HTML(f.StatusError, f.ErrorTemplate, err)
		return
	}
	f.c.HTML(f.Status, f.Template, r)
}
func (f *ObjRender) JSON(fn func() (interface{}, error)) {
	if fn == nil {
		jsonresult.NewSimpleResult(nil).Render(f.c, f.Status)
		return
	}
	r, err := fn()
	if err != nil {
		jsonresult.NewSimpleError(err, nil).Render(f.c, f.StatusError)
		return
	}
	jsonresult.NewSimpleResult(r).Render(f.c, f.Status)
}
