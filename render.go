package main

import (
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ginrender "github.com/gin-gonic/gin/render"
	"github.com/unrolled/render"
)

// Render bridges unrolled/render templates into gin's HTMLRender.
type Render struct {
	ginfuncmap template.FuncMap
	ops        *render.Options
	rd         *render.Render
}

func InstallHtmlRender(g *gin.Engine, options render.Options) {
	options.Funcs = []template.FuncMap{g.FuncMap}
	options.IsDevelopment = gin.Mode() == gin.DebugMode
	options.RequirePartials = true
	if options.HTMLContentType == "" {
		options.HTMLContentType = render.ContentHTML
	}
	if options.Charset == "" {
		options.Charset = "UTF-8"
	}
	g.HTMLRender = &Render{
		ginfuncmap: g.FuncMap,
		ops:        &options,
		rd:         render.New(options),
	}
}

// Instance resolves "layout=>name" into a template with its layouts.
func (p *Render) Instance(name string, data interface{}) ginrender.Render {
	htmlops := make([]render.HTMLOptions, 0)
	sp := strings.Split(name, "=>")
	if len(sp) > 1 {
		l := len(sp) - 1
		for i := 0; i < l; i++ {
			htmlops = append(htmlops, render.HTMLOptions{
				Layout: sp[i],
				Funcs:  p.ginfuncmap,
			})
		}
		name = sp[l]
	}
	return &RenderHTML{
		HtmlOptions: htmlops,
		RenderFn:    p.rd.HTML,
		ops:         p.ops,
		Name:        name,
		Data:        data,
	}
}

type RenderHTML struct {
	ops         *render.Options
	RenderFn    func(w io.Writer, status int, name string, binding interface{}, htmlOpt ...render.HTMLOptions) error
	Status      int
	Name        string
	Data        interface{}
	HtmlOptions []render.HTMLOptions
}

func (p *RenderHTML) Render(w http.ResponseWriter) error {
	return p.RenderFn(w, p.Status, p.Name, p.Data, p.HtmlOptions...)
}

func (p *RenderHTML) WriteContentType(w http.ResponseWriter) {
	header := w.Header()
	if val := header["Content-Type"]; len(val) == 0 {
		header["Content-Type"] = []string{fmt.Sprintf("%s; charset=%s", p.ops.HTMLContentType, p.ops.Charset)}
	}
}
