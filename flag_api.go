package main

import (
	"bytes"
	"context"
	"embed"
	"flag"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/unrolled/render"

	"fdhook/agent"
	"fdhook/ghidra"
	"fdhook/hooks"
	"fdhook/inspect"
	"fdhook/jsonresult"
	"fdhook/profile"
)

//go:embed templates
var templates embed.FS

var param_api_name = FlagApi.String("name", "", "application name, identifier or process name")
var param_api_pid = FlagApi.Uint("pid", 0, "process id")
var param_api_devi = FlagApi.String("devi", "", "device: usb, local, host:port or id")
var param_api_address = FlagApi.String("address", ":8080", "listen address")
var param_api_path = FlagApi.String("path", "/rpc", "path of the raw rpc endpoint")
var param_api_profile = FlagApi.String("profile", "", "profile yaml, builtin libgame profile when empty")
var param_api_soname = FlagApi.String("soname", "", "override the profile's target library")
var param_api_download = FlagApi.String("download", "./download", "directory for /download")
var FlagApi = flag.NewFlagSet("api", flag.ExitOnError)

func init() {
	FlagApi.Usage = func() {
		fmt.Fprintf(FlagApi.Output(), "============== http api, usage: %s\n", "api -name com.bq.game -address :8080")
		FlagApi.PrintDefaults()
	}
}

func FlagApiMain(args []string) error {
	FlagApi.Parse(args)
	if *param_api_name == "" && *param_api_pid == 0 {
		fmt.Println("need -name or -pid")
		FlagApi.Usage()
		return nil
	}
	if FlagApi.Parsed() {
		return NewApi().Run(ApiParam{
			Target:      TargetParam{Devi: *param_api_devi, Name: *param_api_name, Pid: *param_api_pid},
			Address:     *param_api_address,
			Path:        *param_api_path,
			Profile:     *param_api_profile,
			Soname:      *param_api_soname,
			DownloadDir: *param_api_download,
		})
	}
	return errors.New("api: bad arguments")
}

type ApiParam struct {
	Target      TargetParam
	Address     string
	Path        string
	Profile     string
	Soname      string
	DownloadDir string
}

// Api serves translation, guarded calls and module listings of one target.
type Api struct {
	rpc     agent.RPC
	agent   *agent.Agent
	profile *profile.Profile
}

func (l *Api) Run(param ApiParam) error {
	prof, err := openProfile(param.Profile, param.Soname)
	if err != nil {
		return err
	}
	t, err := OpenTarget(param.Target)
	if err != nil {
		return err
	}
	defer t.Close()
	router := agent.NewRouter(nil, nil)
	router.DownloadDir = param.DownloadDir
	if err := t.LoadAgent(router, nil); err != nil {
		return err
	}
	t.Resume()

	l.rpc = t.Script
	l.agent = t.Agent
	l.profile = prof

	g := gin.Default()
	l.Install(g, param.Path)
	return g.Run(param.Address)
}

// Install registers the routes on g. rawPath serves raw agent rpc calls.
func (l *Api) Install(g *gin.Engine, rawPath string) {
	InstallHtmlRender(g, render.Options{
		Directory:  "templates",
		FileSystem: &render.EmbedFileSystem{FS: templates},
		Extensions: []string{".tmpl"},
	})
	g.POST(rawPath, l.raw)
	g.POST("/translate", l.translate)
	g.POST("/runtime", l.runtime)
	g.POST("/call", l.call)
	g.GET("/modules", l.modules)
	g.GET("/memory", l.memory)
	g.POST("/download", l.download)
	g.GET("/probes", l.probes)
}

func parseAddress(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad address %q", s)
	}
	return v, nil
}

func requestContext(c *gin.Context, timeout string) (context.Context, context.CancelFunc, error) {
	d := time.Second * 30
	if timeout != "" {
		var err error
		d, err = time.ParseDuration(timeout)
		if err != nil {
			return nil, nil, err
		}
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), d)
	return ctx, cancel, nil
}

// session builds a translator and guard over a fresh module snapshot.
func (l *Api) session(ctx context.Context) (*ghidra.Translator, *inspect.Guard, error) {
	return newTranslator(ctx, l.agent, l.profile.Modules)
}

func (l *Api) raw(c *gin.Context) {
	NewObjRender(c).JSON(func() (interface{}, error) {
		req := struct {
			Timeout string        `json:"timeout"`
			Func    string        `json:"func"`
			Args    []interface{} `json:"args"`
		}{}
		if err := c.BindJSON(&req); err != nil {
			return nil, err
		}
		ctx, cancel, err := requestContext(c, req.Timeout)
		if err != nil {
			return nil, err
		}
		defer cancel()
		jsr, err := l.rpc.RpcCall(ctx, req.Func, req.Args...)
		if err != nil {
			return nil, err
		}
		return jsr.GetInterface(), nil
	})
}

func (l *Api) translate(c *gin.Context) {
	NewObjRender(c).JSON(func() (interface{}, error) {
		req := struct {
			Address string `json:"address"`
			Module  string `json:"module"`
		}{}
		if err := c.BindJSON(&req); err != nil {
			return nil, err
		}
		p, err := parseAddress(req.Address)
		if err != nil {
			return nil, err
		}
		tr, guard, err := l.session(c.Request.Context())
		if err != nil {
			return nil, err
		}
		off, err := tr.ToGhidra(p, req.Module)
		if err != nil {
			return nil, err
		}
		return gin.H{
			"address":  fmt.Sprintf("0x%x", p),
			"ghidra":   fmt.Sprintf("0x%x", off),
			"describe": guard.Inspector.DescribePointer(p),
		}, nil
	})
}

func (l *Api) runtime(c *gin.Context) {
	NewObjRender(c).JSON(func() (interface{}, error) {
		req := struct {
			Module string `json:"module"`
			Offset string `json:"offset"`
			Symbol string `json:"symbol"`
		}{}
		if err := c.BindJSON(&req); err != nil {
			return nil, err
		}
		if req.Module == "" {
			req.Module = l.profile.Soname
		}
		tr, _, err := l.session(c.Request.Context())
		if err != nil {
			return nil, err
		}
		var p uint64
		if req.Symbol != "" {
			p, err = tr.Symbol(req.Module, req.Symbol)
		} else {
			var off uint64
			if off, err = parseAddress(req.Offset); err == nil {
				p, err = tr.ToRuntime(req.Module, off)
			}
		}
		if err != nil {
			return nil, err
		}
		return gin.H{"address": fmt.Sprintf("0x%x", p)}, nil
	})
}

func (l *Api) call(c *gin.Context) {
	NewObjRender(c).JSON(func() (interface{}, error) {
		req := struct {
			Address string            `json:"address"`
			Module  string            `json:"module"`
			Export  string            `json:"export"`
			Ghidra  string            `json:"ghidra"`
			Ret     string            `json:"ret"`
			Args    []profile.CallArg `json:"args"`
			Timeout string            `json:"timeout"`
		}{}
		if err := c.BindJSON(&req); err != nil {
			return nil, err
		}
		ctx, cancel, err := requestContext(c, req.Timeout)
		if err != nil {
			return nil, err
		}
		defer cancel()
		if req.Module == "" {
			req.Module = l.profile.Soname
		}
		tr, guard, err := l.session(ctx)
		if err != nil {
			return nil, err
		}

		var addr uint64
		switch {
		case req.Address != "":
			addr, err = parseAddress(req.Address)
		case req.Export != "":
			addr, err = l.agent.FindExport(ctx, req.Module, req.Export)
		case req.Ghidra != "":
			var off uint64
			if off, err = parseAddress(req.Ghidra); err == nil {
				addr, err = tr.ToRuntime(req.Module, off)
			}
		default:
			err = errors.New("need address, export or ghidra")
		}
		if err != nil {
			return nil, err
		}

		var (
			report bytes.Buffer
			fault  *inspect.NativeException
			ret    uint64
		)
		guard.Out = &report
		guard.OnFault = func(e *inspect.NativeException) { fault = e }
		err = guard.Run(ctx, func(ctx context.Context) error {
			var err error
			ret, err = l.agent.Call(ctx, agent.CallSpec{
				Address: addr,
				Ret:     req.Ret,
				Args:    req.Args,
				Window:  guard.Inspector.WindowSize(),
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		if fault != nil {
			return gin.H{"fault": fault.Error(), "report": report.String()}, nil
		}
		return gin.H{"ret": int64(ret), "hex": fmt.Sprintf("0x%x", ret)}, nil
	})
}

func (l *Api) modules(c *gin.Context) {
	NewObjRender(c).JSON(func() (interface{}, error) {
		mods, err := l.agent.Modules(c.Request.Context())
		if err != nil {
			return nil, err
		}
		sli, _ := jsonresult.ToSimpleSlice(mods)
		return sli, nil
	})
}

func (l *Api) memory(c *gin.Context) {
	NewObjRender(c).JSON(func() (interface{}, error) {
		p, err := parseAddress(c.Query("address"))
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(c.DefaultQuery("len", "256"))
		if err != nil {
			return nil, err
		}
		b, err := l.agent.ReadMemory(c.Request.Context(), p, n)
		if err != nil {
			return nil, err
		}
		return gin.H{"address": fmt.Sprintf("0x%x", p), "data": fmt.Sprintf("%x", b)}, nil
	})
}

func (l *Api) download(c *gin.Context) {
	NewObjRender(c).JSON(func() (interface{}, error) {
		req := struct {
			Address string `json:"address"`
			Len     int    `json:"len"`
			Path    string `json:"path"`
			Append  bool   `json:"append"`
		}{}
		if err := c.BindJSON(&req); err != nil {
			return nil, err
		}
		p, err := parseAddress(req.Address)
		if err != nil {
			return nil, err
		}
		n, err := l.agent.Download(c.Request.Context(), p, req.Len, req.Path, req.Append)
		if err != nil {
			return nil, err
		}
		return gin.H{"path": req.Path, "written": n}, nil
	})
}

type probeRow struct {
	ID      int
	Name    string
	Address string
	Ghidra  string
	NArgs   int
}

func (l *Api) probes(c *gin.Context) {
	NewObjRender(c, OpLayout("layout"), OpTemplate("probes"), OpStataUsError(http.StatusInternalServerError)).HTML(func() (interface{}, error) {
		ctx := c.Request.Context()
		entries, err := l.profile.Entries(splitList(c.Query("groups"))...)
		if err != nil {
			return nil, err
		}
		tr, _, err := l.session(ctx)
		if err != nil {
			return nil, err
		}
		probes, err := hooks.Resolve(ctx, l.agent, tr, l.profile.Soname, entries)
		if err != nil {
			return nil, err
		}
		rows := make([]probeRow, 0, len(probes))
		for i, p := range probes {
			row := probeRow{ID: i + 1, Name: p.Name, Address: fmt.Sprintf("0x%x", p.Address), NArgs: p.NArgs()}
			if g, err := tr.ToGhidra(p.Address, p.Module); err == nil {
				row.Ghidra = fmt.Sprintf("0x%x", g)
			}
			rows = append(rows, row)
		}
		return gin.H{"Soname": l.profile.Soname, "Groups": l.profile.GroupNames(), "Probes": rows}, nil
	})
}

func NewApi() *Api {
	return &Api{}
}
