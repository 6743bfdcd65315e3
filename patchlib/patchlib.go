// Package patchlib loads the auxiliary patch module into the target at
// most once per session.
package patchlib

import (
	"context"
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"fdhook/agent"
	"fdhook/ghidra"
	"fdhook/inspect"
	"fdhook/profile"
)

type Engine interface {
	Modules(ctx context.Context) ([]ghidra.Module, error)
	LoadModule(ctx context.Context, path string) (*ghidra.Module, error)
	FindExport(ctx context.Context, module, name string) (uint64, error)
	Call(ctx context.Context, spec agent.CallSpec) (uint64, error)
	AppInfo(ctx context.Context) (*agent.AppInfo, error)
}

// Handle is a loaded patch module. Init is zero when the module does not
// export the init symbol.
type Handle struct {
	Module ghidra.Module
	Init   uint64
}

type Loader struct {
	Path       string
	Deps       []string
	InitSymbol string
	RunInit    bool
	Engine     Engine
	Log        log.Interface

	once   sync.Once
	handle *Handle
	err    error
}

func New(eng Engine, p *profile.Patch) *Loader {
	return &Loader{
		Path:       p.Path,
		Deps:       p.Deps,
		InitSymbol: p.Init,
		RunInit:    p.RunInit,
		Engine:     eng,
		Log:        log.Log,
	}
}

// Handle loads the module on first use. Later calls return the same handle
// or the same error.
func (l *Loader) Handle(ctx context.Context) (*Handle, error) {
	l.once.Do(func() {
		l.handle, l.err = l.load(ctx)
	})
	return l.handle, l.err
}

func (l *Loader) load(ctx context.Context) (*Handle, error) {
	mods, err := l.Engine.Modules(ctx)
	if err != nil {
		return nil, err
	}
	loaded := map[string]bool{}
	for _, m := range mods {
		loaded[m.Name] = true
	}
	for _, dep := range l.Deps {
		if !loaded[dep] {
			return nil, errors.Errorf("patch module %s: dependency %s is not loaded", l.Path, dep)
		}
	}

	m, err := l.Engine.LoadModule(ctx, l.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "load patch module %s", l.Path)
	}
	h := &Handle{Module: *m}
	if l.InitSymbol != "" {
		if p, err := l.Engine.FindExport(ctx, m.Path, l.InitSymbol); err == nil {
			h.Init = p
		} else {
			l.Log.WithField("symbol", l.InitSymbol).Warn("patch module has no init export")
		}
	}
	l.Log.WithFields(log.Fields{
		"path": m.Path,
		"base": fmt.Sprintf("0x%x", m.Base),
	}).Info("patch module loaded")
	return h, nil
}

// Init calls init(base of the first dependency, data dir) inside the target
// when RunInit is set. A fault is reported by the guard.
func (l *Loader) Init(ctx context.Context, guard *inspect.Guard) error {
	if !l.RunInit {
		l.Log.Debug("patch init disabled")
		return nil
	}
	h, err := l.Handle(ctx)
	if err != nil {
		return err
	}
	if h.Init == 0 {
		return errors.Errorf("patch module %s has no %s export", l.Path, l.InitSymbol)
	}
	if len(l.Deps) == 0 {
		return errors.New("patch init needs the host module as first dependency")
	}

	mods, err := l.Engine.Modules(ctx)
	if err != nil {
		return err
	}
	var host *ghidra.Module
	for i := range mods {
		if mods[i].Name == l.Deps[0] {
			host = &mods[i]
			break
		}
	}
	if host == nil {
		return &ghidra.ModuleNotFoundError{Name: l.Deps[0]}
	}
	app, err := l.Engine.AppInfo(ctx)
	if err != nil {
		return err
	}

	return guard.Run(ctx, func(ctx context.Context) error {
		ret, err := l.Engine.Call(ctx, agent.CallSpec{
			Address: h.Init,
			Ret:     "int",
			Args: []profile.CallArg{
				{Type: "pointer", Value: fmt.Sprintf("0x%x", host.Base)},
				{Type: "string", Value: app.DataDir},
			},
			Window: guard.Inspector.WindowSize(),
		})
		if err != nil {
			return err
		}
		l.Log.WithField("ret", int64(ret)).Info("patch init returned")
		return nil
	})
}
