package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/caarlos0/ctrlc"
	"github.com/pkg/errors"

	"fdhook/agent"
	"fdhook/elfnote"
	"fdhook/ghidra"
	"fdhook/hooks"
	"fdhook/inspect"
	"fdhook/patchlib"
	"fdhook/profile"
)

var param_hook_name = FlagHook.String("name", "", "application name, identifier or process name")
var param_hook_pid = FlagHook.Uint("pid", 0, "process id")
var param_hook_devi = FlagHook.String("devi", "", "device: usb, local, host:port or id")
var param_hook_restart = FlagHook.Bool("restart", false, "kill and respawn the application")
var param_hook_profile = FlagHook.String("profile", "", "profile yaml, builtin libgame profile when empty")
var param_hook_soname = FlagHook.String("soname", "", "override the profile's target library")
var param_hook_groups = FlagHook.String("groups", "", "comma separated hook groups, all for every group, enabled groups when empty")
var param_hook_download = FlagHook.String("download", "./download", "directory for files sent by the agent")
var param_hook_nopatch = FlagHook.Bool("nopatch", false, "do not load the patch module")
var param_hook_runinit = FlagHook.Bool("runinit", false, "call the patch module's init")
var param_hook_jsbyte = FlagHook.String("jsbyte", "", "agent bytecode written by compile, embedded agent when empty")
var FlagHook = flag.NewFlagSet("hook", flag.ExitOnError)

func init() {
	FlagHook.Usage = func() {
		fmt.Fprintf(FlagHook.Output(), "============== hook the target library, usage: %s\n", "hook -name com.bq.game -groups bq-io,logging")
		FlagHook.PrintDefaults()
	}
}

func splitList(s string) []string {
	var out []string
	for _, it := range strings.Split(s, ",") {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

func FlagHookMain(args []string) error {
	FlagHook.Parse(args)
	if *param_hook_name == "" && *param_hook_pid == 0 {
		fmt.Println("need -name or -pid")
		FlagHook.Usage()
		return nil
	}
	if FlagHook.Parsed() {
		return NewHook().Run(HookParam{
			Target: TargetParam{
				Devi:    *param_hook_devi,
				Name:    *param_hook_name,
				Pid:     *param_hook_pid,
				ReStart: *param_hook_restart,
				JsByte:  *param_hook_jsbyte,
			},
			Profile:     *param_hook_profile,
			Soname:      *param_hook_soname,
			Groups:      splitList(*param_hook_groups),
			DownloadDir: *param_hook_download,
			NoPatch:     *param_hook_nopatch,
			RunInit:     *param_hook_runinit,
		})
	}
	return errors.New("hook: bad arguments")
}

type HookParam struct {
	Target      TargetParam
	Profile     string
	Soname      string
	Groups      []string
	DownloadDir string
	NoPatch     bool
	RunInit     bool
}

type Hook struct {
}

func (l *Hook) Run(param HookParam) error {
	prof, err := openProfile(param.Profile, param.Soname)
	if err != nil {
		return err
	}
	entries, err := prof.Entries(param.Groups...)
	if err != nil {
		return err
	}

	t, err := OpenTarget(param.Target)
	if err != nil {
		return err
	}
	defer t.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := hooks.NewDispatcher(nil)
	router := agent.NewRouter(nil, dispatcher)
	router.DownloadDir = param.DownloadDir
	router.OnError = func(string) { cancel() }
	if err := t.LoadAgent(router, cancel); err != nil {
		return err
	}
	// the dlopen watch must be in place before a spawned target runs
	loaded, err := t.Agent.Watch(ctx, prof.Soname, true)
	if err != nil {
		return err
	}
	t.Resume()

	err = ctrlc.Default.Run(ctx, func() error {
		if err := l.session(ctx, t.Agent, loaded, prof, entries, dispatcher, param); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})
	switch {
	case err == nil:
	case errors.As(err, &ctrlc.ErrorCtrlC{}):
		log.Warn("detaching session")
	case errors.Is(err, context.Canceled):
		log.Info("script destroyed")
	default:
		return err
	}
	return nil
}

// hookEngine is what a hook session needs from the agent.
type hookEngine interface {
	patchlib.Engine
	snapshotter
	Attach(ctx context.Context, p *hooks.Probe) error
	Release(ctx context.Context, name string) error
}

// session sets the library up while its loading thread is held: before
// phase calls, hooks, the patch module, then after phase calls.
func (l *Hook) session(ctx context.Context, eng hookEngine, loaded <-chan struct{}, prof *profile.Profile, entries []hooks.Entry, dispatcher *hooks.Dispatcher, param HookParam) error {
	select {
	case <-loaded:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() {
		if err := eng.Release(context.Background(), prof.Soname); err != nil {
			log.WithError(err).Error("release module")
		}
	}()

	tr, guard, err := newTranslator(ctx, eng, prof.Modules)
	if err != nil {
		return err
	}
	if m := tr.Resolver.FindModuleByName(prof.Soname); m != nil {
		checkModule(m, prof.Modules[prof.Soname])
	}

	if err := runStartup(ctx, eng, tr, guard, prof.Soname, prof.StartupCalls(profile.PhaseBefore)); err != nil {
		return err
	}

	probes, err := hooks.Resolve(ctx, eng, tr, prof.Soname, entries)
	if err != nil {
		return err
	}
	in := hooks.NewInstaller()
	in.Register = dispatcher.Register
	n, err := in.Install(ctx, eng, probes)
	if err != nil {
		return err
	}
	log.WithField("count", n).Info("hooks installed")

	if prof.Patch != nil && !param.NoPatch {
		loader := patchlib.New(eng, prof.Patch)
		loader.RunInit = loader.RunInit || param.RunInit
		if _, err := loader.Handle(ctx); err != nil {
			log.WithError(err).Error("patch module")
		} else {
			if err := refresh(ctx, eng, tr, guard); err != nil {
				return err
			}
			if err := loader.Init(ctx, guard); err != nil {
				log.WithError(err).Error("patch init")
			}
		}
	}

	return runStartup(ctx, eng, tr, guard, prof.Soname, prof.StartupCalls(profile.PhaseAfter))
}

// refresh takes a new module snapshot after the target's layout changed.
func refresh(ctx context.Context, eng snapshotter, tr *ghidra.Translator, guard *inspect.Guard) error {
	mm, err := eng.Snapshot(ctx)
	if err != nil {
		return err
	}
	tr.Resolver = mm
	guard.Inspector.Resolver = mm
	return nil
}

// checkModule compares a host side copy of the library with the profile.
// Only possible when the module path exists locally.
func checkModule(m *ghidra.Module, info ghidra.ModuleInfo) {
	n, err := elfnote.Read(m.Path)
	if err != nil {
		log.WithError(err).Debugf("no local copy of %s", m.Name)
		return
	}
	log.WithFields(log.Fields{
		"module":   m.Name,
		"build_id": n.BuildID,
		"ndk":      n.NDKVersion,
	}).Info("module notes")
	if info.BuildID != "" && n.BuildID != info.BuildID {
		log.WithFields(log.Fields{
			"module":   m.Name,
			"expected": info.BuildID,
			"actual":   n.BuildID,
		}).Warn("build id differs from profile, ghidra offsets may be wrong")
	}
}

func runStartup(ctx context.Context, a patchlib.Engine, tr *ghidra.Translator, guard *inspect.Guard, soname string, calls []profile.NativeCall) error {
	for _, c := range calls {
		module := c.Module
		if module == "" {
			module = soname
		}
		var (
			addr uint64
			err  error
		)
		switch {
		case c.Export != "":
			addr, err = a.FindExport(ctx, module, c.Export)
		case c.Ghidra != nil:
			addr, err = tr.ToRuntime(module, *c.Ghidra)
		}
		if err != nil {
			return errors.Wrapf(err, "startup call %s", c.Name)
		}
		c := c
		err = guard.Run(ctx, func(ctx context.Context) error {
			ret, err := a.Call(ctx, agent.CallSpec{
				Address: addr,
				Ret:     c.Ret,
				Args:    c.Args,
				Window:  guard.Inspector.WindowSize(),
			})
			if err != nil {
				return err
			}
			fields := log.Fields{"call": c.Name, "address": fmt.Sprintf("0x%x", addr)}
			if c.Ret != "" && c.Ret != "void" {
				fields["ret"] = int64(ret)
			}
			log.WithFields(fields).Info("startup call")
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func NewHook() *Hook {
	return &Hook{}
}
