package main

import (
	"context"
	"net"
	"os"
	"strings"

	frida_go "github.com/a97077088/frida-go"
	"github.com/apex/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"fdhook/agent"
	"fdhook/ghidra"
	"fdhook/inspect"
	"fdhook/profile"
)

func ParseDevice(mgr *frida_go.DeviceManager, s string) (*frida_go.Device, error) {
	s = strings.ToLower(s)
	if s == "" || s == "usb" || s == "u" {
		return mgr.GetDeviceByType(frida_go.DeviceType_USB, 1000)
	}
	if s == "local" || s == "localhost" || s == "local system" || s == "local socket" {
		return mgr.GetDeviceByType(frida_go.DeviceType_LOCAL, 1000)
	}
	var d *frida_go.Device
	_, _, err := net.SplitHostPort(s)
	if err == nil {
		d, err = mgr.AddRemoteDevice(s, frida_go.RemoteDeviceOptions{})
		if err != nil {
			return nil, err
		}
	} else {
		d, err = mgr.FindDeviceById(s, 1000)
		if err != nil {
			return nil, err
		}
	}

	_, err = d.EnumerateProcesses(frida_go.ProcessQueryOptions{})
	if err != nil {
		return nil, err
	}
	return d, err
}

// GetName finds an application by display name or identifier. pid is zero
// when the application is not running.
func GetName(d *frida_go.Device, name string) (*frida_go.ApplicationDetails, uint, error) {
	apps, err := d.EnumerateApplications(frida_go.ApplicationQueryOptions{})
	if err != nil {
		return nil, 0, err
	}
	for _, app := range apps {
		if app.Name() == name || app.Identifier() == name {
			return app, uint(app.Pid()), nil
		}
	}
	p, err := d.GetProcessByName(name, frida_go.ProcessMatchOptions{})
	if err != nil {
		return nil, 0, errors.Errorf("no application or process named %s", name)
	}
	return nil, p.Pid(), nil
}

func logSystem(d *frida_go.Device) error {
	sysparam, err := d.QuerySystemParameters()
	if err != nil {
		return err
	}
	jssys := jsoniter.Wrap(sysparam)
	jsos := jssys.Get("os")
	log.WithFields(log.Fields{
		"platform": jssys.Get("platform").ToString(),
		"arch":     jssys.Get("arch").ToString(),
		"os":       jsos.Get(1).Get("id").ToString() + " " + jsos.Get(0).Get("version").ToString(),
		"device":   jssys.Get("name").ToString(),
		"access":   jssys.Get("access").ToString(),
	}).Info("device")
	return nil
}

type TargetParam struct {
	Devi    string
	Name    string
	Pid     uint
	ReStart bool
	// JsByte is an agent compiled by the compile command, the embedded
	// source is used when empty.
	JsByte string
}

// Target is an attached process with the agent loaded.
type Target struct {
	param   TargetParam
	mgr     *frida_go.DeviceManager
	Device  *frida_go.Device
	Pid     uint
	Session *frida_go.Session
	Script  *frida_go.Script
	Agent   *agent.Agent
	spawned bool
}

func OpenTarget(param TargetParam) (*Target, error) {
	if param.Name == "" && param.Pid == 0 {
		return nil, errors.New("need -name or -pid")
	}
	t := &Target{param: param, mgr: frida_go.DeviceManager_Create()}
	d, err := ParseDevice(t.mgr, param.Devi)
	if err != nil {
		t.mgr.Close()
		return nil, err
	}
	t.Device = d
	if err := logSystem(d); err != nil {
		t.mgr.Close()
		return nil, err
	}

	pid := param.Pid
	if pid == 0 {
		app, apid, err := GetName(d, param.Name)
		if err != nil {
			t.mgr.Close()
			return nil, err
		}
		pid = apid
		if app != nil {
			if param.ReStart && pid != 0 {
				d.Kill(pid)
				pid = 0
			}
			if pid == 0 {
				pid, err = d.Spawn(app.Identifier(), frida_go.SpawnOptions{})
				if err != nil {
					t.mgr.Close()
					return nil, errors.Wrapf(err, "spawn %s", app.Identifier())
				}
				t.spawned = true
				log.WithFields(log.Fields{"app": app.Identifier(), "pid": pid}).Info("spawned")
			}
		}
	}
	t.Pid = pid

	t.Session, err = d.Attach(pid, frida_go.SessionOptions{})
	if err != nil {
		t.mgr.Close()
		return nil, errors.Wrapf(err, "attach %d", pid)
	}
	log.WithField("pid", pid).Info("attached")
	return t, nil
}

// LoadAgent creates and loads the embedded agent script. Messages go to
// router, or to frida's default handler when router is nil.
func (t *Target) LoadAgent(router *agent.Router, onDestroyed func()) error {
	var (
		sc  *frida_go.Script
		err error
	)
	if t.param.JsByte != "" {
		fd, rerr := os.ReadFile(t.param.JsByte)
		if rerr != nil {
			return rerr
		}
		sc, err = t.Session.CreateScriptFormBytes(fd, frida_go.ScriptOptions{})
	} else {
		sc, err = t.Session.CreateScript(agent.Source, frida_go.ScriptOptions{})
	}
	if err != nil {
		return errors.Wrap(err, "create agent script")
	}
	t.Agent = agent.New(sc)
	if router != nil {
		router.Agent = t.Agent
		sc.OnMessage(router.Handle)
	} else {
		sc.OnMessage(sc.DefaultOnMessage)
	}
	if onDestroyed != nil {
		sc.OnDestroyed(onDestroyed)
	}
	if err := sc.Load(); err != nil {
		return errors.Wrap(err, "load agent script")
	}
	t.Script = sc
	return nil
}

// Resume lets a spawned process run.
func (t *Target) Resume() {
	if t.spawned {
		t.Device.Resume(t.Pid)
		t.spawned = false
		log.WithField("pid", t.Pid).Info("resumed")
	}
}

func (t *Target) Close() {
	if t.Script != nil {
		t.Script.UnLoad()
	}
	if t.Session != nil {
		t.Session.Detach()
	}
	t.mgr.Close()
}

// snapshotter is the part of the agent a translator is built from.
type snapshotter interface {
	Info(ctx context.Context) (*agent.ProcessInfo, error)
	Snapshot(ctx context.Context) (*ghidra.ModuleMap, error)
}

// newTranslator snapshots the target's modules and builds a translator and
// guard over them.
func newTranslator(ctx context.Context, eng snapshotter, infos ghidra.ModuleInfos) (*ghidra.Translator, *inspect.Guard, error) {
	info, err := eng.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	if _, err := ghidra.DefaultBase(info.Arch); err != nil {
		return nil, nil, err
	}
	mm, err := eng.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	tr := ghidra.NewTranslator(info.Arch, infos, mm)
	return tr, inspect.NewGuard(inspect.NewInspector(tr, info.PointerSize)), nil
}

func openProfile(path, soname string) (*profile.Profile, error) {
	p, err := profile.Open(path)
	if err != nil {
		return nil, err
	}
	if soname != "" {
		p.Soname = soname
	}
	return p, nil
}
