// Package agent drives the script injected into the target. The script only
// reads memory, intercepts and calls; everything else happens on this side.
package agent

import (
	"context"
	_ "embed"
	"encoding/hex"
	"strconv"
	"sync"

	"github.com/apex/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"fdhook/ghidra"
	"fdhook/hooks"
	"fdhook/inspect"
	"fdhook/profile"
)

//go:embed agent.js
var Source string

// RPC is the exported function table of a loaded script.
type RPC interface {
	RpcCall(ctx context.Context, fn string, args ...interface{}) (jsoniter.Any, error)
}

type ProcessInfo struct {
	Arch        ghidra.Arch `json:"arch"`
	PointerSize int         `json:"pointerSize"`
	Pid         int         `json:"pid"`
	Platform    string      `json:"platform"`
}

// AppInfo is the application context of an Android target.
type AppInfo struct {
	ApplicationName     string `json:"applicationName"`
	PackageCodePath     string `json:"packageCodePath"`
	PackageResourcePath string `json:"packageResourcePath"`
	CacheDir            string `json:"cacheDir"`
	CodeCacheDir        string `json:"codeCacheDir"`
	DataDir             string `json:"dataDir"`
	ExternalCacheDir    string `json:"externalCacheDir"`
	ExternalFilesDir    string `json:"externalFilesDir"`
	FilesDir            string `json:"filesDir"`
	NoBackupFilesDir    string `json:"noBackupFilesDir"`
	ObbDir              string `json:"obbDir"`
}

// CallSpec describes a native function invoked through the guarded call.
// Window is the number of stack bytes captured when the call faults.
type CallSpec struct {
	Address uint64
	Ret     string
	Args    []profile.CallArg
	Window  int
}

type Agent struct {
	rpc RPC
	Log log.Interface

	mu      sync.Mutex
	waiters map[string]chan struct{}
	held    map[string]bool
}

func New(rpc RPC) *Agent {
	return &Agent{
		rpc:     rpc,
		Log:     log.Log,
		waiters: map[string]chan struct{}{},
		held:    map[string]bool{},
	}
}

func ParsePointer(a jsoniter.Any) (uint64, error) {
	switch a.ValueType() {
	case jsoniter.NumberValue:
		return a.ToUint64(), nil
	case jsoniter.StringValue:
		return strconv.ParseUint(a.ToString(), 0, 64)
	case jsoniter.NilValue, jsoniter.InvalidValue:
		return 0, errors.New("missing pointer")
	}
	return 0, errors.Errorf("bad pointer %s", a.ToString())
}

// readPointer reads an optional pointer field, malformed values read as 0.
func readPointer(l log.Interface, v jsoniter.Any) uint64 {
	p, err := ParsePointer(v)
	if err != nil && v.ValueType() != jsoniter.NilValue && v.ValueType() != jsoniter.InvalidValue {
		l.WithError(err).Debug("malformed pointer in agent reply")
	}
	return p
}

func readHex(l log.Interface, v jsoniter.Any) []byte {
	if v.ValueType() != jsoniter.StringValue {
		return nil
	}
	b, err := hex.DecodeString(v.ToString())
	if err != nil {
		l.WithError(err).Debug("malformed hex in agent reply")
		return nil
	}
	return b
}

func (a *Agent) pointer(v jsoniter.Any) uint64 { return readPointer(a.Log, v) }

func (a *Agent) decodeHex(v jsoniter.Any) []byte { return readHex(a.Log, v) }

func (a *Agent) call(ctx context.Context, fn string, args ...interface{}) (jsoniter.Any, error) {
	res, err := a.rpc.RpcCall(ctx, fn, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "rpc %s", fn)
	}
	return res, nil
}

func (a *Agent) Info(ctx context.Context) (*ProcessInfo, error) {
	res, err := a.call(ctx, "info")
	if err != nil {
		return nil, err
	}
	var info ProcessInfo
	res.ToVal(&info)
	return &info, nil
}

func (a *Agent) Modules(ctx context.Context) ([]ghidra.Module, error) {
	res, err := a.call(ctx, "modules")
	if err != nil {
		return nil, err
	}
	mods := make([]ghidra.Module, 0, res.Size())
	for i := 0; i < res.Size(); i++ {
		m := res.Get(i)
		mods = append(mods, ghidra.Module{
			Name: m.Get("name").ToString(),
			Path: m.Get("path").ToString(),
			Base: a.pointer(m.Get("base")),
			Size: m.Get("size").ToUint64(),
		})
	}
	return mods, nil
}

func (a *Agent) Ranges(ctx context.Context) ([]ghidra.Range, error) {
	res, err := a.call(ctx, "ranges", "---")
	if err != nil {
		return nil, err
	}
	ranges := make([]ghidra.Range, 0, res.Size())
	for i := 0; i < res.Size(); i++ {
		r := res.Get(i)
		ranges = append(ranges, ghidra.Range{
			Base:       a.pointer(r.Get("base")),
			Size:       r.Get("size").ToUint64(),
			Protection: r.Get("protection").ToString(),
			File:       r.Get("file").ToString(),
		})
	}
	return ranges, nil
}

// Snapshot returns the current module and range layout of the target.
func (a *Agent) Snapshot(ctx context.Context) (*ghidra.ModuleMap, error) {
	mods, err := a.Modules(ctx)
	if err != nil {
		return nil, err
	}
	ranges, err := a.Ranges(ctx)
	if err != nil {
		return nil, err
	}
	return ghidra.NewModuleMap(mods, ranges), nil
}

func (a *Agent) FindExport(ctx context.Context, module, name string) (uint64, error) {
	res, err := a.call(ctx, "findexport", module, name)
	if err != nil {
		return 0, err
	}
	if res.ValueType() == jsoniter.NilValue {
		return 0, errors.Errorf("export %s not found in %s", name, module)
	}
	return ParsePointer(res)
}

type probeSpec struct {
	ID        int            `json:"id"`
	Address   string         `json:"address"`
	NArgs     int            `json:"nargs"`
	CallStack bool           `json:"callstack,omitempty"`
	Enter     *hooks.Capture `json:"enter,omitempty"`
	Leave     *hooks.Capture `json:"leave,omitempty"`
}

func (a *Agent) Attach(ctx context.Context, p *hooks.Probe) error {
	spec := probeSpec{
		ID:        p.ID,
		Address:   "0x" + strconv.FormatUint(p.Address, 16),
		NArgs:     p.NArgs(),
		CallStack: p.Options.ShowCallStack,
		Enter:     p.Options.Enter,
		Leave:     p.Options.Leave,
	}
	_, err := a.call(ctx, "hook", []probeSpec{spec})
	return errors.Wrap(err, p.Name)
}

type callSpec struct {
	Address string            `json:"address"`
	Ret     string            `json:"ret"`
	Args    []profile.CallArg `json:"args"`
	Window  int               `json:"window"`
}

// Call runs a native function inside the target. A fault is returned as
// *inspect.NativeException.
func (a *Agent) Call(ctx context.Context, spec CallSpec) (uint64, error) {
	ret := spec.Ret
	if ret == "" {
		ret = "void"
	}
	res, err := a.call(ctx, "call", callSpec{
		Address: "0x" + strconv.FormatUint(spec.Address, 16),
		Ret:     ret,
		Args:    spec.Args,
		Window:  spec.Window,
	})
	if err != nil {
		return 0, err
	}
	if !res.Get("ok").ToBool() {
		return 0, a.decodeException(res.Get("exception"))
	}
	if res.Get("ret").ValueType() == jsoniter.NilValue {
		return 0, nil
	}
	v := res.Get("ret").ToString()
	if n, err := strconv.ParseInt(v, 0, 64); err == nil {
		return uint64(n), nil
	}
	return strconv.ParseUint(v, 0, 64)
}

func (a *Agent) decodeException(e jsoniter.Any) *inspect.NativeException {
	ne := &inspect.NativeException{
		Message: e.Get("message").ToString(),
		Type:    e.Get("type").ToString(),
		Address: a.pointer(e.Get("address")),
		Stack:   a.decodeHex(e.Get("stack")),
	}
	if c := e.Get("context"); c.ValueType() == jsoniter.ObjectValue {
		ne.Context = inspect.ExceptionContext{
			PC: a.pointer(c.Get("pc")),
			SP: a.pointer(c.Get("sp")),
			LR: a.pointer(c.Get("lr")),
		}
	}
	ne.Backtrace = decodeFrames(a.Log, e.Get("backtrace"))
	return ne
}

func decodeFrames(l log.Interface, bt jsoniter.Any) []inspect.Frame {
	if bt.ValueType() != jsoniter.ArrayValue {
		return nil
	}
	frames := make([]inspect.Frame, 0, bt.Size())
	for i := 0; i < bt.Size(); i++ {
		f := bt.Get(i)
		frames = append(frames, inspect.Frame{
			Address: readPointer(l, f.Get("address")),
			Module:  f.Get("moduleName").ToString(),
			Name:    f.Get("name").ToString(),
			File:    f.Get("fileName").ToString(),
			Line:    f.Get("lineNumber").ToInt(),
		})
	}
	return frames
}

// Watch asks the agent to report when name gets mapped. The returned
// channel is closed once it is. With hold set the loading thread stays
// inside dlopen until Release, so hooks can go in before the library runs.
// Calls and module loads made meanwhile run on that thread.
func (a *Agent) Watch(ctx context.Context, name string, hold bool) (<-chan struct{}, error) {
	a.mu.Lock()
	ch, ok := a.waiters[name]
	if !ok {
		ch = make(chan struct{})
		a.waiters[name] = ch
	}
	a.mu.Unlock()

	res, err := a.call(ctx, "waitmodule", name, hold)
	if err != nil {
		return nil, err
	}
	if res.ToBool() {
		a.ModuleLoaded(name, false)
	} else {
		a.Log.WithFields(log.Fields{"module": name, "hold": hold}).Info("waiting for module")
	}
	return ch, nil
}

// WaitModule returns once name is mapped in the target.
func (a *Agent) WaitModule(ctx context.Context, name string) error {
	ch, err := a.Watch(ctx, name, false)
	if err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ModuleLoaded releases the waiters of name. held records that the
// target's loading thread waits for Release.
func (a *Agent) ModuleLoaded(name string, held bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if held {
		a.held[name] = true
	}
	if ch, ok := a.waiters[name]; ok {
		close(ch)
		delete(a.waiters, name)
	}
}

// Release lets a held loading thread return from dlopen. It does nothing
// when name was not held.
func (a *Agent) Release(ctx context.Context, name string) error {
	a.mu.Lock()
	held := a.held[name]
	delete(a.held, name)
	a.mu.Unlock()
	if !held {
		return nil
	}
	if _, err := a.call(ctx, "release", name); err != nil {
		return errors.Wrapf(err, "release %s", name)
	}
	a.Log.WithField("module", name).Debug("module released")
	return nil
}

func (a *Agent) LoadModule(ctx context.Context, path string) (*ghidra.Module, error) {
	res, err := a.call(ctx, "loadmodule", path)
	if err != nil {
		return nil, err
	}
	return &ghidra.Module{
		Name: res.Get("name").ToString(),
		Path: res.Get("path").ToString(),
		Base: a.pointer(res.Get("base")),
		Size: res.Get("size").ToUint64(),
	}, nil
}

func (a *Agent) AppInfo(ctx context.Context) (*AppInfo, error) {
	res, err := a.call(ctx, "appinfo")
	if err != nil {
		return nil, err
	}
	var info AppInfo
	res.ToVal(&info)
	return &info, nil
}

func (a *Agent) ReadMemory(ctx context.Context, address uint64, n int) ([]byte, error) {
	res, err := a.call(ctx, "readmemory", "0x"+strconv.FormatUint(address, 16), n)
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(res.ToString())
	if err != nil {
		return nil, errors.Wrap(err, "decode memory")
	}
	return b, nil
}

// Download copies n bytes at address to path below the router's download
// directory.
func (a *Agent) Download(ctx context.Context, address uint64, n int, path string, appendTo bool) (int, error) {
	res, err := a.call(ctx, "download", "0x"+strconv.FormatUint(address, 16), n, path, appendTo)
	if err != nil {
		return 0, err
	}
	return res.ToInt(), nil
}
