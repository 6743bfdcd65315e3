package hooks

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fdhook/ghidra"
)

func init() {
	color.NoColor = true
}

type fakeEngine struct {
	exports  map[string]uint64
	attached []*Probe
	failAt   int
}

func (f *fakeEngine) FindExport(_ context.Context, module, name string) (uint64, error) {
	if p, ok := f.exports[module+"!"+name]; ok {
		return p, nil
	}
	return 0, errors.New("export not found")
}

func (f *fakeEngine) Attach(_ context.Context, p *Probe) error {
	if f.failAt > 0 && len(f.attached)+1 == f.failAt {
		return errors.New("interceptor refused")
	}
	f.attached = append(f.attached, p)
	return nil
}

func quietInstaller() *Installer {
	return &Installer{Log: &log.Logger{Handler: discard.Default}}
}

func testTranslator() *ghidra.Translator {
	mm := ghidra.NewModuleMap([]ghidra.Module{{Name: "libgame.so", Base: 0x7a00000000, Size: 0x2000000}}, nil)
	tr := ghidra.NewTranslator(ghidra.ArchArm64, nil, mm)
	tr.Log = &log.Logger{Handler: discard.Default}
	return tr
}

func TestInstallEmpty(t *testing.T) {
	eng := &fakeEngine{}
	n, err := quietInstaller().Install(context.Background(), eng, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, eng.attached)
}

func TestInstallDefaultsName(t *testing.T) {
	eng := &fakeEngine{}
	probes := []*Probe{
		{Address: 0x7a00001000, Name: "BQ_io_open"},
		{Address: 0x7a00002000},
	}
	n, err := quietInstaller().Install(context.Background(), eng, probes)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, eng.attached, 2)
	assert.Equal(t, "BQ_io_open", eng.attached[0].Name)
	assert.Equal(t, "0x7a00002000", eng.attached[1].Name)
	assert.Equal(t, 1, eng.attached[0].ID)
	assert.Equal(t, 2, eng.attached[1].ID)
}

func TestInstallRegistersBeforeAttach(t *testing.T) {
	eng := &fakeEngine{}
	d := NewDispatcher(nil)
	d.Out = &bytes.Buffer{}
	in := quietInstaller()
	in.Register = func(probes ...*Probe) {
		for _, p := range probes {
			assert.NotContains(t, eng.attached, p)
		}
		d.Register(probes...)
	}
	_, err := in.Install(context.Background(), eng, []*Probe{{Address: 0x7a00001000, Name: "BQ_io_open"}})
	require.NoError(t, err)
	call := d.Enter(&Event{Call: 1, Probe: 1})
	assert.Equal(t, "BQ_io_open", call.Probe.Name)
}

func TestInstallStopsOnError(t *testing.T) {
	eng := &fakeEngine{failAt: 2}
	probes := []*Probe{{Address: 1}, {Address: 2}, {Address: 3}}
	n, err := quietInstaller().Install(context.Background(), eng, probes)
	assert.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestResolve(t *testing.T) {
	off := uint64(0x1661b40)
	eng := &fakeEngine{exports: map[string]uint64{
		"libgame.so!BQ_io_open":            0x7a00001000,
		"libandroid.so!AAssetManager_open": 0x7b00001000,
	}}
	entries := []Entry{
		{Target: Target{Export: "BQ_io_open"}, Name: "BQ_io_open"},
		{Target: Target{Export: "BQ_io_stat"}, Disabled: true},
		{Target: Target{Module: "libandroid.so", Export: "AAssetManager_open"}},
		{Target: Target{Ghidra: &off}, Name: "log", Options: Options{NArgs: 6}},
		{Target: Target{Export: "_ZN10bisqueBase2IO6Stream5CloseEv"}},
	}
	eng.exports["libgame.so!_ZN10bisqueBase2IO6Stream5CloseEv"] = 0x7a00003000

	probes, err := Resolve(context.Background(), eng, testTranslator(), "libgame.so", entries)
	require.NoError(t, err)
	require.Len(t, probes, 4)
	assert.Equal(t, uint64(0x7a00001000), probes[0].Address)
	assert.Equal(t, uint64(0x7b00001000), probes[1].Address)
	assert.Equal(t, uint64(0x7a00000000+0x1561b40), probes[2].Address)
	assert.Equal(t, 6, probes[2].NArgs())
	assert.Equal(t, DefaultNArgs, probes[0].NArgs())
	assert.Equal(t, "bisqueBase::IO::Stream::Close()", probes[3].Name)
	assert.Equal(t, "libgame.so", probes[0].Module)
	assert.Equal(t, "libandroid.so", probes[1].Module)
	assert.Equal(t, "libgame.so", probes[2].Module)
}

func TestResolveMissingExport(t *testing.T) {
	_, err := Resolve(context.Background(), &fakeEngine{}, testTranslator(), "libgame.so",
		[]Entry{{Target: Target{Export: "BQ_io_nope"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BQ_io_nope")
}

func TestDispatcherScratchLifecycle(t *testing.T) {
	var (
		buf       bytes.Buffer
		seenEnter *Call
		seenLeave *Call
	)
	p := &Probe{ID: 7, Name: "BQ_io_open", Options: Options{
		EnterFunc: func(args []uint64, tag string, call *Call) {
			seenEnter = call
		},
		LeaveFunc: func(ret uint64, tag string, call *Call) {
			seenLeave = call
		},
	}}
	d := NewDispatcher([]*Probe{p})
	d.Out = &buf

	ret := "ok"
	d.Enter(&Event{Call: 1, Probe: 7, Thread: 99, Args: []uint64{0x1000}, Strings: map[int]string{0: "/sdcard/a.dat"}})
	assert.Equal(t, 1, d.Pending())
	d.Leave(&Event{Call: 1, Probe: 7, Thread: 99, Ret: 3, RetString: &ret})
	assert.Zero(t, d.Pending())

	require.NotNil(t, seenEnter)
	assert.Same(t, seenEnter, seenLeave)
	assert.Equal(t, "/sdcard/a.dat", seenLeave.Path)
	assert.Equal(t, uint64(3), seenLeave.Ret)
	assert.Equal(t, "ok", seenLeave.RetString)
	assert.Equal(t, "[99]BQ_io_open", seenLeave.Tag)

	out := buf.String()
	assert.Contains(t, out, "enter [99]BQ_io_open(0x1000)")
	assert.Contains(t, out, `args[0] "/sdcard/a.dat"`)
	assert.Contains(t, out, "leave [99]BQ_io_open => 0x3")
}

func TestDispatcherLeaveWithoutEnter(t *testing.T) {
	d := NewDispatcher(nil)
	d.Out = &bytes.Buffer{}
	call := d.Leave(&Event{Call: 5, Probe: 1})
	assert.Equal(t, "probe#1", call.Probe.Name)
	assert.Zero(t, d.Pending())
}

func TestDispatcherConcurrent(t *testing.T) {
	d := NewDispatcher([]*Probe{{ID: 1, Name: "BQ_io_read"}})
	d.Out = &bytes.Buffer{}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			d.Enter(&Event{Call: id, Probe: 1, Thread: int(id)})
			d.Leave(&Event{Call: id, Probe: 1, Thread: int(id)})
		}(uint64(i + 1))
	}
	wg.Wait()
	assert.Zero(t, d.Pending())
}
