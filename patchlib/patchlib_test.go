package patchlib

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fdhook/agent"
	"fdhook/ghidra"
	"fdhook/inspect"
	"fdhook/profile"
)

func init() {
	color.NoColor = true
}

type fakeEngine struct {
	mu      sync.Mutex
	modules []ghidra.Module
	loads   int
	loadErr error
	calls   []agent.CallSpec
	callErr error
}

func (f *fakeEngine) Modules(context.Context) ([]ghidra.Module, error) {
	return f.modules, nil
}

func (f *fakeEngine) LoadModule(_ context.Context, path string) (*ghidra.Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return &ghidra.Module{Name: "libpatchgame.so", Path: path, Base: 0x7c00000000, Size: 0x10000}, nil
}

func (f *fakeEngine) FindExport(_ context.Context, module, name string) (uint64, error) {
	if name == "init" {
		return 0x7c00000100, nil
	}
	return 0, errors.New("not found")
}

func (f *fakeEngine) Call(_ context.Context, spec agent.CallSpec) (uint64, error) {
	f.calls = append(f.calls, spec)
	return 0, f.callErr
}

func (f *fakeEngine) AppInfo(context.Context) (*agent.AppInfo, error) {
	return &agent.AppInfo{DataDir: "/data/user/0/com.bq.game"}, nil
}

func testLoader(eng *fakeEngine, runInit bool) *Loader {
	l := New(eng, &profile.Patch{
		Path:    "/data/local/tmp//libpatchgame.so",
		Deps:    []string{"libgame.so"},
		Init:    "init",
		RunInit: runInit,
	})
	l.Log = &log.Logger{Handler: discard.Default}
	return l
}

func testGuard(out *bytes.Buffer) *inspect.Guard {
	mm := ghidra.NewModuleMap(nil, nil)
	tr := ghidra.NewTranslator(ghidra.ArchArm64, nil, mm)
	tr.Log = &log.Logger{Handler: discard.Default}
	g := inspect.NewGuard(inspect.NewInspector(tr, 8))
	g.Out = out
	return g
}

var hostLoaded = []ghidra.Module{{Name: "libgame.so", Base: 0x7a00000000, Size: 0x2000000}}

func TestHandleLoadsOnce(t *testing.T) {
	eng := &fakeEngine{modules: hostLoaded}
	l := testLoader(eng, false)

	var wg sync.WaitGroup
	handles := make([]*Handle, 8)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := l.Handle(context.Background())
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, eng.loads)
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, uint64(0x7c00000100), handles[0].Init)
}

func TestHandleKeepsError(t *testing.T) {
	eng := &fakeEngine{modules: hostLoaded, loadErr: errors.New("dlopen failed")}
	l := testLoader(eng, false)

	_, err1 := l.Handle(context.Background())
	_, err2 := l.Handle(context.Background())
	require.Error(t, err1)
	assert.Equal(t, err1, err2)
	assert.Equal(t, 1, eng.loads)
}

func TestHandleMissingDependency(t *testing.T) {
	eng := &fakeEngine{}
	_, err := testLoader(eng, false).Handle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "libgame.so")
	assert.Zero(t, eng.loads)
}

func TestInitDisabledByDefault(t *testing.T) {
	eng := &fakeEngine{modules: hostLoaded}
	require.NoError(t, testLoader(eng, false).Init(context.Background(), testGuard(&bytes.Buffer{})))
	assert.Empty(t, eng.calls)
	assert.Zero(t, eng.loads)
}

func TestInitCallsWithHostBase(t *testing.T) {
	eng := &fakeEngine{modules: hostLoaded}
	require.NoError(t, testLoader(eng, true).Init(context.Background(), testGuard(&bytes.Buffer{})))

	require.Len(t, eng.calls, 1)
	c := eng.calls[0]
	assert.Equal(t, uint64(0x7c00000100), c.Address)
	assert.Equal(t, "0x7a00000000", c.Args[0].Value)
	assert.Equal(t, "/data/user/0/com.bq.game", c.Args[1].Value)
	assert.Equal(t, 50*8, c.Window)
}

func TestInitFaultIsReported(t *testing.T) {
	eng := &fakeEngine{modules: hostLoaded, callErr: &inspect.NativeException{
		Message: "access violation",
		Context: inspect.ExceptionContext{PC: 0x7c00000104, SP: 0x7ff0000000},
	}}
	var out bytes.Buffer
	err := testLoader(eng, true).Init(context.Background(), testGuard(&out))
	assert.NoError(t, err)
	assert.Contains(t, out.String(), "pc")
}
