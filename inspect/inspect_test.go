package inspect

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fdhook/ghidra"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func testInspector() *Inspector {
	mm := ghidra.NewModuleMap(
		[]ghidra.Module{
			{Name: "libgame.so", Base: 0x7a00000000, Size: 0x2000000},
			{Name: "libc.so", Base: 0x7b00000000, Size: 0x100000},
		},
		[]ghidra.Range{
			{Base: 0x7c00000000, Size: 0x21000, Protection: "rw-", File: "[stack]"},
		},
	)
	tr := ghidra.NewTranslator(ghidra.ArchArm64, ghidra.ModuleInfos{"libgame.so": {}}, mm)
	tr.Log = &log.Logger{Handler: discard.Default}
	return NewInspector(tr, 8)
}

func stack(words ...uint64) []byte {
	b := make([]byte, 8*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint64(b[8*i:], w)
	}
	return b
}

func TestDescribePointer(t *testing.T) {
	in := testInspector()

	assert.Equal(t, "0x7a00001234 libgame.so @ 0x1234 # 0x101234", in.DescribePointer(0x7a00001234))
	assert.Equal(t, "0x7b00000010 libc.so @ 0x10", in.DescribePointer(0x7b00000010))
	assert.Equal(t, "0x7c00000100 <no module>, 0x7c00000000-0x7c00021000 rw- [stack]", in.DescribePointer(0x7c00000100))
	assert.Equal(t, "0x10 <no module>, <no range>", in.DescribePointer(0x10))
}

func TestReportWalksConfiguredSlots(t *testing.T) {
	in := testInspector()

	words := make([]uint64, DefaultSlots)
	words[0] = 0x7a00001234
	words[1] = 0x10 // neither module nor range
	words[2] = 0x7c00000010
	e := &NativeException{
		Message: "access violation accessing 0x0",
		Type:    "access-violation",
		Context: ExceptionContext{PC: 0x7a00002000, SP: 0x7c00000000, LR: 0x7a00001000},
		Stack:   stack(words...),
		Backtrace: []Frame{
			{Address: 0x7a00002000, Module: "libgame.so", Name: "_ZN10bisqueBase4util13GlobalNtyPool8instanceEv"},
		},
	}

	var buf bytes.Buffer
	n := in.Report(&buf, e)
	assert.Equal(t, DefaultSlots, n)

	out := buf.String()
	assert.Contains(t, out, "called from:")
	assert.Contains(t, out, "bisqueBase::util::GlobalNtyPool::instance()")
	assert.Contains(t, out, "0x7a00002000 libgame.so @ 0x2000 # 0x102000")
	assert.Contains(t, out, "0 0x7a00001234 libgame.so @ 0x1234 # 0x101234")
	assert.Contains(t, out, "1 0x10 <no module>, <no range>")
	assert.Contains(t, out, "49 0x0 <no module>, <no range>")
	assert.NotContains(t, out, "50 0x")
}

func TestReportShortWindow(t *testing.T) {
	in := testInspector()
	in.Slots = 4

	var buf bytes.Buffer
	n := in.Report(&buf, &NativeException{Message: "boom", Stack: stack(0x7a00000010)})
	assert.Equal(t, 4, n)
	assert.Equal(t, 3, strings.Count(buf.String(), "<unreadable>"))
}

func TestSlotPointerSize(t *testing.T) {
	in := testInspector()
	in.PointerSize = 4

	b := []byte{0x78, 0x56, 0x34, 0x12, 0xef, 0xbe, 0xad, 0xde}
	p, ok := in.Slot(b, 1)
	require.True(t, ok)
	assert.Equal(t, uint64(0xdeadbeef), p)
	_, ok = in.Slot(b, 2)
	assert.False(t, ok)
	assert.Equal(t, DefaultSlots*4, in.WindowSize())
}

func TestGuardHandlesNativeException(t *testing.T) {
	in := testInspector()
	var buf bytes.Buffer
	var seen *NativeException
	g := &Guard{Inspector: in, Out: &buf, OnFault: func(e *NativeException) { seen = e }}

	exc := &NativeException{Message: "boom"}
	err := g.Run(context.Background(), func(context.Context) error {
		return exc
	})
	require.NoError(t, err)
	assert.Same(t, exc, seen)
	assert.Contains(t, buf.String(), "native exception: boom")
}

func TestGuardDefaultCallback(t *testing.T) {
	g := &Guard{Inspector: testInspector(), Out: &bytes.Buffer{}}
	err := g.Run(context.Background(), func(context.Context) error {
		return &NativeException{Message: "boom"}
	})
	assert.NoError(t, err)
}

func TestGuardPassesOtherErrors(t *testing.T) {
	g := NewGuard(testInspector())
	want := errors.New("rpc closed")
	err := g.Run(context.Background(), func(context.Context) error { return want })
	assert.Same(t, want, err)

	assert.NoError(t, g.Run(context.Background(), func(context.Context) error { return nil }))
}
