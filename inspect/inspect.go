package inspect

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/ianlancetaylor/demangle"
	"github.com/pkg/errors"

	"fdhook/ghidra"
)

// DefaultSlots is how many stack slots a report walks.
const DefaultSlots = 50

var (
	colorHeader = color.New(color.FgHiBlue).SprintFunc()
	colorFaint  = color.New(color.Faint, color.FgHiBlue).SprintFunc()
	colorBold   = color.New(color.Bold).SprintFunc()
)

// ExceptionContext is the register snapshot taken when a guarded call
// faulted.
type ExceptionContext struct {
	PC uint64 `json:"pc"`
	SP uint64 `json:"sp"`
	LR uint64 `json:"lr"`
}

type Frame struct {
	Address uint64 `json:"address"`
	Module  string `json:"moduleName,omitempty"`
	Name    string `json:"name,omitempty"`
	File    string `json:"fileName,omitempty"`
	Line    int    `json:"lineNumber,omitempty"`
}

func (f Frame) String() string {
	s := fmt.Sprintf("0x%x", f.Address)
	if f.Module != "" {
		s += " " + f.Module
	}
	if f.Name != "" {
		s += "!" + demangle.Filter(f.Name, demangle.NoClones)
	}
	if f.File != "" {
		s += fmt.Sprintf(" %s:%d", f.File, f.Line)
	}
	return s
}

// NativeException is a fault trapped inside the target while running a
// guarded call. Stack holds the raw bytes read upward from Context.SP.
type NativeException struct {
	Message   string
	Type      string
	Address   uint64
	Context   ExceptionContext
	Stack     []byte
	Backtrace []Frame
}

func (e *NativeException) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("native exception %s at 0x%x: %s", e.Type, e.Address, e.Message)
	}
	return "native exception: " + e.Message
}

type Inspector struct {
	Infos       ghidra.ModuleInfos
	Resolver    ghidra.Resolver
	Translator  *ghidra.Translator
	PointerSize int
	Slots       int
}

func NewInspector(tr *ghidra.Translator, pointerSize int) *Inspector {
	return &Inspector{
		Infos:       tr.Infos,
		Resolver:    tr.Resolver,
		Translator:  tr,
		PointerSize: pointerSize,
		Slots:       DefaultSlots,
	}
}

func (in *Inspector) slots() int {
	if in.Slots <= 0 {
		return DefaultSlots
	}
	return in.Slots
}

func (in *Inspector) ptrSize() int {
	if in.PointerSize == 4 {
		return 4
	}
	return 8
}

// WindowSize is the number of stack bytes a report needs.
func (in *Inspector) WindowSize() int {
	return in.slots() * in.ptrSize()
}

// DescribePointer places p inside a module, or failing that the nearest
// known range. It never fails.
func (in *Inspector) DescribePointer(p uint64) string {
	if m := in.Resolver.FindModuleByAddress(p); m != nil {
		off := p - m.Base
		if _, ok := in.Infos[m.Name]; ok && in.Translator != nil {
			if gp, err := in.Translator.ToGhidra(p, m.Name); err == nil {
				return fmt.Sprintf("0x%x %s @ 0x%x # 0x%x", p, m.Name, off, gp)
			}
		}
		return fmt.Sprintf("0x%x %s @ 0x%x", p, m.Name, off)
	}
	if r := in.Resolver.FindRangeByAddress(p); r != nil {
		return fmt.Sprintf("0x%x <no module>, %s", p, r)
	}
	return fmt.Sprintf("0x%x <no module>, <no range>", p)
}

// Slot decodes stack slot i, ok is false when the window is too short.
func (in *Inspector) Slot(stack []byte, i int) (uint64, bool) {
	n := in.ptrSize()
	lo := i * n
	if lo+n > len(stack) {
		return 0, false
	}
	if n == 4 {
		return uint64(binary.LittleEndian.Uint32(stack[lo:])), true
	}
	return binary.LittleEndian.Uint64(stack[lo:]), true
}

// Report writes the diagnostic for e and returns how many slots it walked.
func (in *Inspector) Report(w io.Writer, e *NativeException) int {
	fmt.Fprintln(w, colorBold(e.Error()))
	if len(e.Backtrace) > 0 {
		fmt.Fprintln(w, colorHeader("called from:"))
		for _, f := range e.Backtrace {
			fmt.Fprintln(w, f.String())
		}
		fmt.Fprintln(w)
	}
	c := e.Context
	fmt.Fprintln(w, colorHeader("pc"), in.DescribePointer(c.PC))
	if c.LR != 0 {
		fmt.Fprintln(w, colorHeader("lr"), in.DescribePointer(c.LR))
	}
	fmt.Fprintln(w, colorHeader("sp"), fmt.Sprintf("0x%x", c.SP))

	window := e.Stack
	if len(window) > in.WindowSize() {
		window = window[:in.WindowSize()]
	}
	fmt.Fprint(w, hex.Dump(window))

	n := in.slots()
	for i := 0; i < n; i++ {
		p, ok := in.Slot(window, i)
		if !ok {
			fmt.Fprintln(w, i, colorFaint("<unreadable>"))
			continue
		}
		fmt.Fprintln(w, i, in.DescribePointer(p))
	}
	return n
}

// Guard runs calls that may fault inside the target.
type Guard struct {
	Inspector *Inspector
	Out       io.Writer
	// OnFault runs after the report. Defaults to a no-op.
	OnFault func(*NativeException)
}

func NewGuard(in *Inspector) *Guard {
	return &Guard{Inspector: in, Out: os.Stdout}
}

// Run calls f. A native exception from f is reported and handled, any other
// error is returned untouched.
func (g *Guard) Run(ctx context.Context, f func(ctx context.Context) error) error {
	err := f(ctx)
	if err == nil {
		return nil
	}
	var ne *NativeException
	if !errors.As(err, &ne) {
		return err
	}
	out := g.Out
	if out == nil {
		out = os.Stdout
	}
	g.Inspector.Report(out, ne)
	if g.OnFault != nil {
		g.OnFault(ne)
	}
	return nil
}
