package hooks

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"fdhook/inspect"
)

var (
	colorEnter = color.New(color.FgHiGreen).SprintFunc()
	colorLeave = color.New(color.FgHiYellow).SprintFunc()
	colorFaint = color.New(color.Faint).SprintFunc()
)

type DumpData struct {
	Arg     int
	Ret     bool
	Address uint64
	Data    []byte
}

// Event is one probe firing as reported by the agent.
type Event struct {
	Call      uint64
	Probe     int
	Thread    int
	Depth     int
	Args      []uint64
	Strings   map[int]string
	Dumps     []DumpData
	Ret       uint64
	RetString *string
	Backtrace []inspect.Frame
}

// Call is the scratch record of one invocation. It is created on entry and
// dropped once the leave callback returned.
type Call struct {
	ID      uint64
	Tag     string
	Probe   *Probe
	Started time.Time
	Args    []uint64
	Strings map[int]string
	// Path is the first string captured on entry, usually the file name
	// handed to an open/read style function.
	Path      string
	Ret       uint64
	RetString string
}

type Dispatcher struct {
	Out io.Writer

	mu     sync.RWMutex
	probes map[int]*Probe
	calls  sync.Map
	outMu  sync.Mutex
}

func NewDispatcher(probes []*Probe) *Dispatcher {
	d := &Dispatcher{Out: os.Stdout}
	d.Register(probes...)
	return d
}

func (d *Dispatcher) Register(probes ...*Probe) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.probes == nil {
		d.probes = make(map[int]*Probe)
	}
	for _, p := range probes {
		d.probes[p.ID] = p
	}
}

func (d *Dispatcher) probe(id int) *Probe {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.probes[id]; ok {
		return p
	}
	return &Probe{ID: id, Name: fmt.Sprintf("probe#%d", id)}
}

func tag(p *Probe, ev *Event) string {
	return fmt.Sprintf("[%d]%s%s", ev.Thread, strings.Repeat("  ", ev.Depth), p.Name)
}

func (d *Dispatcher) print(lines ...string) {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	out := d.Out
	if out == nil {
		out = os.Stdout
	}
	for _, l := range lines {
		fmt.Fprintln(out, l)
	}
}

func formatArgs(args []uint64) string {
	s := make([]string, len(args))
	for i, a := range args {
		s[i] = fmt.Sprintf("0x%x", a)
	}
	return strings.Join(s, ", ")
}

func formatStrings(m map[int]string) []string {
	idx := make([]int, 0, len(m))
	for i := range m {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	var lines []string
	for _, i := range idx {
		lines = append(lines, fmt.Sprintf("  args[%d] %q", i, m[i]))
	}
	return lines
}

func formatDumps(dumps []DumpData) []string {
	var lines []string
	for _, dd := range dumps {
		what := fmt.Sprintf("args[%d]", dd.Arg)
		if dd.Ret {
			what = "retval"
		}
		lines = append(lines, colorFaint(fmt.Sprintf("  %s @ 0x%x", what, dd.Address)))
		lines = append(lines, strings.TrimRight(hex.Dump(dd.Data), "\n"))
	}
	return lines
}

func formatBacktrace(frames []inspect.Frame) []string {
	if len(frames) == 0 {
		return nil
	}
	lines := []string{"  called from:"}
	for _, f := range frames {
		lines = append(lines, "    "+f.String())
	}
	return lines
}

// Enter handles a probe entry and opens its scratch record.
func (d *Dispatcher) Enter(ev *Event) *Call {
	p := d.probe(ev.Probe)
	call := &Call{
		ID:      ev.Call,
		Tag:     tag(p, ev),
		Probe:   p,
		Started: time.Now(),
		Args:    ev.Args,
		Strings: ev.Strings,
	}
	if len(ev.Strings) > 0 {
		call.Path = ev.Strings[firstKey(ev.Strings)]
	}
	d.calls.Store(ev.Call, call)

	lines := []string{fmt.Sprintf("%s %s(%s)", colorEnter("enter"), call.Tag, formatArgs(ev.Args))}
	lines = append(lines, formatStrings(ev.Strings)...)
	lines = append(lines, formatDumps(ev.Dumps)...)
	lines = append(lines, formatBacktrace(ev.Backtrace)...)
	d.print(lines...)

	if p.Options.EnterFunc != nil {
		p.Options.EnterFunc(ev.Args, call.Tag, call)
	}
	return call
}

func firstKey(m map[int]string) int {
	first := -1
	for k := range m {
		if first < 0 || k < first {
			first = k
		}
	}
	return first
}

// Leave handles a probe exit and drops the scratch record opened by Enter.
func (d *Dispatcher) Leave(ev *Event) *Call {
	p := d.probe(ev.Probe)
	var call *Call
	if v, ok := d.calls.LoadAndDelete(ev.Call); ok {
		call = v.(*Call)
	} else {
		// probe installed while the call was already running
		call = &Call{ID: ev.Call, Tag: tag(p, ev), Probe: p, Started: time.Now()}
	}
	call.Ret = ev.Ret
	if ev.RetString != nil {
		call.RetString = *ev.RetString
	}

	lines := []string{fmt.Sprintf("%s %s => 0x%x %s", colorLeave("leave"), call.Tag, ev.Ret,
		colorFaint(time.Since(call.Started).Round(time.Microsecond)))}
	if ev.RetString != nil {
		lines = append(lines, fmt.Sprintf("  retval %q", *ev.RetString))
	}
	lines = append(lines, formatDumps(ev.Dumps)...)
	d.print(lines...)

	if p.Options.LeaveFunc != nil {
		p.Options.LeaveFunc(ev.Ret, call.Tag, call)
	}
	return call
}

// Pending is the number of calls entered but not yet left.
func (d *Dispatcher) Pending() int {
	n := 0
	d.calls.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
