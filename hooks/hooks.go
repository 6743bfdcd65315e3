package hooks

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/cheggaaa/pb/v3"
	"github.com/ianlancetaylor/demangle"
	"github.com/pkg/errors"

	"fdhook/ghidra"
)

// DefaultNArgs is the argument count captured when a probe does not say.
const DefaultNArgs = 4

type Target struct {
	Module string  `yaml:"module,omitempty" json:"module,omitempty"`
	Export string  `yaml:"export,omitempty" json:"export,omitempty"`
	Ghidra *uint64 `yaml:"ghidra,omitempty" json:"ghidra,omitempty"`
}

type Dump struct {
	Arg int  `yaml:"arg,omitempty" json:"arg"`
	Ret bool `yaml:"ret,omitempty" json:"ret,omitempty"`
	Len int  `yaml:"len,omitempty" json:"len,omitempty"`
}

// Capture lists what the agent reads for a probe on entry or exit. On exit
// argument indexes refer to the values saved at entry.
type Capture struct {
	Strings   []int  `yaml:"strings,omitempty" json:"strings,omitempty"`
	Dumps     []Dump `yaml:"dumps,omitempty" json:"dumps,omitempty"`
	RetString bool   `yaml:"ret_string,omitempty" json:"retString,omitempty"`
}

type (
	EnterFunc func(args []uint64, tag string, call *Call)
	LeaveFunc func(ret uint64, tag string, call *Call)
)

type Options struct {
	NArgs         int      `yaml:"nargs,omitempty" json:"nargs,omitempty"`
	ShowCallStack bool     `yaml:"callstack,omitempty" json:"callstack,omitempty"`
	Enter         *Capture `yaml:"enter,omitempty" json:"enter,omitempty"`
	Leave         *Capture `yaml:"leave,omitempty" json:"leave,omitempty"`

	EnterFunc EnterFunc `yaml:"-" json:"-"`
	LeaveFunc LeaveFunc `yaml:"-" json:"-"`
}

// Entry is one row of a hook table.
type Entry struct {
	Target   `yaml:",inline"`
	Name     string `yaml:"name,omitempty"`
	Options  `yaml:",inline"`
	Disabled bool `yaml:"disabled,omitempty"`
}

type Probe struct {
	ID      int
	Address uint64
	Name    string
	// Module the address was resolved in.
	Module  string
	Options Options
}

func (p *Probe) NArgs() int {
	if p.Options.NArgs > 0 {
		return p.Options.NArgs
	}
	return DefaultNArgs
}

// Engine is the interception backend living in the target.
type Engine interface {
	FindExport(ctx context.Context, module, name string) (uint64, error)
	Attach(ctx context.Context, p *Probe) error
}

// Resolve turns enabled entries into probes. Entries without a module
// belong to soname.
func Resolve(ctx context.Context, eng Engine, tr *ghidra.Translator, soname string, entries []Entry) ([]*Probe, error) {
	var probes []*Probe
	for _, e := range entries {
		if e.Disabled {
			continue
		}
		module := e.Module
		if module == "" {
			module = soname
		}
		var (
			addr uint64
			err  error
		)
		switch {
		case e.Export != "":
			addr, err = eng.FindExport(ctx, module, e.Export)
		case e.Ghidra != nil:
			addr, err = tr.ToRuntime(module, *e.Ghidra)
		default:
			err = errors.New("no export or ghidra offset")
		}
		if err != nil {
			return nil, errors.Wrapf(err, "resolve %s", describe(e))
		}
		name := e.Name
		if name == "" && e.Export != "" {
			name = demangle.Filter(e.Export, demangle.NoClones)
		}
		probes = append(probes, &Probe{
			Address: addr,
			Name:    name,
			Module:  module,
			Options: e.Options,
		})
	}
	return probes, nil
}

func describe(e Entry) string {
	switch {
	case e.Name != "":
		return e.Name
	case e.Export != "":
		return e.Export
	case e.Ghidra != nil:
		return fmt.Sprintf("%s+0x%x", e.Module, *e.Ghidra)
	}
	return "entry"
}

type Installer struct {
	Log      log.Interface
	Out      io.Writer
	Progress bool
	// Register sees each probe before it is attached.
	Register func(probes ...*Probe)
}

func NewInstaller() *Installer {
	return &Installer{Log: log.Log, Out: os.Stderr, Progress: true}
}

// Install registers probes in order and returns how many were attached.
// Probe IDs and display names are filled in when missing.
func (in *Installer) Install(ctx context.Context, eng Engine, probes []*Probe) (int, error) {
	if len(probes) == 0 {
		return 0, nil
	}
	var bar *pb.ProgressBar
	if in.Progress {
		out := in.Out
		if out == nil {
			out = os.Stderr
		}
		bar = pb.New(len(probes)).SetWriter(out).Start()
		defer bar.Finish()
	}
	n := 0
	for i, p := range probes {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if p.ID == 0 {
			p.ID = i + 1
		}
		if p.Name == "" {
			p.Name = fmt.Sprintf("0x%x", p.Address)
		}
		if in.Log != nil {
			in.Log.WithFields(log.Fields{
				"id":      p.ID,
				"address": fmt.Sprintf("0x%x", p.Address),
			}).Debugf("hooking %s", p.Name)
		}
		if in.Register != nil {
			in.Register(p)
		}
		if err := eng.Attach(ctx, p); err != nil {
			return n, errors.Wrapf(err, "attach %s", p.Name)
		}
		n++
		if bar != nil {
			bar.Increment()
		}
	}
	return n, nil
}
