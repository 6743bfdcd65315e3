package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"github.com/apex/log"
	"github.com/caarlos0/ctrlc"
	"github.com/cheggaaa/pb/v3"
	"github.com/pkg/errors"

	"fdhook/agent"
	"fdhook/ghidra"
)

const dumpChunk = 64 * 1024

var param_dump_name = FlagDump.String("name", "", "application name, identifier or process name")
var param_dump_pid = FlagDump.Uint("pid", 0, "process id")
var param_dump_devi = FlagDump.String("devi", "", "device: usb, local, host:port or id")
var param_dump_module = FlagDump.String("module", "", "module to dump, the profile's target library when empty")
var param_dump_profile = FlagDump.String("profile", "", "profile yaml, builtin libgame profile when empty")
var param_dump_out = FlagDump.String("o", "", "output file, <module>.dump when empty")
var FlagDump = flag.NewFlagSet("dump", flag.ExitOnError)

func init() {
	FlagDump.Usage = func() {
		fmt.Fprintf(FlagDump.Output(), "============== dump a loaded module from memory, usage: %s\n", "dump -name com.bq.game -module libgame.so")
		FlagDump.PrintDefaults()
	}
}

func FlagDumpMain(args []string) error {
	FlagDump.Parse(args)
	if *param_dump_name == "" && *param_dump_pid == 0 {
		fmt.Println("need -name or -pid")
		FlagDump.Usage()
		return nil
	}
	if FlagDump.Parsed() {
		return NewDump().Run(DumpParam{
			Target:  TargetParam{Devi: *param_dump_devi, Name: *param_dump_name, Pid: *param_dump_pid},
			Module:  *param_dump_module,
			Profile: *param_dump_profile,
			Out:     *param_dump_out,
		})
	}
	return errors.New("dump: bad arguments")
}

type DumpParam struct {
	Target  TargetParam
	Module  string
	Profile string
	Out     string
}
type Dump struct {
}

// readable returns the readable parts of ranges clipped to m, in address
// order.
func readable(m *ghidra.Module, ranges []ghidra.Range) []ghidra.Range {
	var out []ghidra.Range
	end := m.Base + m.Size
	for _, r := range ranges {
		if !strings.HasPrefix(r.Protection, "r") {
			continue
		}
		lo, hi := r.Base, r.Base+r.Size
		if hi <= m.Base || lo >= end {
			continue
		}
		if lo < m.Base {
			lo = m.Base
		}
		if hi > end {
			hi = end
		}
		out = append(out, ghidra.Range{Base: lo, Size: hi - lo, Protection: r.Protection, File: r.File})
	}
	return out
}

// dumpModule copies the readable ranges of m into f at their module
// offsets. Unreadable gaps stay zero.
func dumpModule(ctx context.Context, a *agent.Agent, m *ghidra.Module, ranges []ghidra.Range, f *os.File) (uint64, error) {
	if err := f.Truncate(int64(m.Size)); err != nil {
		return 0, err
	}
	bar := pb.New64(int64(m.Size)).Set(pb.Bytes, true).Start()
	defer bar.Finish()
	var done uint64
	for _, r := range readable(m, ranges) {
		for off := uint64(0); off < r.Size; off += dumpChunk {
			n := r.Size - off
			if n > dumpChunk {
				n = dumpChunk
			}
			b, err := a.ReadMemory(ctx, r.Base+off, int(n))
			if err != nil {
				log.WithError(err).Warnf("skip 0x%x", r.Base+off)
				continue
			}
			if _, err := f.WriteAt(b, int64(r.Base+off-m.Base)); err != nil {
				return done, err
			}
			done += uint64(len(b))
			bar.Add(len(b))
		}
	}
	return done, nil
}

func (l *Dump) Run(param DumpParam) error {
	prof, err := openProfile(param.Profile, "")
	if err != nil {
		return err
	}
	if param.Module == "" {
		param.Module = prof.Soname
	}
	if param.Out == "" {
		param.Out = param.Module + ".dump"
	}
	t, err := OpenTarget(param.Target)
	if err != nil {
		return err
	}
	defer t.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router := agent.NewRouter(nil, nil)
	if err := t.LoadAgent(router, cancel); err != nil {
		return err
	}
	loaded, err := t.Agent.Watch(ctx, param.Module, false)
	if err != nil {
		return err
	}
	t.Resume()

	err = ctrlc.Default.Run(ctx, func() error {
		select {
		case <-loaded:
		case <-ctx.Done():
			return ctx.Err()
		}
		mm, err := t.Agent.Snapshot(ctx)
		if err != nil {
			return err
		}
		m := mm.FindModuleByName(param.Module)
		if m == nil {
			return &ghidra.ModuleNotFoundError{Name: param.Module}
		}
		f, err := os.Create(param.Out)
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := dumpModule(ctx, t.Agent, m, mm.Ranges, f)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"module": m.Name,
			"base":   fmt.Sprintf("0x%x", m.Base),
			"read":   bytefmt.ByteSize(n),
			"size":   bytefmt.ByteSize(m.Size),
			"out":    param.Out,
		}).Info("module dumped")
		return nil
	})
	if errors.As(err, &ctrlc.ErrorCtrlC{}) {
		log.Warn("dump interrupted")
		return nil
	}
	return err
}

func NewDump() *Dump {
	return &Dump{}
}
