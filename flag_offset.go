package main

import (
	"flag"
	"fmt"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"fdhook/ghidra"
	"fdhook/inspect"
	"fdhook/procmaps"
)

var param_offset_pid = FlagOffset.Int("pid", 0, "local process id, its maps are read from procfs")
var param_offset_mount = FlagOffset.String("mount", "/proc", "procfs mount point")
var param_offset_base = FlagOffset.String("base", "", "load address of -module, instead of reading procfs")
var param_offset_module = FlagOffset.String("module", "", "module the addresses belong to, looked up by address when empty")
var param_offset_arch = FlagOffset.String("arch", string(ghidra.ArchArm64), "target architecture: arm, arm64 or ia32")
var param_offset_profile = FlagOffset.String("profile", "", "profile yaml, builtin libgame profile when empty")
var param_offset_reverse = FlagOffset.Bool("reverse", false, "translate ghidra offsets back to runtime addresses")
var FlagOffset = flag.NewFlagSet("offset", flag.ExitOnError)

func init() {
	FlagOffset.Usage = func() {
		fmt.Fprintf(FlagOffset.Output(), "============== translate addresses offline, usage: %s\n", "offset -pid 1234 0x7a01661b40 | offset -base 0x7a00000000 -module libgame.so -reverse 0x1661b40")
		FlagOffset.PrintDefaults()
	}
}

func FlagOffsetMain(args []string) error {
	FlagOffset.Parse(args)
	if FlagOffset.NArg() < 1 {
		fmt.Println("need at least one address")
		FlagOffset.Usage()
		return nil
	}
	if *param_offset_pid == 0 && *param_offset_base == "" {
		fmt.Println("need -pid or -base")
		FlagOffset.Usage()
		return nil
	}
	if FlagOffset.Parsed() {
		var addrs []uint64
		for _, a := range FlagOffset.Args() {
			v, err := strconv.ParseUint(a, 0, 64)
			if err != nil {
				return errors.Wrapf(err, "bad address %s", a)
			}
			addrs = append(addrs, v)
		}
		return NewOffset().Run(OffsetParam{
			Pid:       *param_offset_pid,
			Mount:     *param_offset_mount,
			Base:      *param_offset_base,
			Module:    *param_offset_module,
			Arch:      ghidra.Arch(*param_offset_arch),
			Profile:   *param_offset_profile,
			Reverse:   *param_offset_reverse,
			Addresses: addrs,
		})
	}
	return errors.New("offset: bad arguments")
}

type OffsetParam struct {
	Pid       int
	Mount     string
	Base      string
	Module    string
	Arch      ghidra.Arch
	Profile   string
	Reverse   bool
	Addresses []uint64
}

type Offset struct {
}

func (l *Offset) resolver(param OffsetParam) (ghidra.Resolver, error) {
	if param.Base == "" {
		return procmaps.Load(param.Mount, param.Pid)
	}
	if param.Module == "" {
		return nil, errors.New("-base needs -module")
	}
	base, err := strconv.ParseUint(param.Base, 0, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "bad base %s", param.Base)
	}
	return ghidra.NewModuleMap([]ghidra.Module{{Name: param.Module, Base: base, Size: math.MaxUint64 - base}}, nil), nil
}

func (l *Offset) Run(param OffsetParam) error {
	prof, err := openProfile(param.Profile, "")
	if err != nil {
		return err
	}
	if _, err := ghidra.DefaultBase(param.Arch); err != nil {
		return err
	}
	res, err := l.resolver(param)
	if err != nil {
		return err
	}
	tr := ghidra.NewTranslator(param.Arch, prof.Modules, res)
	in := inspect.NewInspector(tr, ghidra.PointerSize(param.Arch))

	for _, a := range param.Addresses {
		if param.Reverse {
			if param.Module == "" {
				return errors.New("-reverse needs -module")
			}
			p, err := tr.ToRuntime(param.Module, a)
			if err != nil {
				return err
			}
			fmt.Printf("0x%x => %s\n", a, in.DescribePointer(p))
			continue
		}
		g, err := tr.ToGhidra(a, param.Module)
		if err != nil {
			return err
		}
		fmt.Printf("%s => 0x%x\n", in.DescribePointer(a), g)
	}
	return nil
}

func NewOffset() *Offset {
	return &Offset{}
}
