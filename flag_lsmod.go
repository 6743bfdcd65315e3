package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"

	"fdhook/ghidra"
)

var param_lsmod_devi = FlagLsMod.String("devi", "", "device: usb, local, host:port or id")
var param_lsmod_name = FlagLsMod.String("name", "", "application name, identifier or process name")
var param_lsmod_pid = FlagLsMod.Uint("pid", 0, "process id")
var param_lsmod_profile = FlagLsMod.String("profile", "", "profile yaml, builtin libgame profile when empty")
var param_lsmod_filter = FlagLsMod.String("filter", "", "only modules whose name contains this")
var FlagLsMod = flag.NewFlagSet("lsmod", flag.ExitOnError)

func init() {
	FlagLsMod.Usage = func() {
		fmt.Fprintf(FlagLsMod.Output(), "============== list modules with their ghidra base, usage: %s\n", "lsmod -name com.bq.game -filter lib")
		FlagLsMod.PrintDefaults()
	}
}

func FlagLsModMain(args []string) error {
	FlagLsMod.Parse(args)
	if *param_lsmod_name == "" && *param_lsmod_pid == 0 {
		fmt.Println("need -name or -pid")
		FlagLsMod.Usage()
		return nil
	}
	if FlagLsMod.Parsed() {
		return NewLsMod().Run(LsModParam{
			Target:  TargetParam{Devi: *param_lsmod_devi, Name: *param_lsmod_name, Pid: *param_lsmod_pid},
			Profile: *param_lsmod_profile,
			Filter:  *param_lsmod_filter,
		})
	}
	return errors.New("lsmod: bad arguments")
}

type LsModParam struct {
	Target  TargetParam
	Profile string
	Filter  string
}
type LsMod struct {
}

func (l *LsMod) Run(param LsModParam) error {
	prof, err := openProfile(param.Profile, "")
	if err != nil {
		return err
	}
	t, err := OpenTarget(param.Target)
	if err != nil {
		return err
	}
	defer t.Close()
	if err := t.LoadAgent(nil, nil); err != nil {
		return err
	}
	t.Resume()

	ctx := context.Background()
	info, err := t.Agent.Info(ctx)
	if err != nil {
		return err
	}
	defbase, err := ghidra.DefaultBase(info.Arch)
	if err != nil {
		return err
	}
	mods, err := t.Agent.Modules(ctx)
	if err != nil {
		return err
	}

	var data [][]string
	for _, m := range mods {
		if param.Filter != "" && !strings.Contains(m.Name, param.Filter) {
			continue
		}
		base := fmt.Sprintf("0x%x (default)", defbase)
		if mi, ok := prof.Modules[m.Name]; ok && mi.GhidraBase != nil {
			base = fmt.Sprintf("0x%x", *mi.GhidraBase)
		}
		data = append(data, []string{
			m.Name,
			fmt.Sprintf("0x%x", m.Base),
			bytefmt.ByteSize(m.Size),
			base,
			m.Path,
		})
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Base", "Size", "Ghidra Base", "Path"})
	table.AppendBulk(data)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Render()
	return nil
}

func NewLsMod() *LsMod {
	return &LsMod{}
}
