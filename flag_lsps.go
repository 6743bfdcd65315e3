package main

import (
	"flag"
	"fmt"
	"os"

	frida_go "github.com/a97077088/frida-go"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

var param_lsps_devi = FlagLsPs.String("devi", "", "device: usb, local, host:port or id")
var FlagLsPs = flag.NewFlagSet("lsps", flag.ExitOnError)

func init() {
	FlagLsPs.Usage = func() {
		fmt.Fprintf(FlagLsPs.Output(), "============== list processes, usage: %s\n", "lsps")
		FlagLsPs.PrintDefaults()
	}
}

func FlagLsPsMain(args []string) error {
	FlagLsPs.Parse(args)
	if FlagLsPs.Parsed() {
		return NewLsPs().Run(LsPsParam{*param_lsps_devi})
	}
	return errors.New("lsps: bad arguments")
}

type LsPsParam struct {
	Devi string
}
type LsPs struct {
}

func (l *LsPs) Run(param LsPsParam) error {
	mgr := frida_go.DeviceManager_Create()
	defer mgr.Close()
	d, err := ParseDevice(mgr, param.Devi)
	if err != nil {
		return err
	}
	if err := logSystem(d); err != nil {
		return err
	}
	pss, err := d.EnumerateProcesses(frida_go.ProcessQueryOptions{})
	if err != nil {
		return err
	}
	var data [][]string
	for _, ps := range pss {
		data = append(data, []string{fmt.Sprint(ps.Pid()), ps.Name()})
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Pid", "Name"})
	table.AppendBulk(data)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Render()
	return nil
}

func NewLsPs() *LsPs {
	return &LsPs{}
}
