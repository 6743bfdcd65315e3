package main

import (
	"flag"
	"fmt"
	"os"

	frida_go "github.com/a97077088/frida-go"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

var param_lsapp_devi = FlagLsApp.String("devi", "", "device: usb, local, host:port or id")
var FlagLsApp = flag.NewFlagSet("lsapp", flag.ExitOnError)

func init() {
	FlagLsApp.Usage = func() {
		fmt.Fprintf(FlagLsApp.Output(), "============== list applications, usage: %s\n", "lsapp")
		FlagLsApp.PrintDefaults()
	}
}

func FlagLsAppMain(args []string) error {
	FlagLsApp.Parse(args)
	if FlagLsApp.Parsed() {
		return NewLsApp().Run(LsAppParam{Devi: *param_lsapp_devi})
	}
	return errors.New("lsapp: bad arguments")
}

type LsAppParam struct {
	Devi string
}
type LsApp struct {
}

func (l *LsApp) Run(param LsAppParam) error {
	mgr := frida_go.DeviceManager_Create()
	defer mgr.Close()

	d, err := ParseDevice(mgr, param.Devi)
	if err != nil {
		return err
	}
	if err := logSystem(d); err != nil {
		return err
	}
	apps, err := d.EnumerateApplications(frida_go.ApplicationQueryOptions{})
	if err != nil {
		return err
	}
	var data [][]string
	for _, app := range apps {
		pid := ""
		if app.Pid() != 0 {
			pid = fmt.Sprint(app.Pid())
		}
		data = append(data, []string{app.Name(), app.Identifier(), pid})
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Identifier", "Pid"})
	table.AppendBulk(data)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Render()
	return nil
}

func NewLsApp() *LsApp {
	return &LsApp{}
}
