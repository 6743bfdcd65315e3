package main

import (
	"flag"
	"fmt"
	"os"

	frida_go "github.com/a97077088/frida-go"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

var FlagLsDev = flag.NewFlagSet("lsdev", flag.ExitOnError)

func init() {
	FlagLsDev.Usage = func() {
		fmt.Fprintf(FlagLsDev.Output(), "============== list devices, usage: %s\n", "lsdev")
		FlagLsDev.PrintDefaults()
	}
}

func FlagLsDevMain(args []string) error {
	FlagLsDev.Parse(args)
	if FlagLsDev.Parsed() {
		return NewLsDev().Run(LsDevParam{})
	}
	return errors.New("lsdev: bad arguments")
}

type LsDevParam struct {
}
type LsDev struct {
}

func (l *LsDev) Run(param LsDevParam) error {
	mgr := frida_go.DeviceManager_Create()
	defer mgr.Close()
	ds, err := mgr.EnumerateDevices()
	if err != nil {
		return err
	}
	var data [][]string
	for _, d := range ds {
		tp := "unknown"
		switch d.Type() {
		case 0:
			tp = "local"
		case 1:
			tp = "remote"
		case 2:
			tp = "usb"
		}
		data = append(data, []string{d.Id(), d.Name(), tp})
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Id", "Name", "Type"})
	table.AppendBulk(data)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Render()
	return nil
}

func NewLsDev() *LsDev {
	return &LsDev{}
}
