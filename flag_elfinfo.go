package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"

	"fdhook/elfnote"
)

var param_elfinfo_profile = FlagElfInfo.String("profile", "", "profile yaml to compare build ids with, builtin libgame profile when empty")
var FlagElfInfo = flag.NewFlagSet("elfinfo", flag.ExitOnError)

func init() {
	FlagElfInfo.Usage = func() {
		fmt.Fprintf(FlagElfInfo.Output(), "============== show build id and ndk version of local libraries, usage: %s\n", "elfinfo libgame.so")
		FlagElfInfo.PrintDefaults()
	}
}

func FlagElfInfoMain(args []string) error {
	FlagElfInfo.Parse(args)
	if FlagElfInfo.NArg() < 1 {
		fmt.Println("need at least one file")
		FlagElfInfo.Usage()
		return nil
	}
	if FlagElfInfo.Parsed() {
		return NewElfInfo().Run(ElfInfoParam{Paths: FlagElfInfo.Args(), Profile: *param_elfinfo_profile})
	}
	return errors.New("elfinfo: bad arguments")
}

type ElfInfoParam struct {
	Paths   []string
	Profile string
}
type ElfInfo struct {
}

func (l *ElfInfo) Run(param ElfInfoParam) error {
	prof, err := openProfile(param.Profile, "")
	if err != nil {
		return err
	}
	var data [][]string
	for _, path := range param.Paths {
		n, err := elfnote.Read(path)
		if err != nil && !errors.Is(err, elfnote.ErrNoNotes) {
			return err
		}
		match := ""
		if mi, ok := prof.Modules[filepath.Base(path)]; ok && mi.BuildID != "" {
			match = "no"
			if mi.BuildID == n.BuildID {
				match = "yes"
			}
		}
		api := ""
		if n.AndroidAPI != 0 {
			api = fmt.Sprint(n.AndroidAPI)
		}
		data = append(data, []string{path, n.Arch, n.BuildID, api, n.NDKVersion, match})
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Path", "Arch", "Build Id", "API", "NDK", "Profile Match"})
	table.AppendBulk(data)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Render()
	return nil
}

func NewElfInfo() *ElfInfo {
	return &ElfInfo{}
}
