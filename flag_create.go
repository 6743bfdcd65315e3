package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"fdhook/profile"
)

var param_create_builtin = FlagCreate.String("builtin", profile.DefaultName, "builtin profile to start from")
var FlagCreate = flag.NewFlagSet("create", flag.ExitOnError)

func init() {
	FlagCreate.Usage = func() {
		fmt.Fprintf(FlagCreate.Output(), "============== write a profile to edit, usage: %s\n", "create pdir")
		FlagCreate.PrintDefaults()
	}
}

func FlagCreateMain(args []string) error {
	if len(args) < 1 {
		fmt.Println("need a directory")
		FlagCreate.Usage()
		return nil
	}
	create_dir := args[0]
	FlagCreate.Parse(args[1:])
	if FlagCreate.Parsed() {
		return NewCreate().Run(CreateParam{Dir: create_dir, Builtin: *param_create_builtin})
	}
	return errors.New("create: bad arguments")
}

type CreateParam struct {
	Dir     string
	Builtin string
}
type Create struct {
}

func (l *Create) Run(param CreateParam) error {
	if param.Dir == "" {
		return errors.New("no directory given")
	}
	p, err := profile.Builtin(param.Builtin)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(param.Dir, os.ModePerm); err != nil {
		return err
	}
	out := filepath.Join(param.Dir, param.Builtin+".yaml")
	if _, err := os.Stat(out); err == nil {
		return errors.Errorf("%s already exists", out)
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := p.Write(f); err != nil {
		return err
	}
	log.WithField("profile", out).Info("profile written")
	fmt.Println()
	fmt.Println("enable groups in the file, then run")
	fmt.Println("hook -name <app> -profile", out)
	return nil
}

func NewCreate() *Create {
	return &Create{}
}
