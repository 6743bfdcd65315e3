package main

import (
	"flag"
	"fmt"
	"os"

	frida_go "github.com/a97077088/frida-go"
	"github.com/apex/log"
	"github.com/pkg/errors"

	"fdhook/agent"
)

var param_compile_name = FlagCompile.String("name", "", "application name, identifier or process name")
var param_compile_pid = FlagCompile.Uint("pid", 0, "process id")
var param_compile_devi = FlagCompile.String("devi", "", "device: usb, local, host:port or id")
var param_compile_out = FlagCompile.String("o", "agent.compile.js", "output file")
var FlagCompile = flag.NewFlagSet("compile", flag.ExitOnError)

func init() {
	FlagCompile.Usage = func() {
		fmt.Fprintf(FlagCompile.Output(), "============== compile the agent to bytecode, usage: %s\n", "compile -name com.bq.game -o agent.compile.js")
		FlagCompile.PrintDefaults()
	}
}

func FlagCompileMain(args []string) error {
	FlagCompile.Parse(args)
	if *param_compile_name == "" && *param_compile_pid == 0 {
		fmt.Println("need -name or -pid")
		FlagCompile.Usage()
		return nil
	}
	if FlagCompile.Parsed() {
		return NewCompile().Run(CompileParam{
			Target: TargetParam{Devi: *param_compile_devi, Name: *param_compile_name, Pid: *param_compile_pid},
			Out:    *param_compile_out,
		})
	}
	return errors.New("compile: bad arguments")
}

type CompileParam struct {
	Target TargetParam
	Out    string
}
type Compile struct {
}

func (l *Compile) Run(param CompileParam) error {
	t, err := OpenTarget(param.Target)
	if err != nil {
		return err
	}
	defer t.Close()
	bt, err := t.Session.CompileScript(agent.Source, frida_go.ScriptOptions{})
	if err != nil {
		return errors.Wrap(err, "compile agent")
	}
	if err := os.WriteFile(param.Out, bt, 0o644); err != nil {
		return err
	}
	log.WithField("out", param.Out).Info("agent compiled")
	return nil
}

func NewCompile() *Compile {
	return &Compile{}
}
