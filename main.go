package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/pkg/errors"
)

var param_verbose = flag.Bool("v", false, "verbose output")

type command struct {
	name  string
	flags *flag.FlagSet
	main  func(args []string) error
}

var commands = []command{
	{"lsdev", FlagLsDev, FlagLsDevMain},
	{"lsps", FlagLsPs, FlagLsPsMain},
	{"lsapp", FlagLsApp, FlagLsAppMain},
	{"lsmod", FlagLsMod, FlagLsModMain},
	{"hook", FlagHook, FlagHookMain},
	{"offset", FlagOffset, FlagOffsetMain},
	{"api", FlagApi, FlagApiMain},
	{"compile", FlagCompile, FlagCompileMain},
	{"create", FlagCreate, FlagCreateMain},
	{"elfinfo", FlagElfInfo, FlagElfInfoMain},
	{"dump", FlagDump, FlagDumpMain},
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-v] <command> [flags]\n\n", os.Args[0])
	for _, c := range commands {
		c.flags.Usage()
		fmt.Fprintln(flag.CommandLine.Output(), "")
	}
}

func entry(args []string) error {
	flag.CommandLine.Usage = usage
	flag.CommandLine.Parse(args)
	if *param_verbose {
		log.SetLevel(log.DebugLevel)
	}
	rest := flag.CommandLine.Args()
	if len(rest) < 1 {
		usage()
		return nil
	}
	switch rest[0] {
	case "help", "-h", "--h", "-help", "--help":
		usage()
		return nil
	}
	for _, c := range commands {
		if c.name == rest[0] {
			return c.main(rest[1:])
		}
	}
	return errors.Errorf("unknown command %s", rest[0])
}

func main() {
	log.SetHandler(clihander.Default)
	log.SetLevel(log.InfoLevel)
	if err := entry(os.Args[1:]); err != nil {
		log.WithError(err).Error("fdhook")
		os.Exit(1)
	}
}
