// Package main implements nanomc, a tool to manage configuration
// profiles on attached devices.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/micromdm/nanolib/envflag"
	"github.com/micromdm/nanolib/log/stdlogfmt"
)

// overridden by -ldflags -X
var version = "unknown"

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: %s [OPTIONS] COMMAND

Manage configuration profiles on a device.

Where COMMAND is one of:
  install FILE        install the configuration profile specified by FILE.
                      A valid .mobileconfig file is expected.
  list                list all configuration profiles on the device.
  remove IDENTIFIER   remove the configuration profile identified by IDENTIFIER.
  remove-all          remove all installed configuration profiles.
  stored              list profiles in the local profile archive.

Options:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	var (
		flDebug   = flag.Bool("debug", false, "log debug messages")
		flUDID    = flag.String("udid", "", "target a specific device by UDID")
		flLabel   = flag.String("label", "nanomc", "label to use for lockdown communication")
		flStore   = flag.String("store", "", "path of the local profile archive")
		flVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Usage = usage
	envflag.Parse("NANOMC_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "missing command")
		usage()
		os.Exit(2)
	}

	tool := &tool{
		logger: logger,
		udid:   *flUDID,
		label:  *flLabel,
		store:  *flStore,
	}

	var err error
	switch cmd := args[0]; cmd {
	case "install":
		if len(args) < 2 || args[1] == "" {
			fmt.Fprintln(os.Stderr, "missing argument for install command")
			usage()
			os.Exit(2)
		}
		err = tool.install(args[1])
	case "list":
		err = tool.list()
	case "remove":
		if len(args) < 2 || args[1] == "" {
			fmt.Fprintln(os.Stderr, "missing argument for remove command")
			usage()
			os.Exit(2)
		}
		err = tool.remove(args[1])
	case "remove-all":
		err = tool.removeAll()
	case "stored":
		err = tool.stored()
	default:
		fmt.Fprintf(os.Stderr, "unsupported command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
