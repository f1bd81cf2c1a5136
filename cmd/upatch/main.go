package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/Rtoax/elfview"
	"github.com/Rtoax/elfview/task"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sys/unix"
)

var opts struct {
	Pid     int    `short:"p" long:"pid" description:"Target process identifier"`
	Patch   string `long:"patch" description:"Relocatable patch object to load into the target"`
	Unpatch bool   `long:"unpatch" description:"Remove every registered patch from the target"`
	Verbose bool   `short:"V" long:"verbose" description:"Show verbose debug information"`
	Version bool   `short:"v" long:"version" description:"Show version information"`
	Help    bool   `short:"h" long:"help" description:"Show this help message"`
}

func init() {
	runtime.LockOSThread()
}

func fatalErr(err error) {
	fmt.Fprintln(os.Stderr, err)
	var errno unix.Errno
	if errors.As(err, &errno) {
		os.Exit(int(errno))
	}
	os.Exit(1)
}

func main() {
	flagparser := flags.NewParser(&opts, flags.PassDoubleDash|flags.PrintErrors)
	if _, err := flagparser.Parse(); err != nil {
		os.Exit(1)
	}
	if opts.Help {
		flagparser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if opts.Version {
		fmt.Println("upatch", elfview.Version)
		os.Exit(0)
	}

	if opts.Verbose {
		elfview.SetLogger(log.New(os.Stderr, "upatch: ", 0))
	}

	if opts.Pid <= 0 {
		fmt.Fprintln(os.Stderr, "specify a pid with -p, --pid")
		os.Exit(1)
	}
	if !task.Exist(opts.Pid) {
		fmt.Fprintf(os.Stderr, "pid %d does not exist\n", opts.Pid)
		os.Exit(1)
	}

	switch {
	case opts.Patch != "":
		if err := elfview.PatchProcess(opts.Pid, opts.Patch); err != nil {
			fatalErr(err)
		}
	case opts.Unpatch:
		if err := elfview.UnpatchProcess(opts.Pid); err != nil {
			fatalErr(err)
		}
	default:
		fmt.Fprintln(os.Stderr, "nothing to do: --patch FILE or --unpatch")
		os.Exit(1)
	}
}
