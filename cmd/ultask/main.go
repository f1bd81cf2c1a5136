package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/Rtoax/elfview"
	"github.com/Rtoax/elfview/task"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sys/unix"
)

func fatal(a ...interface{}) {
	fmt.Fprintln(os.Stderr, a...)
	os.Exit(1)
}

// fatalErr exits with the errno value when one is buried in err.
func fatalErr(err error) {
	fmt.Fprintln(os.Stderr, err)
	var errno unix.Errno
	if errors.As(err, &errno) {
		os.Exit(int(errno))
	}
	os.Exit(1)
}

var opts struct {
	Pid     int    `short:"p" long:"pid" description:"Target process identifier"`
	Vmas    bool   `long:"vmas" description:"Print all vmas of the target"`
	Threads bool   `long:"threads" description:"Dump threads"`
	Fds     bool   `long:"fds" description:"Dump open file descriptors"`
	Auxv    bool   `long:"auxv" description:"Print the auxiliary vector"`
	Status  bool   `long:"status" description:"Print /proc status of the target"`
	Syms    bool   `long:"syms" description:"List all symbols of the target"`
	Dump    string `long:"dump" description:"Dump memory: [vma|disasm,]addr=ADDR[,size=SIZE]"`
	Map     string `long:"map" description:"Map a file into the target: file=FILE[,ro][,noexec]"`
	Unmap   string `long:"unmap" description:"Unmap the VMA covering ADDR"`
	Jmp     string `long:"jmp" description:"Poke a jump entry: from=ADDR,to=ADDR"`
	Output  string `short:"o" long:"output" description:"Output file (default stdout)"`
	CSV     bool   `long:"csv" description:"Table output as CSV"`
	Verbose bool   `short:"V" long:"verbose" description:"Show verbose debug information"`
	Version bool   `short:"v" long:"version" description:"Show version information"`
	Help    bool   `short:"h" long:"help" description:"Show this help message"`
}

func init() {
	runtime.LockOSThread()
}

// str2addr parses "0x1234" or "1234".
func str2addr(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

// str2size parses "4096", "0x1000", "4KB", "16MB", "1GB".
func str2size(s string) (uint64, error) {
	mult := uint64(1)
	upper := strings.ToUpper(s)
	for suffix, m := range map[string]uint64{
		"KB": 1 << 10, "MB": 1 << 20, "GB": 1 << 30,
	} {
		if strings.HasSuffix(upper, suffix) {
			mult = m
			s = s[:len(s)-2]
			break
		}
	}
	n, err := strconv.ParseUint(s, 0, 64)
	return n * mult, err
}

// subopts splits "a=1,b,c=2" into key/value pairs.
func subopts(s string) map[string]string {
	m := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 {
			m[kv[0]] = kv[1]
		} else {
			m[kv[0]] = ""
		}
	}
	return m
}

func output() *os.File {
	if opts.Output == "" {
		return os.Stdout
	}
	f, err := os.Create(opts.Output)
	if err != nil {
		fatal(err)
	}
	return f
}

func tableWriter(f *os.File) elfview.InfoWriter {
	if opts.CSV {
		return elfview.NewCSVWriter(f)
	}
	return elfview.NewTableWriter(f)
}

func dump() {
	sub := subopts(opts.Dump)
	addrStr, haveAddr := sub["addr"]
	if !haveAddr {
		fatal("--dump needs addr=")
	}
	addr, err := str2addr(addrStr)
	if err != nil {
		fatal("bad addr:", err)
	}

	_, wantVMA := sub["vma"]
	_, wantDisasm := sub["disasm"]
	if wantVMA && wantDisasm {
		fatal("only vma or disasm")
	}

	var size uint64
	if s, ok := sub["size"]; ok {
		if size, err = str2size(s); err != nil {
			fatal("bad size:", err)
		}
	}

	f := output()
	defer f.Close()

	switch {
	case wantVMA:
		if opts.Output == "" {
			fatal("--dump vma needs an output file (-o)")
		}
		t, err := task.Open(opts.Pid, task.LoadVMAs)
		if err != nil {
			fatalErr(err)
		}
		defer t.Close()
		vma := t.FindVMA(addr)
		if vma == nil {
			fatal("no vma covers the given address, check --vmas")
		}
		err = elfview.ReadMem(opts.Pid, vma.Start, vma.End-vma.Start, f)
		if err != nil {
			fatalErr(err)
		}
	case wantDisasm:
		if size == 0 {
			fatal("--dump disasm needs addr= and size=")
		}
		if err := elfview.DisasmMem(opts.Pid, addr, size, f); err != nil {
			fatalErr(err)
		}
	default:
		if size == 0 {
			fatal("--dump needs addr= and size=")
		}
		if opts.Output == "" {
			fatal("--dump needs an output file (-o)")
		}
		if err := elfview.ReadMem(opts.Pid, addr, size, f); err != nil {
			fatalErr(err)
		}
	}
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
		fmt.Println("ultask", elfview.Version)
		os.Exit(0)
	}

	if opts.Verbose {
		elfview.SetLogger(log.New(os.Stderr, "ultask: ", 0))
	}

	if opts.Pid <= 0 {
		fatal("specify a pid with -p, --pid")
	}
	if !task.Exist(opts.Pid) {
		fatal("pid", opts.Pid, "does not exist")
	}

	acted := false
	act := func(f func()) {
		acted = true
		f()
	}

	if opts.Vmas {
		act(func() {
			f := output()
			defer f.Close()
			if err := elfview.WriteVMAs(opts.Pid, tableWriter(f)); err != nil {
				fatalErr(err)
			}
		})
	}
	if opts.Syms {
		act(func() {
			f := output()
			defer f.Close()
			if err := elfview.WriteSymbols(opts.Pid, tableWriter(f)); err != nil {
				fatalErr(err)
			}
		})
	}
	if opts.Threads || opts.Fds || opts.Auxv || opts.Status {
		act(printProc)
	}
	if opts.Dump != "" {
		act(dump)
	}
	if opts.Map != "" {
		act(func() {
			sub := subopts(opts.Map)
			file, ok := sub["file"]
			if !ok || file == "" {
				fatal("--map needs file=")
			}
			_, ro := sub["ro"]
			_, noexec := sub["noexec"]
			addr, err := elfview.MapFile(opts.Pid, file, ro, noexec)
			if err != nil {
				fatalErr(err)
			}
			fmt.Printf("%#x\n", addr)
		})
	}
	if opts.Unmap != "" {
		act(func() {
			addr, err := str2addr(opts.Unmap)
			if err != nil {
				fatal("bad --unmap address:", err)
			}
			if err := elfview.Unmap(opts.Pid, addr); err != nil {
				fatalErr(err)
			}
		})
	}
	if opts.Jmp != "" {
		act(func() {
			sub := subopts(opts.Jmp)
			from, err1 := str2addr(sub["from"])
			to, err2 := str2addr(sub["to"])
			if err1 != nil || err2 != nil {
				fatal("--jmp needs from= and to=")
			}
			if err := elfview.PokeJump(opts.Pid, from, to); err != nil {
				fatalErr(err)
			}
		})
	}

	if !acted {
		// with no action, print basic task information
		t, err := task.Open(opts.Pid, task.LoadVMAs)
		if err != nil {
			fatalErr(err)
		}
		defer t.Close()
		fmt.Printf("COMM: %s\nPID:  %d\nEXE:  %s\n", t.Comm(), t.Pid(), t.Exe())
	}
}

func printProc() {
	t, err := task.Open(opts.Pid, task.LoadVMAs)
	if err != nil {
		fatalErr(err)
	}
	defer t.Close()

	if opts.Threads {
		tids, err := t.Threads()
		if err != nil {
			fatalErr(err)
		}
		for _, tid := range tids {
			fmt.Println(tid)
		}
	}
	if opts.Fds {
		fds, err := t.FDs()
		if err != nil {
			fatalErr(err)
		}
		for fd, path := range fds {
			fmt.Printf("%d -> %s\n", fd, path)
		}
	}
	if opts.Auxv {
		auxv, err := t.Auxv()
		if err != nil {
			fatalErr(err)
		}
		for _, e := range auxv {
			fmt.Printf("%2d %#x\n", e.Type, e.Val)
		}
	}
	if opts.Status {
		status, err := t.Status()
		if err != nil {
			fatalErr(err)
		}
		fmt.Print(status)
	}
}
