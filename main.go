package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/jamlee-dev/stratokvm/machine"
)

// diskFlags accumulates repeated -disk flags into machine.DiskConfig values.
type diskFlags []machine.DiskConfig

func (d *diskFlags) String() string {
	var parts []string
	for _, disk := range *d {
		parts = append(parts, disk.Path)
	}

	return strings.Join(parts, ",")
}

// Set parses one -disk flag value: path[,target=N][,lun=N][,readonly].
func (d *diskFlags) Set(v string) error {
	fields := strings.Split(v, ",")

	disk := machine.DiskConfig{Path: fields[0]}

	for _, f := range fields[1:] {
		switch {
		case f == "readonly":
			disk.ReadOnly = true
		case strings.HasPrefix(f, "target="):
			n, err := strconv.ParseUint(strings.TrimPrefix(f, "target="), 10, 8)
			if err != nil {
				return fmt.Errorf("invalid target in -disk %q: %w", v, err)
			}
			disk.Target = uint8(n)
		case strings.HasPrefix(f, "lun="):
			n, err := strconv.ParseUint(strings.TrimPrefix(f, "lun="), 10, 16)
			if err != nil {
				return fmt.Errorf("invalid lun in -disk %q: %w", v, err)
			}
			disk.LUN = uint16(n)
		default:
			return fmt.Errorf("unrecognized -disk option %q", f)
		}
	}

	*d = append(*d, disk)

	return nil
}

func main() {
	var (
		kernelPath = flag.String("kernel", "", "path to a bzImage kernel (required)")
		initrdPath = flag.String("initrd", "", "path to an initrd image")
		cmdline    = flag.String("cmdline", "console=ttyS0 reboot=t panic=-1", "kernel command line")
		memSize    = flag.Uint64("mem", 256<<20, "guest memory size in bytes")
		nCPUs      = flag.Int("cpus", 1, "number of vCPUs")
		disks      diskFlags
	)

	flag.Var(&disks, "disk", "attach a disk: path[,target=N][,lun=N][,readonly] (repeatable)")
	flag.Parse()

	if *kernelPath == "" {
		fmt.Fprintln(os.Stderr, "missing -kernel")
		os.Exit(1)
	}

	kern, err := os.Open(*kernelPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open kernel: %v\n", err)
		os.Exit(1)
	}
	defer kern.Close()

	var initrd *os.File
	if *initrdPath != "" {
		initrd, err = os.Open(*initrdPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open initrd: %v\n", err)
			os.Exit(1)
		}
		defer initrd.Close()
	}

	m, err := machine.Realize(machine.Config{
		NCPUs:        *nCPUs,
		MemSize:      *memSize,
		Kernel:       kern,
		Initrd:       initrd,
		Cmdline:      *cmdline,
		Disks:        disks,
		SerialOutput: os.Stdout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "realize machine: %v\n", err)
		os.Exit(1)
	}

	m.Run(false)

	var wg sync.WaitGroup

	for i := 0; i < *nCPUs; i++ {
		wg.Add(1)

		go func(cpu int) {
			defer wg.Done()

			fmt.Fprintf(os.Stderr, "starting vcpu %d\r\n", cpu)

			if err := m.RunInfiniteLoop(cpu); err != nil {
				fmt.Fprintf(os.Stderr, "vcpu %d: %v\r\n", cpu, err)
			}

			fmt.Fprintf(os.Stderr, "vcpu %d exited\r\n", cpu)
		}(i)
	}

	stdinFd := int(os.Stdin.Fd())

	if !term.IsTerminal(stdinFd) {
		fmt.Fprintln(os.Stderr, "stdin is not a terminal; guest console input is unavailable")
		wg.Wait()

		return
	}

	prevState, err := term.MakeRaw(stdinFd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "set raw mode: %v\n", err)
		os.Exit(1)
	}
	defer term.Restore(stdinFd, prevState)

	go func() {
		reader := bufio.NewReader(os.Stdin)
		var prev byte

		for {
			b, err := reader.ReadByte()
			if err != nil {
				return
			}

			// Ctrl-A x is this console's escape sequence to quit, mirroring
			// the convention serial consoles on other hypervisors use since
			// Ctrl-A otherwise collides with nothing a guest shell needs.
			if prev == 0x01 && b == 'x' {
				term.Restore(stdinFd, prevState)
				_ = m.Destroy()
				os.Exit(0)
			}
			prev = b

			m.GetInputChan() <- b
		}
	}()

	wg.Wait()
}
