// Command eco32sim inspects SD cards and disk images through the SPI
// protocol engine and runs scripted page fault scenarios against the
// fault resolver.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"eco32/kernel/kfmt"
)

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: eco32sim <command> [options] [args]\n\nCommands:\n")
	fmt.Fprintf(w, "  sd     access an emulated or real SD card (info, read, write, partitions, mkpart)\n")
	fmt.Fprintf(w, "  fault  run Lua page fault scenarios\n")
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  eco32sim sd -image disk.img -create 65536 info\n")
	fmt.Fprintf(w, "  eco32sim sd -image disk.img -sector 1 read\n")
	fmt.Fprintf(w, "  eco32sim sd -bp /dev/ttyUSB0 partitions\n")
	fmt.Fprintf(w, "  eco32sim fault -j 4 scenarios/*.lua\n")
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	var err error
	switch args[0] {
	case "sd":
		err = runSD(args[1:], stdout)
	case "fault":
		err = runFault(args[1:], stdout)
	case "help", "-h", "-help", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "eco32sim: unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	default:
		fmt.Fprintf(stderr, "eco32sim: %v\n", err)
		return 1
	}
}

func main() {
	kfmt.SetOutputSink(os.Stderr)
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
