package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"xdao.co/peerlog/cidutil"
	"xdao.co/peerlog/storage"
	"xdao.co/peerlog/storage/casregistry"

	_ "xdao.co/peerlog/storage/badgercas"
	_ "xdao.co/peerlog/storage/grpccas"
	_ "xdao.co/peerlog/storage/ipfs"
	_ "xdao.co/peerlog/storage/localfs"
	_ "xdao.co/peerlog/storage/memcas"
)

type backendFlags struct {
	usage        casregistry.Usage
	backend      string
	listBackends bool
}

func (c *backendFlags) add(fs *flag.FlagSet, usage casregistry.Usage) {
	c.usage = usage
	fs.StringVar(&c.backend, "backend", "localfs", "Block store backend name")
	fs.BoolVar(&c.listBackends, "list-backends", false, "List supported backends and exit")
	casregistry.RegisterFlags(fs, usage)
}

func (c *backendFlags) open() (storage.CAS, func() error, error) {
	return casregistry.Open(c.backend, c.usage)
}

func (c *backendFlags) printBackends(w io.Writer) {
	for _, b := range casregistry.List(c.usage) {
		if b.Description == "" {
			_, _ = fmt.Fprintf(w, "%s\n", b.Name)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", b.Name, b.Description)
	}
}

func cmdBlock(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: peerlog block put|get [flags]")
		return 2
	}
	switch args[0] {
	case "put":
		return cmdBlockPut(args[1:], out, errOut)
	case "get":
		return cmdBlockGet(args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown block subcommand: %s\n", args[0])
		return 2
	}
}

func cmdBlockPut(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("block put", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var common backendFlags
	common.add(fs, casregistry.UsageCLI)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if common.listBackends {
		common.printBackends(out)
		return 0
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: peerlog block put [flags] <file>")
		return 2
	}

	cas, closeFn, err := common.open()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	if closeFn != nil {
		defer closeFn()
	}

	p := fs.Arg(0)
	b, err := os.ReadFile(p)
	if err != nil {
		fmt.Fprintf(errOut, "read %s: %v\n", filepath.Base(p), err)
		return 1
	}
	id, err := cas.Put(context.Background(), b)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	_, _ = fmt.Fprintln(out, id.String())
	return 0
}

func cmdBlockGet(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("block get", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var common backendFlags
	common.add(fs, casregistry.UsageCLI)

	var cidStr, outPath string
	fs.StringVar(&cidStr, "cid", "", "CID to fetch")
	fs.StringVar(&outPath, "out", "", "Output file (optional; default stdout)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if common.listBackends {
		common.printBackends(out)
		return 0
	}
	if cidStr == "" {
		fmt.Fprintln(errOut, "missing --cid")
		return 2
	}
	id, err := cidutil.Parse(cidStr)
	if err != nil {
		fmt.Fprintln(errOut, storage.ErrInvalidCID)
		return 2
	}

	cas, closeFn, err := common.open()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	if closeFn != nil {
		defer closeFn()
	}

	b, err := cas.Get(context.Background(), id)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	if outPath == "" {
		_, _ = out.Write(b)
		return 0
	}
	if err := os.WriteFile(outPath, b, 0o600); err != nil {
		fmt.Fprintf(errOut, "write %s: %v\n", outPath, err)
		return 1
	}
	return 0
}
