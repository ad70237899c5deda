package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"xdao.co/peerlog/entry"
	"xdao.co/peerlog/oplog"
	"xdao.co/peerlog/state"
	"xdao.co/peerlog/storage/casregistry"
	"xdao.co/peerlog/storage/memcas"
)

func cmdLog(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: peerlog log snapshot|dump [flags]")
		return 2
	}
	switch args[0] {
	case "snapshot":
		return cmdLogSnapshot(args[1:], out, errOut)
	case "dump":
		return cmdLogDump(args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown log subcommand: %s\n", args[0])
		return 2
	}
}

// cmdLogSnapshot exports the log a node persisted in its state file and
// block store. The node must not be running: the state file is locked.
func cmdLogSnapshot(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("log snapshot", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var common backendFlags
	common.add(fs, casregistry.UsageNode)

	var statePath, logID, outPath string
	fs.StringVar(&statePath, "state", "", "Node state file (bbolt)")
	fs.StringVar(&logID, "log-id", "", "Log to export")
	fs.StringVar(&outPath, "out", "", "Snapshot file to write")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if common.listBackends {
		common.printBackends(out)
		return 0
	}
	if statePath == "" || logID == "" || outPath == "" {
		fmt.Fprintln(errOut, "usage: peerlog log snapshot --state <file> --log-id <id> --backend <name> [backend flags] --out <file>")
		return 2
	}

	ctx := context.Background()
	db, err := state.Open(statePath, nil)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer db.Close()

	cas, closeFn, err := common.open()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	if closeFn != nil {
		defer closeFn()
	}

	l, err := oplog.Open(ctx, cas, oplog.Options{ID: logID, Heads: db})
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer l.Close(ctx)

	f, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		fmt.Fprintf(errOut, "create %s: %v\n", outPath, err)
		return 1
	}
	if err := l.Snapshot(ctx, f); err != nil {
		_ = f.Close()
		fmt.Fprintf(errOut, "snapshot: %v\n", err)
		return 1
	}
	if err := f.Close(); err != nil {
		fmt.Fprintf(errOut, "write %s: %v\n", outPath, err)
		return 1
	}
	fmt.Fprintf(out, "Wrote %d entries (%s) with %d heads\n",
		l.Len(), humanize.Bytes(uint64(l.ByteLength())), len(l.HeadHashes()))
	if missing := l.Missing(); len(missing) > 0 {
		fmt.Fprintf(errOut, "warning: %d ancestors were not in the block store\n", len(missing))
	}
	return 0
}

func cmdLogDump(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("log dump", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var logID, keyDir string
	var payloads bool
	fs.StringVar(&logID, "log-id", "", "Log the snapshot belongs to")
	fs.StringVar(&keyDir, "key-dir", "", "Key directory used to open sealed payloads")
	fs.BoolVar(&payloads, "payloads", false, "Print payloads")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if logID == "" || fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: peerlog log dump --log-id <id> [--payloads] [--key-dir <dir>] <snapshot>")
		return 2
	}

	opts := oplog.Options{ID: logID}
	if keyDir != "" {
		kc, ok := openKeychain(keyDir, errOut)
		if !ok {
			return 1
		}
		opts.Keychain = kc
	}

	ctx := context.Background()
	l, err := oplog.Open(ctx, memcas.New(), opts)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer l.Close(ctx)

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer f.Close()
	if _, err := l.Restore(ctx, f); err != nil {
		fmt.Fprintf(errOut, "restore: %v\n", err)
		return 1
	}

	heads := make(map[string]bool)
	for _, h := range l.HeadHashes() {
		heads[h.String()] = true
	}
	for _, e := range l.Values() {
		mark := " "
		if heads[e.Hash().String()] {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %s\t%d\t%s\t%s\t%s\n", mark, e.Hash(), e.Meta.Clock.Time,
			e.Meta.GID, e.Meta.Type, humanize.Bytes(uint64(e.Size())))
		if !payloads {
			continue
		}
		p, err := l.Payload(e)
		switch {
		case entry.IsAccess(err):
			fmt.Fprintln(out, "    <sealed>")
		case err != nil:
			fmt.Fprintf(out, "    <error: %v>\n", err)
		default:
			fmt.Fprintf(out, "    %q\n", p)
		}
	}
	fmt.Fprintf(errOut, "%d entries, %d heads\n", l.Len(), len(heads))
	return 0
}
