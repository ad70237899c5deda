package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "block":
		return cmdBlock(args[1:], out, errOut)
	case "key":
		return cmdKey(args[1:], out, errOut)
	case "log":
		return cmdLog(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "peerlog: replicated log tooling")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  peerlog key init --name <name> [--seed-hex <64hex>] [--force] [--dir <dir>]")
	fmt.Fprintln(w, "  peerlog key derive --from <name> --role <role> [--force] [--dir <dir>]")
	fmt.Fprintln(w, "  peerlog key list [--dir <dir>]")
	fmt.Fprintln(w, "  peerlog key export --name <name> [--role <role>] [--dir <dir>]")
	fmt.Fprintln(w, "  peerlog block put --backend <name> [backend flags] <file>")
	fmt.Fprintln(w, "  peerlog block get --backend <name> [backend flags] --cid <cid> [--out <file>]")
	fmt.Fprintln(w, "  peerlog log snapshot --state <file> --log-id <id> --backend <name> [backend flags] --out <file>")
	fmt.Fprintln(w, "  peerlog log dump --log-id <id> [--payloads] <snapshot>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - keys live under ~/.peerlog/keys/<name> (0600 seed files) unless --dir is set")
	fmt.Fprintln(w, "  - --list-backends prints the block store backends linked into this binary")
	fmt.Fprintln(w, "  - snapshots are deterministic tar bundles of entry blocks plus head labels")
}
