package main

import (
	"flag"
	"fmt"
	"io"
	"sort"

	"xdao.co/peerlog/keys"
)

func cmdKey(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printKeyUsage(errOut)
		return 2
	}
	switch args[0] {
	case "init":
		return cmdKeyInit(args[1:], out, errOut)
	case "derive":
		return cmdKeyDerive(args[1:], out, errOut)
	case "list":
		return cmdKeyList(args[1:], out, errOut)
	case "export":
		return cmdKeyExport(args[1:], out, errOut)
	case "help", "-h", "--help":
		printKeyUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown key subcommand: %s\n\n", args[0])
		printKeyUsage(errOut)
		return 2
	}
}

func printKeyUsage(w io.Writer) {
	fmt.Fprintln(w, "peerlog key: local signing and encryption identities")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  peerlog key init --name <name> [--seed-hex <64hex>] [--force]")
	fmt.Fprintln(w, "  peerlog key derive --from <name> --role <role> [--force]")
	fmt.Fprintln(w, "  peerlog key list")
	fmt.Fprintln(w, "  peerlog key export --name <name> [--role <role>]")
}

func openKeychain(dir string, errOut io.Writer) (*keys.FileKeychain, bool) {
	kc, err := keys.NewFileKeychain(dir)
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return nil, false
	}
	return kc, true
}

func cmdKeyInit(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key init", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var name, seedHex, dir string
	var force bool
	fs.StringVar(&name, "name", "", "Key name (directory under the key dir)")
	fs.StringVar(&seedHex, "seed-hex", "", "Optional ed25519 seed as 64 hex chars (for reproducible setups)")
	fs.BoolVar(&force, "force", false, "Overwrite existing key files")
	fs.StringVar(&dir, "dir", "", "Key directory (default ~/.peerlog/keys)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name == "" {
		fmt.Fprintln(errOut, "missing --name")
		return 2
	}
	if err := keys.CheckName(name); err != nil {
		fmt.Fprintf(errOut, "invalid --name: %v\n", err)
		return 2
	}
	var seed []byte
	if seedHex != "" {
		var err error
		seed, err = keys.ParseSeedHex(seedHex)
		if err != nil {
			fmt.Fprintf(errOut, "invalid --seed-hex: %v\n", err)
			return 2
		}
	}
	kc, ok := openKeychain(dir, errOut)
	if !ok {
		return 1
	}
	pub, err := kc.Init(name, seed, force)
	if err != nil {
		fmt.Fprintf(errOut, "write key: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Created root key: %s\n", pub)
	return 0
}

func cmdKeyDerive(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key derive", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var from, role, dir string
	var force bool
	fs.StringVar(&from, "from", "", "Root key name")
	fs.StringVar(&role, "role", "", "Role identifier (e.g. writer, replica)")
	fs.BoolVar(&force, "force", false, "Overwrite existing key files")
	fs.StringVar(&dir, "dir", "", "Key directory (default ~/.peerlog/keys)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if from == "" {
		fmt.Fprintln(errOut, "missing --from")
		return 2
	}
	if role == "" {
		fmt.Fprintln(errOut, "missing --role")
		return 2
	}
	if err := keys.CheckName(role); err != nil {
		fmt.Fprintf(errOut, "invalid --role: %v\n", err)
		return 2
	}
	kc, ok := openKeychain(dir, errOut)
	if !ok {
		return 1
	}
	pub, err := kc.DeriveRole(from, role, force)
	if err != nil {
		fmt.Fprintf(errOut, "derive role key: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Created role key: %s\n", pub)
	return 0
}

func cmdKeyExport(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key export", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var name, role, dir string
	fs.StringVar(&name, "name", "", "Key name")
	fs.StringVar(&role, "role", "", "Optional role (if set, exports the derived role key)")
	fs.StringVar(&dir, "dir", "", "Key directory (default ~/.peerlog/keys)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name == "" {
		fmt.Fprintln(errOut, "missing --name")
		return 2
	}
	kc, ok := openKeychain(dir, errOut)
	if !ok {
		return 1
	}
	signer, err := kc.Signer(name, role)
	if err != nil {
		fmt.Fprintf(errOut, "export key: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(out, signer.PublicKey())
	return 0
}

func cmdKeyList(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key list", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var dir string
	fs.StringVar(&dir, "dir", "", "Key directory (default ~/.peerlog/keys)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	kc, ok := openKeychain(dir, errOut)
	if !ok {
		return 1
	}
	ids, err := kc.Identities()
	if err != nil {
		fmt.Fprintf(errOut, "list keys: %v\n", err)
		return 1
	}
	names := make([]string, 0, len(ids))
	for id := range ids {
		names = append(names, id)
	}
	sort.Strings(names)
	for _, id := range names {
		fmt.Fprintf(out, "%s\n", id)
		for _, r := range ids[id] {
			fmt.Fprintf(out, "  - %s\n", r)
		}
	}
	return 0
}
