package ipfs

import (
	"flag"
	"os"

	"xdao.co/peerlog/storage"
	"xdao.co/peerlog/storage/casregistry"
)

var (
	flagBin      string
	flagRepoPath string
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "ipfs",
		Description: "Local Kubo repository via the ipfs CLI",
		Usage:       casregistry.UsageCLI | casregistry.UsageDaemon | casregistry.UsageNode,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&flagBin, "ipfs-bin", "ipfs", "Path to the ipfs binary (for --backend=ipfs)")
			fs.StringVar(&flagRepoPath, "ipfs-path", "", "IPFS_PATH override (for --backend=ipfs)")
		},
		Open: func() (storage.CAS, func() error, error) {
			return open(flagBin, flagRepoPath), nil, nil
		},
		OpenConfig: func(cfg map[string]string) (storage.CAS, func() error, error) {
			return open(cfg["ipfs-bin"], cfg["ipfs-path"]), nil, nil
		},
	})
}

func open(bin, repo string) storage.CAS {
	opts := Options{Bin: bin}
	if repo != "" {
		opts.Env = append(os.Environ(), "IPFS_PATH="+repo)
	}
	return New(opts)
}
