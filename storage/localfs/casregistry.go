package localfs

import (
	"flag"
	"fmt"

	"xdao.co/peerlog/storage"
	"xdao.co/peerlog/storage/casregistry"
)

var (
	flagLocalDir string
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "localfs",
		Description: "Local filesystem CAS (directory)",
		Usage:       casregistry.UsageCLI | casregistry.UsageDaemon | casregistry.UsageNode,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&flagLocalDir, "localfs-dir", "", "LocalFS CAS directory (for --backend=localfs)")
		},
		Open: func() (storage.CAS, func() error, error) {
			return open(flagLocalDir)
		},
		OpenConfig: func(cfg map[string]string) (storage.CAS, func() error, error) {
			return open(cfg["localfs-dir"])
		},
	})
}

func open(dir string) (storage.CAS, func() error, error) {
	if dir == "" {
		return nil, nil, fmt.Errorf("missing --localfs-dir")
	}
	cas, err := New(dir)
	if err != nil {
		return nil, nil, err
	}
	return cas, nil, nil
}
