package badgercas

import (
	"flag"
	"fmt"
	"strconv"

	"xdao.co/peerlog/storage"
	"xdao.co/peerlog/storage/casregistry"
)

var (
	flagDir        string
	flagSyncWrites bool
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "badger",
		Description: "Embedded BadgerDB CAS (directory)",
		Usage:       casregistry.UsageDaemon | casregistry.UsageNode,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&flagDir, "badger-dir", "", "BadgerDB directory (for --backend=badger)")
			fs.BoolVar(&flagSyncWrites, "badger-sync-writes", true, "fsync every write (for --backend=badger)")
		},
		Open: func() (storage.CAS, func() error, error) {
			return open(flagDir, flagSyncWrites)
		},
		OpenConfig: func(cfg map[string]string) (storage.CAS, func() error, error) {
			sync := true
			if v, ok := cfg["badger-sync-writes"]; ok {
				b, err := strconv.ParseBool(v)
				if err != nil {
					return nil, nil, fmt.Errorf("badger-sync-writes: %w", err)
				}
				sync = b
			}
			return open(cfg["badger-dir"], sync)
		},
	})
}

func open(dir string, syncWrites bool) (storage.CAS, func() error, error) {
	if dir == "" {
		return nil, nil, fmt.Errorf("missing --badger-dir")
	}
	cfg := DefaultConfig(dir)
	cfg.SyncWrites = syncWrites
	cas, err := Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cas, cas.Close, nil
}
