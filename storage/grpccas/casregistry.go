package grpccas

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"xdao.co/peerlog/storage"
	"xdao.co/peerlog/storage/casregistry"
)

var (
	flagTarget      string
	flagDialTimeout time.Duration
	flagTimeout     time.Duration
	flagMaxMsgBytes int
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "grpc",
		Description: "gRPC block client (talks to a block daemon, e.g. peerlog-blockd)",
		Usage:       casregistry.UsageCLI | casregistry.UsageNode,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&flagTarget, "grpc-target", "", "gRPC target host:port (for --backend=grpc)")
			fs.DurationVar(&flagDialTimeout, "grpc-dial-timeout", 5*time.Second, "Dial timeout (for --backend=grpc)")
			fs.DurationVar(&flagTimeout, "grpc-timeout", 0, "Per-RPC timeout (for --backend=grpc)")
			fs.IntVar(&flagMaxMsgBytes, "grpc-max-msg-bytes", 0, "Max gRPC message size in bytes (send+recv); 0 uses grpc defaults")
		},
		Open: func() (storage.CAS, func() error, error) {
			return open(flagTarget, flagDialTimeout, flagTimeout, flagMaxMsgBytes)
		},
		OpenConfig: func(cfg map[string]string) (storage.CAS, func() error, error) {
			var timeout time.Duration
			if v := cfg["grpc-timeout"]; v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return nil, nil, fmt.Errorf("grpc-timeout: %w", err)
				}
				timeout = d
			}
			return open(cfg["grpc-target"], 5*time.Second, timeout, 0)
		},
	})
}

func open(target string, dialTimeout, timeout time.Duration, maxMsg int) (storage.CAS, func() error, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, nil, fmt.Errorf("missing --grpc-target")
	}
	client, err := Dial(target, DialOptions{Timeout: dialTimeout, MaxMsgBytes: maxMsg})
	if err != nil {
		return nil, nil, err
	}
	client.Timeout = timeout
	return client, client.Close, nil
}
