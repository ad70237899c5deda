package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"

	"xdao.co/peerlog/logger"
	"xdao.co/peerlog/storage/casregistry"
	"xdao.co/peerlog/storage/grpccas"

	_ "xdao.co/peerlog/storage/badgercas"
	_ "xdao.co/peerlog/storage/ipfs"
	_ "xdao.co/peerlog/storage/localfs"
	_ "xdao.co/peerlog/storage/memcas"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("peerlog-blockd", flag.ContinueOnError)
	fs.SetOutput(errOut)
	listen := fs.String("listen", "127.0.0.1:7777", "listen address")
	backend := fs.String("backend", "localfs", "block store backend name")
	listBackends := fs.Bool("list-backends", false, "List supported backends and exit")
	logFormat := fs.String("log-format", "auto", "Log format: auto|console|json")
	logLevel := zapcore.InfoLevel
	fs.Var(&logLevel, "log-level", "Minimum log level")

	casregistry.RegisterFlags(fs, casregistry.UsageDaemon)

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *listBackends {
		for _, b := range casregistry.List(casregistry.UsageDaemon) {
			if b.Description == "" {
				_, _ = fmt.Fprintf(out, "%s\n", b.Name)
				continue
			}
			_, _ = fmt.Fprintf(out, "%s\t%s\n", b.Name, b.Description)
		}
		return 0
	}

	logCfg := logger.NewConfig()
	logCfg.Format = *logFormat
	logCfg.Level = logLevel
	log, err := logCfg.New(errOut)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("backend", *backend))

	cas, closeFn, err := casregistry.Open(*backend, casregistry.UsageDaemon)
	if err != nil {
		log.Error("Failed to open block store", zap.Error(err))
		return 2
	}
	if closeFn != nil {
		defer func() {
			if err := closeFn(); err != nil {
				log.Warn("Failed to close block store", zap.Error(err))
			}
		}()
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Error("Failed to listen", zap.String("addr", *listen), zap.Error(err))
		return 1
	}
	defer lis.Close()

	s := grpc.NewServer()
	grpccas.RegisterCASServer(s, &grpccas.Server{CAS: cas, Logger: log})

	go func() {
		<-ctx.Done()
		log.Info("Shutting down")
		s.GracefulStop()
	}()

	log.Info("Serving blocks", zap.Stringer("addr", lis.Addr()))
	if err := s.Serve(lis); err != nil {
		log.Error("Server stopped", zap.Error(err))
		return 1
	}
	return 0
}
