package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"decentnet.org/podsign/internal/logging"
	"decentnet.org/podsign/storage"
	"decentnet.org/podsign/storage/casconfig"
	"decentnet.org/podsign/storage/casregistry"
	"decentnet.org/podsign/storage/grpccas"

	_ "decentnet.org/podsign/storage/ipfs"
	_ "decentnet.org/podsign/storage/leveldbcas"
	_ "decentnet.org/podsign/storage/localfs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("podsign-casd", flag.ContinueOnError)
	fs.SetOutput(errOut)
	listen := fs.String("listen", "127.0.0.1:7777", "listen address")
	backend := fs.String("backend", "localfs", "CAS backend name")
	configPath := fs.String("cas-config", "", "TOML backend list (overrides --backend)")
	metricsListen := fs.String("metrics-listen", "", "serve Prometheus metrics on this address")
	listBackends := fs.Bool("list-backends", false, "List supported backends and exit")
	logEnv := fs.String("log-env", "production", "logger environment: development or production")
	logPath := fs.String("log-path", "", "also write logs to this file")

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

	log, err := logging.New(logging.Config{Environment: *logEnv, Path: *logPath})
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	cas, closeFn, err := openBackend(*backend, *configPath)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if closeFn != nil {
		defer closeFn()
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer lis.Close()

	reg := prometheus.NewRegistry()
	s := newServer(cas, log, newRPCMetrics(reg))

	if *metricsListen != "" {
		ms := &http.Server{
			Addr:              *metricsListen,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener failed", zap.Error(err))
			}
		}()
		defer ms.Close()
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		s.GracefulStop()
	}()

	log.Info("podsign-casd listening", zap.String("addr", lis.Addr().String()), zap.String("backend", *backend), zap.String("config", *configPath))
	if err := s.Serve(lis); err != nil {
		log.Error("serve failed", zap.Error(err))
		return 1
	}
	return 0
}

func openBackend(name, configPath string) (storage.CAS, func() error, error) {
	if configPath == "" {
		return casregistry.Open(name, casregistry.UsageDaemon)
	}
	cfg, err := casconfig.LoadFile(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg.Open(casregistry.UsageDaemon, "")
}

func newServer(cas storage.CAS, log *zap.Logger, m *rpcMetrics) *grpc.Server {
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(m.interceptor, grpccas.LoggingInterceptor(log)))
	grpccas.RegisterBlobStoreServer(s, &grpccas.Server{CAS: cas})
	return s
}

type rpcMetrics struct {
	calls *prometheus.CounterVec
}

func newRPCMetrics(reg prometheus.Registerer) *rpcMetrics {
	m := &rpcMetrics{calls: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "podsign_casd_requests_total",
		Help: "Blob store RPCs by method and status code",
	}, []string{"method", "code"})}
	reg.MustRegister(m.calls)
	return m
}

func (m *rpcMetrics) interceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	m.calls.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
	return resp, err
}
