package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dr0pdb/icecanetm/internal/workload"
	pcommon "github.com/dr0pdb/icecanetm/pkg/common"
	"github.com/dr0pdb/icecanetm/pkg/dtc"
	"github.com/dr0pdb/icecanetm/pkg/resource/boltrm"
	"github.com/dr0pdb/icecanetm/pkg/telemetry"
	"github.com/dr0pdb/icecanetm/pkg/txn"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

var (
	configPath = flag.String("config", "", "path of the yaml config file")
	logLevel   = flag.String("loglevel", "info", "the level of log")
	logJSON    = flag.Bool("logjson", false, "log in json")
	dataDir    = flag.String("dir", "", "directory of the durable ledgers, none when empty")
	ledgers    = flag.Int("ledgers", 2, "number of durable ledgers")
	workers    = flag.Int("workers", 4, "number of concurrent workers")
	accounts   = flag.Int("accounts", 16, "number of accounts")
	transfers  = flag.Int("transfers", 0, "transfers per worker, 0 runs until interrupted")
	duration   = flag.Duration("duration", 0, "stop after this long, 0 runs until interrupted")
)

const serviceName = "icecanetm"

func main() {
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.SetLevel(level)
	if *logJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}

	conf := pcommon.NewDefaultTMConfig()
	if *configPath != "" {
		if err := conf.LoadFromFile(*configPath); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if err := conf.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	if err := run(conf); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(conf *pcommon.TMConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	tel, shutdown, err := telemetry.New(telemetry.Config{
		Enabled:     conf.MetricsPort != 0,
		ServiceName: serviceName,
		MetricsPort: conf.MetricsPort,
	})
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	c := dtc.NewCoordinator()
	tm, err := txn.NewTransactionManager(conf, txn.WithCoordinator(c), txn.WithMeter(tel.Meter))
	if err != nil {
		return err
	}
	defer tm.Close()

	var rms []*boltrm.Manager
	if *dataDir != "" {
		for i := 0; i < *ledgers; i++ {
			m, err := boltrm.Open(filepath.Join(*dataDir, fmt.Sprintf("ledger%d", i)), boltrm.Options{SyncWrites: true})
			if err != nil {
				return err
			}
			defer m.Close()
			prepared, err := m.Recover()
			if err != nil {
				return err
			}
			if len(prepared) > 0 {
				// the coordinator of a previous run is gone, so nothing can tell these outcomes
				log.WithFields(log.Fields{"rmID": m.ID(), "prepared": len(prepared)}).Warn("icecanetm::main::run; ledger has unresolved prepared transactions")
			}
			rms = append(rms, m)
		}
	}

	bank := workload.NewBank(tm, workload.Config{
		Accounts:       *accounts,
		InitialBalance: 1000,
		Workers:        *workers,
		Transfers:      *transfers,
		Timeout:        conf.DefaultTimeout.Std(),
	}, rms...)
	if err := bank.Seed(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tel.ListenAndServe(gctx)
	})
	g.Go(func() error {
		return serveHealth(gctx, conf.GrpcPort)
	})
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				log.WithFields(log.Fields{"stats": bank.Stats().String(), "pending": tm.Pending(), "promoted": c.Active()}).Info("icecanetm::main::run; progress")
			}
		}
	})
	g.Go(func() error {
		_, err := bank.Run(gctx)
		if err == nil && *transfers > 0 {
			stop()
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}

	total, err := bank.Total()
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"stats": bank.Stats().String(), "total": total}).Info("icecanetm::main::run; done")
	return nil
}

// serveHealth runs the grpc health service until ctx is done.
func serveHealth(ctx context.Context, port int) error {
	if port == 0 {
		<-ctx.Done()
		return nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return serveHealthOn(ctx, listener)
}

func serveHealthOn(ctx context.Context, listener net.Listener) error {
	grpcServer := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)
	reflection.Register(grpcServer)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		grpcServer.GracefulStop()
	}()

	log.WithFields(log.Fields{"addr": listener.Addr().String()}).Info("icecanetm::main::serveHealth; serving grpc health")
	return grpcServer.Serve(listener)
}
