package main

import (
	"context"
	"flag"
	"log"
	"strings"
	"sync"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"omes/internal/api"
	"omes/internal/clock"
	"omes/internal/core"
	"omes/internal/obs"
	"omes/internal/og"
	"omes/internal/ops"
	"omes/internal/order"
	"omes/internal/schema"
	"omes/internal/state"
	"omes/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config")
	envFiles := flag.String("env", "", "Comma separated .env files (default: ./.env if present)")
	snapshotOut := flag.String("snapshot-out", "", "Position snapshot written on exit (default: positions.snapshot_path)")
	pyroscopeAddr := flag.String("pyroscope-addr", "", "Pyroscope server address (overrides profiling.server_address)")
	flag.Parse()

	loaded, err := ops.Load(*configPath, splitList(*envFiles)...)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if *pyroscopeAddr != "" {
		loaded.File.Profiling.ServerAddress = *pyroscopeAddr
	}
	if *snapshotOut == "" {
		*snapshotOut = loaded.File.Positions.SnapshotPath
	}

	if addr := loaded.File.Profiling.ServerAddress; addr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: loaded.File.Profiling.ApplicationName,
			ServerAddress:   addr,
			Tags: map[string]string{
				"session": loaded.File.Gateway.Session,
			},
			Logger: profilerLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, loaded, *snapshotOut); err != nil {
		log.Fatalf("omes failed: %v", err)
	}
}

func run(ctx context.Context, loaded ops.Loaded, snapshotOut string) error {
	var db *store.Client
	if loaded.File.Postgres.Enabled {
		client, err := store.Open(loaded.File.Postgres, loaded.File.Gateway.Session, &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
		if err != nil {
			return err
		}
		db = client
		defer func() {
			if err := db.Close(); err != nil {
				logs.Errorf("close database, err: %+v", err)
			}
		}()
	}

	recoverCfg := state.RecoverConfig{
		Positions:    loaded.File.Positions.Existing,
		SnapshotPath: loaded.File.Positions.SnapshotPath,
	}
	if loaded.File.Positions.FromDatabase {
		if db == nil {
			return errors.New("positions.from_database needs postgres.enabled")
		}
		recoverCfg.Source = db
	}
	if db != nil {
		recoverCfg.Sids = db
	}
	recovered, err := state.RecoverPositions(ctx, recoverCfg)
	if err != nil {
		return errors.Wrap(err, "recover positions")
	}

	coreCfg := loaded.CoreConfig(recovered.Positions)
	coreCfg.LatestOrdSid = recovered.LatestOrdSid
	coreCfg.LatestTradeSid = recovered.LatestTradeSid

	clk := clock.System{}
	gw := og.NewGateway(loaded.GatewayConfig(), nil, clk)
	svc, err := core.New(coreCfg, loaded.Registry, gw, clk, obs.NewMetrics())
	if err != nil {
		return errors.Wrap(err, "create service")
	}
	gw.SetSink(svc)

	positions := state.NewPositionReducer(recovered.Positions)
	if err := subscribe(svc, "positions", positions); err != nil {
		return err
	}

	var (
		recorder   *store.Recorder
		recorderWg sync.WaitGroup
	)
	if db != nil {
		recorder, err = store.NewRecorder(db, loaded.File.Postgres.QueueSize)
		if err != nil {
			return err
		}
		recorderWg.Add(1)
		go func() {
			defer recorderWg.Done()
			recorder.Run(context.Background())
		}()
		if err := subscribe(svc, "postgres", recorder); err != nil {
			return err
		}
	}

	if err := svc.Start(ctx); err != nil {
		return errors.Wrap(err, "start service")
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.Run(runCtx); err != nil {
			logs.Errorf("service loop, err: %+v", err)
		}
	}()

	if loaded.File.API.Addr != "" {
		server := api.NewServer(svc, loaded.Registry, loaded.File.API)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.ListenAndServe(ctx); err != nil {
				logs.Errorf("api server, err: %+v", err)
			}
		}()
	}

	<-ctx.Done()
	stopRun()
	wg.Wait()

	if recorder != nil {
		recorder.Close()
		recorderWg.Wait()
		logs.Infof("recorder stopped, dropped: %d, failed: %d", recorder.Dropped(), recorder.Failed())
	}

	return saveSnapshot(db, positions, svc.View(), snapshotOut)
}

// subscribe registers sub for order updates. The request is handled by the
// first Poll inside Start. Warmup round trips are never published to it.
func subscribe(svc *core.Service, key string, sub order.Subscriber) error {
	return svc.Submit(core.Request{
		Type:          core.RequestSubscribe,
		SubscriberKey: key,
		Subscriber:    sub,
		Owner: order.OwnerFunc(func(c order.Completion) {
			if c.Type != schema.CompletionOK {
				logs.Errorf("subscribe %s, completion: %s, reason: %s", key, c.Type, c.Reason)
			}
		}),
	})
}

func saveSnapshot(db *store.Client, positions *state.PositionReducer, view core.View, path string) error {
	snap := positions.SnapshotWithMeta(view.LatestOrdSid, view.LatestTradeSid)
	if path != "" {
		if err := state.WriteSnapshot(path, snap); err != nil {
			return errors.Wrap(err, "write position snapshot")
		}
		logs.Infof("position snapshot written, path: %s, securities: %d", path, len(snap.Positions))
	}
	if db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.SavePositions(ctx, snap.PositionMap()); err != nil {
			return err
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type profilerLogger struct{}

func (profilerLogger) Infof(_ string, _ ...interface{})  {}
func (profilerLogger) Debugf(_ string, _ ...interface{}) {}
func (profilerLogger) Errorf(format string, args ...interface{}) {
	logs.Errorf("pyroscope: "+format, args...)
}
