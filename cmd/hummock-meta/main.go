// Command hummock-meta runs the storage meta service: version
// management, compaction scheduling, vacuum and the embedded compactor
// workers, all behind one HTTP endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/singularity-data/hummock/internal/config"
	"github.com/singularity-data/hummock/internal/server"
	"github.com/singularity-data/hummock/pkg/compactor"
	"github.com/singularity-data/hummock/pkg/metrics"
	"github.com/singularity-data/hummock/pkg/vacuum"
	"github.com/singularity-data/hummock/pkg/versionmgr"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	workerCount := flag.Int("workers", 2, "embedded compactor workers")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := initLogger(&cfg)

	store, err := initMetaStore(&cfg)
	if err != nil {
		log.Error("init metastore", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	obj, err := initObjStore(ctx, &cfg)
	if err != nil {
		log.Error("init objstore", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	mgr := versionmgr.New(store, cfg.CompactionSettings(), log, m)
	if err := mgr.CreateGroup(ctx, cfg.Storage.DefaultGroup); err != nil && !errors.Is(err, versionmgr.ErrGroupExists) {
		log.Error("create default group", "error", err)
		os.Exit(1)
	}

	registry := compactor.NewRegistry()
	vac := vacuum.NewTrigger(mgr, registry, cfg.VacuumSettings(), m, log)
	dispatcher := compactor.NewDispatcher(mgr, registry, cfg.Compaction.DispatchInterval, log)
	mgr.OnCompactionNeeded(dispatcher.Notify)

	exec := compactor.NewExecutor(obj, mgr, cfg.ObjStore.DataDir, cfg.Compaction.MaxLevel, log)
	var wg sync.WaitGroup
	for i := 0; i < *workerCount; i++ {
		handle := registry.Register(uuid.NewString())
		worker := compactor.NewWorker(handle, exec, mgr, vac, obj, cfg.ObjStore.DataDir, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		vac.Start(ctx)
	}()

	srv := server.New(mgr, vac, registry, reg, server.Options{
		Port:              cfg.Server.Port,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	}, log)
	if err := srv.Start(); err != nil {
		log.Error("start server", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info("shutting down")
	if err := srv.Stop(); err != nil {
		log.Error("stop server", "error", err)
	}
	wg.Wait()
	log.Info("bye")
}
