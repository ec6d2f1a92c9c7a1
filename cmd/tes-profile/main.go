package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"tes-profile-go/internal/config"
	"tes-profile-go/internal/epics"
	"tes-profile-go/internal/logger"
	"tes-profile-go/internal/persist"
	"tes-profile-go/internal/runengine"
	"tes-profile-go/internal/server"
	"tes-profile-go/internal/tracing"
)

// runOptions carries the command-line switches that are not part of the
// application config.
type runOptions struct {
	count  int
	serve  bool
	warmup bool
}

func main() {
	flags := config.NewFlags(flag.CommandLine)
	var opts runOptions
	flag.IntVar(&opts.count, "count", 0, "Run a count plan with this many points, then exit unless -serve is set")
	flag.BoolVar(&opts.serve, "serve", true, "Serve the operator API")
	flag.BoolVar(&opts.warmup, "warmup", true, "Prime HDF5 plugins that have not seen a frame")
	flag.Parse()

	var envFiles []string
	if flags.EnvFile != "" {
		envFiles = append(envFiles, flags.EnvFile)
	}
	cfg, err := config.Load(flags.ConfigPath, envFiles...)
	fatalOnErr(err, "load config")
	flags.Apply(&cfg)
	fatalOnErr(cfg.Validate(), "invalid config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, opts, log)
	stop()
	_ = log.Sync()
	fatalOnErr(err, "tes-profile")
}

// run returns only after every deferred close has run, so the metadata
// store is flushed even when startup fails part way.
func run(ctx context.Context, cfg config.AppConfig, opts runOptions, log *zap.Logger) error {
	if cfg.TracingEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
	}

	codec, err := persist.CodecByName(cfg.MetadataCodec)
	if err != nil {
		return fmt.Errorf("metadata codec: %w", err)
	}
	re, err := runengine.Boot(runengine.Config{
		MetadataDir:  cfg.MetadataDir,
		Beamline:     cfg.Beamline,
		Codec:        codec,
		WriteThrough: cfg.MetadataWriteThrough,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("boot run engine: %w", err)
	}
	defer func() {
		if err := re.Close(); err != nil {
			log.Error("metadata flush failed", zap.Error(err))
		}
	}()

	devs, err := buildDevices(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("build devices: %w", err)
	}
	defer devs.Close()

	if opts.warmup && devs.picam != nil {
		if err := warmupPICam(ctx, devs, log); err != nil {
			log.Error("hdf5 warmup failed", zap.Error(err))
		}
	}

	consumers, err := buildSinks(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("build document sinks: %w", err)
	}
	defer consumers.Close()
	for _, s := range consumers.all {
		re.Subscribe(s)
	}

	var statusMu sync.Mutex
	pvStatus := map[string]string{}
	if devs.client != nil {
		go epics.Poll(ctx, devs.client, devs.picam.StatusPVs(), cfg.StatusInterval, func(update map[string]string) {
			statusMu.Lock()
			pvStatus = update
			statusMu.Unlock()
		})
	}
	statusFn := func() map[string]any {
		statusMu.Lock()
		pvs := make(map[string]string, len(pvStatus))
		for k, v := range pvStatus {
			pvs[k] = v
		}
		statusMu.Unlock()
		return map[string]any{
			"beamline": cfg.Beamline,
			"debug":    cfg.Debug,
			"running":  re.Running(),
			"last_run": re.LastRun(),
			"devices":  devs.States(),
			"pvs":      pvs,
		}
	}

	countFn := func(ctx context.Context, req server.CountRequest) (string, error) {
		return re.Count(ctx, devs.list, req.Num, req.MD)
	}

	if opts.count > 0 {
		uid, err := countFn(ctx, server.CountRequest{Num: opts.count})
		if err != nil {
			log.Error("count failed", zap.String("uid", uid), zap.Error(err))
		} else {
			fmt.Println(uid)
		}
	}
	if !opts.serve {
		return nil
	}

	srv := server.New(server.Options{
		Config:   cfg,
		Metadata: re.MD,
		StatusFn: statusFn,
		CountFn:  countFn,
		Logger:   log,
	})
	re.Subscribe(srv)

	log.Info("tes-profile started", zap.Int("port", cfg.Port), zap.Bool("debug", cfg.Debug))
	if err := srv.Run(ctx); err != nil {
		log.Error("http server failed", zap.Error(err))
	}
	log.Info("tes-profile stopped")
	return nil
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
		os.Exit(1)
	}
}
