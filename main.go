package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"msgsync/config"
	"msgsync/crypto"
	"msgsync/discovery"
	"msgsync/logging"
	"msgsync/network"
	"msgsync/scheduler"
	"msgsync/storage"
	"msgsync/syncmsg"
	"msgsync/tracker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "msgsync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("startup failed while loading config: %w", err)
	}

	logger, err := logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("startup failed while configuring logging: %w", err)
	}

	dataDir := filepath.Dir(cfgPath)
	keys, err := crypto.LoadOrCreateIdentity(dataDir)
	if err != nil {
		return fmt.Errorf("startup failed while preparing device key: %w", err)
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("startup failed while opening database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("database close error", "error", err)
		}
	}()
	store.SetLogger(logger)
	store.SetDispatchLogRetention(cfg.DispatchLogRetention)

	directory := discovery.NewDirectory(store, cfg.AccountAddress, logger)
	identity := network.LocalIdentity{DeviceID: cfg.DeviceID, Keys: keys}

	client, err := network.NewClient(identity, directory,
		network.WithConnectionTimeout(cfg.DispatchTimeout),
		network.WithClientLogger(logger))
	if err != nil {
		return fmt.Errorf("startup failed while creating sync client: %w", err)
	}

	dispatcher, err := syncmsg.NewDispatcher(
		syncmsg.DispatcherConfig{
			LocalDeviceID: cfg.DeviceID,
			Workers:       cfg.DispatchWorkers,
			SendTimeout:   cfg.DispatchTimeout,
		},
		directory,
		client,
		syncmsg.WithRecallChecker(tracker.NewRecallChecker(store)),
		syncmsg.WithRecorder(syncmsg.NewDispatchLog(store)),
		syncmsg.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("startup failed while creating dispatcher: %w", err)
	}
	dispatcher.Start()
	defer dispatcher.Stop()

	tr := tracker.New(dispatcher, tracker.WithLogger(logger))

	listener, err := network.Listen(cfg.ListenAddress(), network.ListenerOptions{
		LocalDeviceID: cfg.DeviceID,
		Keys:          directory,
		Handler:       linkedSyncHandler(store, tr),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("startup failed while starting sync listener: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()
	go logListenerErrors(logger, listener.Errors())

	jobs, err := scheduler.New(scheduler.Config{
		SweepInterval:        cfg.SweepInterval,
		PruneInterval:        cfg.PruneInterval,
		DedupeRetention:      cfg.DedupeRetention,
		DispatchLogRetention: cfg.DispatchLogRetention,
	}, store, tr, scheduler.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("startup failed while creating scheduler: %w", err)
	}
	jobs.Start()
	defer func() {
		if err := jobs.Stop(); err != nil {
			logger.Error("scheduler shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	announcer, err := discovery.NewAnnouncer(discovery.Config{
		Service:        cfg.ServiceName,
		DeviceID:       cfg.DeviceID,
		DeviceName:     cfg.DeviceName,
		AccountAddress: cfg.AccountAddress,
		Port:           listener.Port(),
		PublicKey:      keys.EncodedPublicKey(),
		Logger:         logger,
	})
	if err != nil {
		logger.Warn("discovery startup failed, linked devices limited to stored entries", "error", err)
	} else {
		defer announcer.Close()
		scanDone := make(chan struct{})
		go func() {
			defer close(scanDone)
			announcer.Run(ctx, directory.Observe)
		}()
		defer func() { <-scanDone }()
	}

	logger.Info("msgsync running",
		"device_id", cfg.DeviceID,
		"device_name", cfg.DeviceName,
		"account", cfg.AccountAddress,
		"port", listener.Port(),
		"fingerprint", keys.Fingerprint(),
		"config", cfgPath,
		"database", dbPath)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// linkedSyncHandler applies receipt batches from linked devices in one
// write transaction per frame.
func linkedSyncHandler(store *storage.Store, tr *tracker.Tracker) network.Handler {
	return func(ctx context.Context, fromDeviceID string, payload *syncmsg.Payload) (bool, error) {
		applied := 0
		err := store.Update(ctx, func(tx *storage.Tx) error {
			n, err := tr.ApplyLinkedSync(tx, payload)
			applied = n
			return err
		})
		if err != nil {
			return false, fmt.Errorf("apply sync from %s: %w", fromDeviceID, err)
		}
		return applied == 0, nil
	}
}

func logListenerErrors(logger *slog.Logger, errs <-chan error) {
	for err := range errs {
		logger.Debug("sync listener error", "error", err)
	}
}
