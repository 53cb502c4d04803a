package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ordersync/internal/admin"
	"ordersync/internal/config"
	"ordersync/internal/consumer"
	"ordersync/internal/deadletter"
	"ordersync/internal/metrics"
	"ordersync/internal/model"
	"ordersync/internal/obs"
	"ordersync/internal/orderstore"
	"ordersync/internal/replica"
	"ordersync/internal/resync"
	"ordersync/internal/service"
	"ordersync/internal/snapshot"
	"ordersync/internal/validation"
)

func main() {
	cfg, err := config.ParseEnv()
	if err != nil {
		log.Fatalf("ordersync: %v", err)
	}
	readFlags(&cfg)
	lg := obs.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(lg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("ordersync failed", "err", err)
		os.Exit(1)
	}
}

// readFlags lets flags override the environment; env values are the flag defaults.
func readFlags(cfg *config.Config) {
	flag.StringVar(&cfg.ReplicaBackend, "replica-backend", cfg.ReplicaBackend, "replica backend: memory|pebble|badger")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "replica data directory")
	flag.StringVar(&cfg.SnapshotDir, "snapshot-dir", cfg.SnapshotDir, "snapshot directory")
	flag.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "snapshot interval, 0 to disable")
	flag.StringVar(&cfg.OrdersDB, "orders-db", cfg.OrdersDB, "sqlite order database path")
	flag.StringVar(&cfg.Source, "source", cfg.Source, "event source: kafka|confluent")
	flag.StringVar(&cfg.KafkaBootstrap, "kafka-bootstrap", cfg.KafkaBootstrap, "kafka bootstrap servers, e.g. localhost:9092")
	flag.StringVar(&cfg.GroupID, "group-id", cfg.GroupID, "consumer group id")
	flag.StringVar(&cfg.ItemsTopic, "items-topic", cfg.ItemsTopic, "catalog item events topic")
	flag.StringVar(&cfg.AccountsTopic, "accounts-topic", cfg.AccountsTopic, "account events topic")
	flag.UintVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "retries per event before dead-lettering")
	flag.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "fixed delay between retries")
	flag.StringVar(&cfg.DeadLetterFile, "dead-letter-file", cfg.DeadLetterFile, "dead-letter JSONL file")
	flag.StringVar(&cfg.DeadLetterTopic, "dead-letter-topic", cfg.DeadLetterTopic, "dead-letter kafka topic (optional)")
	flag.StringVar(&cfg.ResyncTopic, "resync-topic", cfg.ResyncTopic, "resync request kafka topic (optional)")
	flag.DurationVar(&cfg.ResyncDebounce, "resync-debounce", cfg.ResyncDebounce, "minimum gap between resync requests per entity")
	flag.IntVar(&cfg.ValidationPool, "validation-pool", cfg.ValidationPool, "validation worker pool size (2-5)")
	flag.DurationVar(&cfg.ValidationTimeout, "validation-timeout", cfg.ValidationTimeout, "validation join timeout")
	flag.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "admin HTTP listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json|text")
	flag.Parse()
}

type replicas struct {
	items    replica.Store[int64, model.Item]
	accounts *replica.Accounts
	closers  []io.Closer
}

func (r *replicas) Close() {
	for _, c := range r.closers {
		_ = c.Close()
	}
}

func openReplicas(cfg config.Config) (*replicas, error) {
	r := &replicas{}
	switch cfg.ReplicaBackend {
	case "pebble":
		items, err := replica.NewPebbleStore[int64, model.Item](filepath.Join(cfg.DataDir, "items"), replica.Int64Keys{})
		if err != nil {
			return nil, fmt.Errorf("init pebble items: %w", err)
		}
		r.closers = append(r.closers, items)
		byID, err := replica.NewPebbleStore[int64, model.Account](filepath.Join(cfg.DataDir, "accounts"), replica.Int64Keys{})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("init pebble accounts: %w", err)
		}
		r.closers = append(r.closers, byID)
		byEmail, err := replica.NewPebbleStore[string, int64](filepath.Join(cfg.DataDir, "accounts-email"), replica.StringKeys{})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("init pebble email index: %w", err)
		}
		r.closers = append(r.closers, byEmail)
		r.items, r.accounts = items, replica.NewAccounts(byID, byEmail)
	case "badger":
		items, err := replica.NewBadgerStore[int64, model.Item](filepath.Join(cfg.DataDir, "items"), replica.Int64Keys{})
		if err != nil {
			return nil, fmt.Errorf("init badger items: %w", err)
		}
		r.closers = append(r.closers, items)
		byID, err := replica.NewBadgerStore[int64, model.Account](filepath.Join(cfg.DataDir, "accounts"), replica.Int64Keys{})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("init badger accounts: %w", err)
		}
		r.closers = append(r.closers, byID)
		byEmail, err := replica.NewBadgerStore[string, int64](filepath.Join(cfg.DataDir, "accounts-email"), replica.StringKeys{})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("init badger email index: %w", err)
		}
		r.closers = append(r.closers, byEmail)
		r.items, r.accounts = items, replica.NewAccounts(byID, byEmail)
	default:
		r.items, r.accounts = replica.NewMemory[int64, model.Item](), replica.NewMemoryAccounts()
	}
	return r, nil
}

func newSource(cfg config.Config, topic string) (consumer.Source, error) {
	if cfg.Source == "confluent" {
		return consumer.NewConfluentSource(cfg.KafkaBootstrap, topic, cfg.GroupID)
	}
	return consumer.NewKafkaSource(deadletter.SplitBrokers(cfg.KafkaBootstrap), topic, cfg.GroupID), nil
}

func newDeadLetters(cfg config.Config) (deadletter.Writer, func(), error) {
	fw, err := deadletter.NewFileWriter(filepath.Dir(cfg.DeadLetterFile), filepath.Base(cfg.DeadLetterFile))
	if err != nil {
		return nil, nil, fmt.Errorf("init dead-letter file: %w", err)
	}
	if cfg.DeadLetterTopic == "" {
		return fw, func() {}, nil
	}
	kw := deadletter.NewKafkaWriter(cfg.KafkaBootstrap, cfg.DeadLetterTopic)
	return deadletter.NewMultiWriter(fw, kw), func() { _ = kw.Close() }, nil
}

func newResync(cfg config.Config, lg *slog.Logger) (resync.Requester, func()) {
	if cfg.ResyncTopic == "" {
		return resync.NewLogRequester(cfg.ResyncDebounce, lg), func() {}
	}
	kr := resync.NewKafkaRequester(cfg.KafkaBootstrap, cfg.ResyncTopic, cfg.ResyncDebounce, lg)
	return kr, func() { _ = kr.Close() }
}

func run(ctx context.Context, cfg config.Config, lg *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	lg.Info("starting ordersync", "backend", cfg.ReplicaBackend, "source", cfg.Source,
		"items_topic", cfg.ItemsTopic, "accounts_topic", cfg.AccountsTopic)

	reps, err := openReplicas(cfg)
	if err != nil {
		return err
	}
	defer reps.Close()

	mreg := metrics.NewRegistry()
	dlq, closeDLQ, err := newDeadLetters(cfg)
	if err != nil {
		return err
	}
	defer closeDLQ()
	rs, closeResync := newResync(cfg, lg)
	defer closeResync()

	snap := snapshot.NewFilesystemSnapshotter(cfg.SnapshotDir)
	snapSet := snapshot.Replicas{Items: reps.items, Accounts: reps.accounts}
	warmStart(ctx, snap, snapSet, rs, lg)

	engine := validation.NewEngine(reps.items, reps.accounts, validation.Config{
		PoolSize: cfg.ValidationPool,
		Timeout:  cfg.ValidationTimeout,
		Resync:   rs,
		Metrics:  mreg,
		Logger:   lg,
	})
	orders, err := orderstore.Open(ctx, cfg.OrdersDB)
	if err != nil {
		return fmt.Errorf("init order store: %w", err)
	}
	defer orders.Close()
	svc := service.New(engine, orders, lg)

	laneCfg := func(entity, topic string) consumer.LaneConfig {
		return consumer.LaneConfig{
			Entity:     entity,
			Topic:      topic,
			MaxRetries: cfg.MaxRetries,
			Backoff:    cfg.RetryBackoff,
			DeadLetter: dlq,
			Metrics:    mreg,
			Logger:     lg,
		}
	}
	itemLane := consumer.NewLane[model.Item](laneCfg("items", cfg.ItemsTopic), reps.items, consumer.DecodeItem)
	accountLane := consumer.NewLane[model.Account](laneCfg("accounts", cfg.AccountsTopic), reps.accounts, consumer.DecodeAccount)

	itemSrc, err := newSource(cfg, cfg.ItemsTopic)
	if err != nil {
		return fmt.Errorf("items source: %w", err)
	}
	defer itemSrc.Close()
	accountSrc, err := newSource(cfg, cfg.AccountsTopic)
	if err != nil {
		return fmt.Errorf("accounts source: %w", err)
	}
	defer accountSrc.Close()

	adm := admin.NewServer(admin.Deps{
		Orders:   svc,
		Items:    reps.items,
		Accounts: reps.accounts,
		Lanes:    map[string]admin.Lane{"items": itemLane, "accounts": accountLane},
		Metrics:  mreg,
		Logger:   lg,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return itemLane.Run(gctx, itemSrc) })
	g.Go(func() error { return accountLane.Run(gctx, accountSrc) })
	g.Go(func() error { return adm.Serve(gctx, cfg.HTTPAddr) })
	if cfg.SnapshotInterval > 0 {
		g.Go(func() error {
			t := time.NewTicker(cfg.SnapshotInterval)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					takeSnapshot(snap, snapSet, lg)
				}
			}
		})
	}
	err = g.Wait()
	takeSnapshot(snap, snapSet, lg)
	return err
}

// warmStart restores the latest snapshot into empty replicas. Kafka group
// offsets may already be past the snapshot, so every empty start asks the
// owning services for an initial load; the restored records only serve
// until it arrives.
func warmStart(ctx context.Context, snap *snapshot.FilesystemSnapshotter, set snapshot.Replicas, rs resync.Requester, lg *slog.Logger) {
	if n, err := set.Items.Count(); err != nil || n > 0 {
		return
	}
	reason := "replica empty at startup"
	m, err := snap.RestoreLatest(set)
	switch {
	case errors.Is(err, snapshot.ErrNoSnapshot):
		lg.Info("no snapshot to restore, waiting for initial load")
	case err != nil:
		lg.Warn("snapshot restore failed, starting empty", "err", err)
	default:
		lg.Info("replicas restored from snapshot", "snapshot", m.SnapshotID, "records", m.Records)
		reason = "restored from snapshot " + m.SnapshotID
	}
	for _, entity := range []string{"items", "accounts"} {
		if err := rs.Request(ctx, entity, reason); err != nil {
			lg.Warn("resync request failed", "entity", entity, "err", err)
		}
	}
}

func takeSnapshot(snap *snapshot.FilesystemSnapshotter, set snapshot.Replicas, lg *slog.Logger) {
	id := time.Now().UTC().Format("20060102T150405.000Z")
	counts, err := snap.Save(id, set)
	if err != nil {
		lg.Error("snapshot failed", "snapshot", id, "err", err)
		return
	}
	lg.Info("snapshot written", "snapshot", id, "records", counts)
}
