// SPDX-License-Identifier: MIT

// Command daemon runs the tgcast control plane: the ops HTTP surface, the
// reconciler, the scheduler, the auto-end sweeper and the event relay.
// Workers run as separate processes when WORKER_BINARY is set, otherwise
// as goroutines behind the in-process supervisor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tgcast/tgcast/internal/api"
	"github.com/tgcast/tgcast/internal/audit"
	"github.com/tgcast/tgcast/internal/autoend"
	"github.com/tgcast/tgcast/internal/config"
	"github.com/tgcast/tgcast/internal/controller"
	"github.com/tgcast/tgcast/internal/coord"
	"github.com/tgcast/tgcast/internal/daemon"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/health"
	"github.com/tgcast/tgcast/internal/hub"
	tglog "github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/pipeline"
	"github.com/tgcast/tgcast/internal/playlist"
	"github.com/tgcast/tgcast/internal/queue"
	"github.com/tgcast/tgcast/internal/ratelimit"
	"github.com/tgcast/tgcast/internal/scheduler"
	"github.com/tgcast/tgcast/internal/secrets"
	"github.com/tgcast/tgcast/internal/service"
	"github.com/tgcast/tgcast/internal/session"
	"github.com/tgcast/tgcast/internal/store"
	"github.com/tgcast/tgcast/internal/supervisor"
	"github.com/tgcast/tgcast/internal/telemetry"
	"github.com/tgcast/tgcast/internal/transport"
	"github.com/tgcast/tgcast/internal/worker"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const snapshotInterval = 15 * time.Second

// stopperFunc adapts a closure to autoend.Stopper so the auto-end
// controller can be built before the process controller it stops through.
type stopperFunc func(ctx context.Context, channelID, reason string) error

func (f stopperFunc) RequestStop(ctx context.Context, channelID, reason string) error {
	return f(ctx, channelID, reason)
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("tgcast-daemon %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	tglog.Configure(tglog.Config{Service: "tgcast-daemon"})
	logger := tglog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	tele, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTelEnabled,
		ServiceName:    "tgcast-daemon",
		ServiceVersion: version,
		ExporterType:   exporterType(cfg.OTelExporterProtocol),
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SamplingRate:   1,
	})
	if err != nil {
		return err
	}

	client, err := coord.Connect(ctx, cfg.SharedStoreURL)
	if err != nil {
		return err
	}
	db, err := store.Open(strings.TrimPrefix(cfg.RelationalStoreURL, "file:"))
	if err != nil {
		_ = client.Close()
		return err
	}
	envelope, err := secrets.NewEnvelope(cfg.DataEncryptionKey)
	if err != nil {
		_ = db.Close()
		_ = client.Close()
		return err
	}
	accounts := db.Accounts(envelope)

	h := hub.New()
	q := queue.New(client, h, cfg.QueueMaxLengthDefault)

	driver, err := transport.NewDriver(cfg.TransportDriver)
	if err != nil {
		_ = db.Close()
		_ = client.Close()
		return err
	}

	// The auto-end controller and the process controller reference each
	// other; the stopper closure binds late over ctrl.
	var ctrl *controller.Controller
	var sessions *session.Manager
	onExit := func(name string, exitErr error) { ctrl.OnWorkerExit(name, exitErr) }

	var sup supervisor.Supervisor
	var inproc *supervisor.InProc
	if cfg.WorkerBinary == "" {
		inproc = supervisor.NewInProc(cfg.WorkerGracefulStop, onExit)
		sup = inproc
	} else {
		sup = supervisor.NewExec(cfg.WorkerGracefulStop, onExit)
	}

	autoEnd := autoend.New(client, h,
		autoend.ChannelPolicySource{Channels: db.Channels(), WarningPoints: cfg.AutoEndWarningPoints},
		stopperFunc(func(ctx context.Context, channelID, reason string) error {
			return ctrl.RequestStop(ctx, channelID, reason)
		}))
	ctrl = controller.New(db, accounts, q, sup, autoEnd, h, client, cfg)
	sessions = session.New(accounts, driver, ctrl, h,
		cfg.SessionRecoveryInitial, cfg.SessionRecoveryMax)

	if inproc != nil {
		resolver := pipeline.NewChainResolver(pipeline.LocalFileResolver{}, &pipeline.RadioResolver{}, nil)
		var transcoder pipeline.Transcoder = pipeline.PassThrough{}
		if cfg.MediaDecoderBinary != "" {
			transcoder = pipeline.NewExecTranscoder(cfg.MediaDecoderBinary)
		}
		inproc.Register("worker-", func(ctx context.Context, name string) error {
			w, err := worker.New(worker.Config{
				ChannelID:        strings.TrimPrefix(name, "worker-"),
				TransientRetries: cfg.WorkerTransientRetries,
				PlaceholderPath:  cfg.PlaceholderMediaPath,
			}, worker.Deps{
				Channels:   db.Channels(),
				Accounts:   accounts,
				Items:      db.Items(),
				Queue:      q,
				Resolver:   resolver,
				Classifier: pipeline.SniffClassifier{},
				Transcoder: transcoder,
				Transport:  driver,
				Publisher:  h,
				Auth:       sessions,
				Client:     client,
			})
			if err != nil {
				return err
			}
			return w.Run(ctx)
		})
	}

	limiter := ratelimit.New(client, cfg.RateLimits)
	auditor := audit.NewRecorder(db.Audit())
	sched := scheduler.New(db, q, ctrl, limiter, playlist.FileSource{}, client,
		cfg.SchedulerTick, cfg.SchedulerCatchupGrace)
	svc := service.New(db, accounts, q, ctrl, sessions, autoEnd, limiter, auditor, client, cfg)

	hm := health.NewManager(version)
	hm.Register(health.RedisChecker{Client: client})
	hm.Register(health.StoreChecker{DB: db})

	if err := sessions.ResumeRecovery(ctx); err != nil {
		logger := tglog.WithComponent("daemon")
		logger.Warn().Err(err).Msg("session recovery resume failed")
	}

	mgr := daemon.NewManager(daemon.DefaultServerConfig(cfg.OpsBindAddr),
		api.New(api.Deps{Service: svc, Hub: h, Health: hm}))

	relay := hub.NewRelay(client, h)
	mgr.AddRunner("event-relay", relay.Run)
	mgr.AddRunner("controller", ctrl.Run)
	mgr.AddRunner("auto-end", autoEnd.Run)
	mgr.AddRunner("scheduler", sched.Run)
	mgr.AddRunner("auth-error-bridge", func(ctx context.Context) error {
		return sessions.RunAuthErrorBridge(ctx, client)
	})
	mgr.AddRunner("listener-feed", func(ctx context.Context) error {
		return feedListeners(ctx, h, autoEnd)
	})
	mgr.AddRunner("metrics-snapshots", func(ctx context.Context) error {
		return h.RunSnapshots(ctx, snapshotInterval, snapshotSource(db, client))
	})

	mgr.RegisterShutdownHook("telemetry", tele.Shutdown)
	mgr.RegisterShutdownHook("relational-store", func(context.Context) error { return db.Close() })
	mgr.RegisterShutdownHook("shared-store", func(context.Context) error { return client.Close() })
	mgr.RegisterShutdownHook("sessions", func(context.Context) error { sessions.Close(); return nil })

	return mgr.Start(ctx)
}

// exporterType defaults the OTLP transport to grpc when unset, matching
// the collector's default port scheme.
func exporterType(protocol string) string {
	if protocol == "" {
		return "grpc"
	}
	return protocol
}

// feedListeners forwards relayed listener counts into the auto-end
// debounce. The hub is at-most-once; a dropped update is corrected by the
// worker's next 5s report.
func feedListeners(ctx context.Context, h *hub.Hub, autoEnd *autoend.Controller) error {
	sub := h.Subscribe(hub.Filter{Types: map[domain.EventType]bool{domain.EventListenersUpdate: true}})
	defer h.Unsubscribe(sub.ID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if p, ok := ev.Payload.(domain.ListenersUpdate); ok {
				autoEnd.ObserveListeners(ctx, ev.ChannelID, p.Count)
			}
		}
	}
}

// snapshotSource assembles the periodic dashboard snapshot from the
// relational store and the workers' shared-store reports.
func snapshotSource(db *store.DB, client *redis.Client) hub.SnapshotSource {
	return func(ctx context.Context) domain.MetricsSnapshot {
		snap := domain.MetricsSnapshot{
			Listeners:  make(map[string]int),
			QueueSizes: make(map[string]int),
		}
		channels, err := db.Channels().List(ctx)
		if err != nil {
			return snap
		}
		for _, ch := range channels {
			if ch.ObservedState == domain.ObservedRunning {
				snap.StreamsActive++
			}
			if raw, err := client.Get(ctx, coord.ListenersKey(ch.ID)).Result(); err == nil {
				if n, err := strconv.Atoi(raw); err == nil {
					snap.Listeners[ch.ID] = n
				}
			}
			// FIFO channels queue in a list, priority channels in a sorted
			// set; only one of the two is ever populated.
			size := int64(0)
			if n, err := client.LLen(ctx, coord.QueueKey(ch.ID)).Result(); err == nil {
				size += n
			}
			if n, err := client.ZCard(ctx, coord.QueueZKey(ch.ID)).Result(); err == nil {
				size += n
			}
			snap.QueueSizes[ch.ID] = int(size)
		}
		return snap
	}
}
