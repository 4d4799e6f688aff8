// SPDX-License-Identifier: MIT

// Command worker is the per-channel streaming process. The daemon's
// controller launches one per running channel with the channel id and
// store coordinates injected through the environment; everything else the
// worker loads itself from the stores.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tgcast/tgcast/internal/config"
	"github.com/tgcast/tgcast/internal/coord"
	"github.com/tgcast/tgcast/internal/hub"
	tglog "github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/pipeline"
	"github.com/tgcast/tgcast/internal/queue"
	"github.com/tgcast/tgcast/internal/secrets"
	"github.com/tgcast/tgcast/internal/session"
	"github.com/tgcast/tgcast/internal/store"
	"github.com/tgcast/tgcast/internal/transport"
	"github.com/tgcast/tgcast/internal/worker"
)

// EnvChannelID carries the channel when no --channel flag is given.
const EnvChannelID = "WORKER_CHANNEL_ID"

func main() {
	channelFlag := flag.String("channel", "", "channel id to serve")
	flag.Parse()

	tglog.Configure(tglog.Config{Service: "tgcast-worker"})
	logger := tglog.WithComponent("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *channelFlag); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker exited with error")
	}
}

func run(ctx context.Context, channelID string) error {
	if channelID == "" {
		channelID = os.Getenv(EnvChannelID)
	}
	if channelID == "" {
		return fmt.Errorf("worker: channel id required (--channel or %s)", EnvChannelID)
	}

	sharedURL := os.Getenv(config.EnvSharedStoreURL)
	if sharedURL == "" {
		return fmt.Errorf("worker: %s is required", config.EnvSharedStoreURL)
	}
	key, err := base64.StdEncoding.DecodeString(os.Getenv(config.EnvDataEncryptionKey))
	if err != nil {
		return fmt.Errorf("worker: %s is not valid base64", config.EnvDataEncryptionKey)
	}
	envelope, err := secrets.NewEnvelope(key)
	if err != nil {
		return err
	}

	client, err := coord.Connect(ctx, sharedURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	relationalURL := config.ParseString(config.EnvRelationalStoreURL, "file:tgcast.db")
	db, err := store.Open(strings.TrimPrefix(relationalURL, "file:"))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	driver, err := transport.NewDriver(os.Getenv(config.EnvTransportDriver))
	if err != nil {
		return err
	}

	pub := hub.NewRedisPublisher(client)
	q := queue.New(client, pub, config.ParseInt(config.EnvQueueMaxLengthDefault, 100))

	var transcoder pipeline.Transcoder = pipeline.PassThrough{}
	if binary := os.Getenv(config.EnvMediaDecoderBinary); binary != "" {
		transcoder = pipeline.NewExecTranscoder(binary)
	}

	w, err := worker.New(worker.Config{
		ChannelID:        channelID,
		TransientRetries: config.ParseInt(config.EnvWorkerTransientRetries, 2),
		PlaceholderPath:  os.Getenv(config.EnvPlaceholderMediaPath),
	}, worker.Deps{
		Channels:   db.Channels(),
		Accounts:   db.Accounts(envelope),
		Items:      db.Items(),
		Queue:      q,
		Resolver:   pipeline.NewChainResolver(pipeline.LocalFileResolver{}, &pipeline.RadioResolver{}, nil),
		Classifier: pipeline.SniffClassifier{},
		Transcoder: transcoder,
		Transport:  driver,
		Publisher:  pub,
		Auth:       session.RedisAuthReporter{Client: client},
		Client:     client,
	})
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
