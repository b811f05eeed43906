// Command broker runs the in-process mock broker on a real port so wsramp can
// be pointed at it by hand.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/wsramp/internal/mockbroker"
	"github.com/torosent/wsramp/internal/protocol"
)

func main() {
	port := flag.Int("port", 3000, "Listening port")
	appKey := flag.String("app-key", "app_key", "Accepted application key (empty accepts any)")
	interval := flag.Duration("publish-interval", time.Second, "How often a timed message is published to every channel")
	ignoreClose := flag.Bool("ignore-close", false, "Never acknowledge client close frames")
	eventPrefix := flag.String("event-prefix", protocol.DefaultEventPrefix, "Control event namespace (empty for bare events)")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	opts := mockbroker.Options{
		AppKey:      *appKey,
		EventPrefix: *eventPrefix,
		IgnoreClose: *ignoreClose,
		Logger:      logger,
	}
	if err := run(*port, *interval, opts, logger); err != nil {
		logger.Fatal("broker stopped", zap.Error(err))
	}
}

func run(port int, interval time.Duration, opts mockbroker.Options, logger *zap.Logger) error {
	if port <= 0 {
		return errors.New("port must be > 0")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := mockbroker.New(opts)
	go broker.Run(ctx, interval)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           broker,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		broker.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("mock broker listening",
		zap.String("url", fmt.Sprintf("ws://localhost:%d/app/%s", port, opts.AppKey)),
		zap.Duration("publish_interval", interval),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s := broker.Stats()
	logger.Info("mock broker stopped",
		zap.Int64("accepted", s.Accepted),
		zap.Int64("subscriptions", s.Subscriptions),
		zap.Int64("published", s.Published),
	)
	return nil
}
