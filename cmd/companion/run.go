package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/normanking/companion/internal/analytics"
	"github.com/normanking/companion/internal/bus"
	"github.com/normanking/companion/internal/clock"
	"github.com/normanking/companion/internal/companion"
	"github.com/normanking/companion/internal/config"
	"github.com/normanking/companion/internal/conversation"
	"github.com/normanking/companion/internal/metrics"
	"github.com/normanking/companion/internal/pipeline"
	"github.com/normanking/companion/internal/server"
	"github.com/normanking/companion/internal/silence"
	"github.com/normanking/companion/internal/stats"
	"github.com/normanking/companion/internal/stream"
	"github.com/normanking/companion/internal/viseme"
)

const shutdownTimeout = 5 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the model stream and run the companion core",
		RunE:  runCompanion,
	}
}

func runCompanion(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()
	logger := log.Zerolog()
	server.Version = version

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clk := clock.New()
	events := bus.NewEventBus()
	packetStats := stats.NewTracker()

	var (
		m        *metrics.Metrics
		exporter *metrics.Exporter
	)
	if cfg.Metrics.Enabled {
		m = metrics.New(true)
		defer m.BindBus(events)()
		exporter = metrics.NewExporter(cfg.Metrics.Addr, m)
	}

	visemes := viseme.NewWSClient(viseme.WSClientConfig{
		URL:              cfg.Viseme.URL,
		HandshakeTimeout: cfg.Viseme.HandshakeTimeout,
		AckTimeout:       cfg.Viseme.AckTimeout,
	}, logger)
	defer visemes.Disconnect()

	pipe := pipeline.New(visemes, newTimedPlayer(clk, defaultSampleRate), pipeline.Options{
		Clock:            clk,
		Logger:           logger,
		Bus:              events,
		AutoFlushTimeout: cfg.Pipeline.AutoFlushTimeout,
		SyncWaitTimeout:  cfg.Pipeline.SyncWaitTimeout,
		DispatchTimeout:  cfg.Viseme.AckTimeout,
	})
	defer pipe.Close()
	visemes.OnComplete(pipe.OnVisemesReady)
	visemes.OnChunk(pipe.OnVisemeChunk)
	visemes.OnError(pipe.OnVisemeError)

	agg := analytics.New(cfg.Silence.ResponseWindow)
	tracker := conversation.NewTracker(clk, agg, logger)
	sender := &liveSender{}
	engine := silence.NewEngine(silenceConfig(cfg.Silence), sender, silence.Options{
		Clock:             clk,
		Logger:            logger,
		Bus:               events,
		Analytics:         agg,
		WindowSize:        cfg.Speech.WindowSize,
		IndicatorDuration: cfg.Silence.IndicatorDuration,
		TerminationGrace:  cfg.Silence.TerminationGrace,
		ResponseWindow:    cfg.Silence.ResponseWindow,
		OnSessionTerminated: func() {
			logger.Warn().Msg("no response after final nudge; ending session")
			cancel()
		},
	})
	defer engine.Close()

	session := companion.NewSession(pipe, tracker, engine, companion.Options{
		Clock:   clk,
		Logger:  logger,
		Bus:     events,
		Stats:   packetStats,
		Metrics: m,
	})
	defer session.Close()

	if err := config.Watch(ctx, path, func(next *config.Config) {
		if err := engine.SetConfig(silenceConfig(next.Silence)); err != nil {
			logger.Warn().Err(err).Msg("ignoring reloaded silence config")
			return
		}
		agg.SetResponseWindow(next.Silence.ResponseWindow)
	}, func(err error) {
		logger.Warn().Err(err).Str("path", path).Msg("config reload failed")
	}); err != nil {
		logger.Warn().Err(err).Msg("config hot reload disabled")
	}

	if cfg.Server.Enabled {
		deps := server.Deps{
			Engine:   engine,
			Pipeline: pipe,
			Stats:    packetStats,
			Logs:     log,
			Volume:   session,
			Events:   events,
		}
		if exporter != nil {
			deps.Metrics = exporter.Handler()
		}
		srv := server.New(cfg.Server.Addr, deps, logger)
		go serve(logger, "settings server", srv.Start)
		defer shutdown(logger, "settings server", srv.Shutdown)
	}
	if exporter != nil {
		go serve(logger, "metrics exporter", exporter.Start)
		defer shutdown(logger, "metrics exporter", exporter.Shutdown)
	}

	backoff := backoffPolicy{initial: cfg.Stream.ReconnectDelay, max: cfg.Stream.MaxReconnectWait}

	go retry(ctx, logger.With().Str("component", "viseme").Logger(), backoff, func(ctx context.Context) error {
		if err := visemes.Connect(ctx); err != nil {
			return err
		}
		waitDisconnected(ctx, visemes)
		return nil
	})

	logger.Info().Str("session", session.ID()).Str("stream", cfg.Stream.URL).Msg("companion started")
	retry(ctx, logger.With().Str("component", "stream").Logger(), backoff, func(ctx context.Context) error {
		client, err := stream.Dial(ctx, stream.WSConfig{
			URL:              cfg.Stream.URL,
			HandshakeTimeout: cfg.Stream.HandshakeTimeout,
			WriteTimeout:     cfg.Stream.WriteTimeout,
			Clock:            clk,
		}, logger)
		if err != nil {
			return err
		}
		sender.set(client)
		defer func() {
			sender.set(nil)
			_ = client.Close()
		}()
		return session.Run(ctx, client)
	})

	logger.Info().Msg("companion stopped")
	return nil
}

// liveSender delivers nudges over whichever stream is currently connected.
type liveSender struct {
	mu     sync.RWMutex
	client stream.Client
}

func (s *liveSender) set(c stream.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = c
}

func (s *liveSender) SendText(ctx context.Context, text string) error {
	s.mu.RLock()
	c := s.client
	s.mu.RUnlock()
	if c == nil {
		return stream.ErrNotConnected
	}
	return stream.TextSender{Client: c}.SendText(ctx, text)
}

func silenceConfig(c config.SilenceConfig) silence.Config {
	return silence.Config{
		Enabled:                 c.Enabled,
		ThresholdSeconds:        c.ThresholdSeconds,
		SpeechVolumeThreshold:   c.SpeechVolumeThreshold,
		NudgeMessage:            c.NudgeMessage,
		MinSecondsBetweenNudges: c.MinSecondsBetweenNudges,
		MaxNudges:               c.MaxNudges,
	}
}

// backoffPolicy doubles the wait after each failure, up to max.
type backoffPolicy struct {
	initial time.Duration
	max     time.Duration
}

func (b backoffPolicy) next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return b.initial
	}
	cur *= 2
	if cur > b.max {
		cur = b.max
	}
	return cur
}

// retry runs fn until ctx is done. Failures back off exponentially; a clean
// return waits the initial delay before trying again.
func retry(ctx context.Context, logger zerolog.Logger, b backoffPolicy, fn func(context.Context) error) {
	wait := time.Duration(0)
	failures := 0
	for ctx.Err() == nil {
		err := fn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			wait = b.next(wait)
			if failures <= 3 {
				logger.Warn().Err(err).Dur("retry_in", wait).Msg("connection failed")
			} else {
				logger.Debug().Err(err).Int("failures", failures).Dur("retry_in", wait).Msg("still unavailable")
			}
		} else {
			failures = 0
			wait = 0
		}

		delay := wait
		if delay == 0 {
			delay = b.initial
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func waitDisconnected(ctx context.Context, c *viseme.WSClient) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.IsConnected() {
				return
			}
		}
	}
}

func serve(logger zerolog.Logger, name string, start func() error) {
	if err := start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Str("server", name).Msg("server stopped")
	}
}

func shutdown(logger zerolog.Logger, name string, stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := stop(ctx); err != nil {
		logger.Warn().Err(err).Str("server", name).Msg("shutdown failed")
	}
}
