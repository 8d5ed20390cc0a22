// voicecall поднимает защищенный голосовой звонок поверх UDP.
//
// Режим loopback соединяет два звонка через 127.0.0.1 с ключами из случайного
// общего секрета. Режим peer звонит удаленному собеседнику с ключами из конфигурации.
// Микрофон и динамик программные: тон заданной частоты и отбрасывание звука.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/securevoice/pkg/audio"
	"github.com/arzzra/securevoice/pkg/call"
	"github.com/arzzra/securevoice/pkg/codec"
	"github.com/arzzra/securevoice/pkg/network"
	"github.com/arzzra/securevoice/pkg/srtp"
)

const (
	toneAmplitude   = 8000
	shutdownTimeout = 5 * time.Second
)

func main() {
	cmd := &cli.Command{
		Name:  "voicecall",
		Usage: "Защищенный голосовой звонок поверх UDP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML файл конфигурации",
				Sources: cli.EnvVars("VOICECALL_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "YAML конфигурация строкой",
				Sources: cli.EnvVars("VOICECALL_CONFIG_BODY"),
			},
		},
		Action: runCall,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCall(ctx context.Context, c *cli.Command) error {
	conf, err := LoadConfig(c.String("config"), c.String("config-body"))
	if err != nil {
		return err
	}
	logger := conf.NewLogger()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, conf, logger)
}

// run держит звонки до отмены ctx, истечения Duration или завершения цикла приема
func run(ctx context.Context, conf *Config, logger logrus.FieldLogger) error {
	if conf.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conf.Duration)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		managers []*call.Manager
		err      error
	)
	switch conf.Mode {
	case ModeLoopback:
		managers, err = newLoopbackCalls(conf, registry, logger)
	case ModePeer:
		managers, err = newPeerCall(conf, registry, logger)
	default:
		err = fmt.Errorf("неизвестный режим %q", conf.Mode)
	}
	if err != nil {
		return err
	}
	defer closeCalls(managers, logger)

	managers[0].SetMuted(conf.Muted)

	group, groupCtx := errgroup.WithContext(ctx)

	if conf.MetricsAddr != "" {
		group.Go(func() error {
			return serveMetrics(groupCtx, conf.MetricsAddr, registry, logger)
		})
	}

	for _, m := range managers {
		if err := startCall(groupCtx, m); err != nil {
			cancel()
			_ = group.Wait()
			return err
		}

		group.Go(func() error {
			select {
			case <-groupCtx.Done():
				return nil
			case <-m.Done():
				if groupCtx.Err() != nil {
					return nil
				}
				return fmt.Errorf("цикл приема звонка %s завершился", m.CallID())
			}
		})
	}

	if conf.StatsInterval > 0 {
		group.Go(func() error {
			reportStatistics(groupCtx, conf.StatsInterval, managers, logger)
			return nil
		})
	}

	logger.WithField("mode", conf.Mode).Info("Звонок идет, Ctrl+C для завершения")
	err = group.Wait()

	for _, m := range managers {
		if stopErr := m.Stop(); stopErr != nil {
			logger.WithError(stopErr).WithField("call_id", m.CallID()).Warn("Ошибка остановки звонка")
		}
		logStatistics(logger, m.Statistics())
	}
	return err
}

func startCall(ctx context.Context, m *call.Manager) error {
	if err := m.Init(); err != nil {
		return err
	}
	return m.Start(ctx)
}

// newLoopbackCalls два звонка, соединенные через 127.0.0.1
func newLoopbackCalls(conf *Config, registry prometheus.Registerer, logger logrus.FieldLogger) ([]*call.Manager, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("генерация общего секрета: %w", err)
	}

	connA, err := network.ListenUDP(conf.socketConfig("127.0.0.1:0"))
	if err != nil {
		return nil, err
	}
	connB, err := network.ListenUDP(conf.socketConfig("127.0.0.1:0"))
	if err != nil {
		connA.Close()
		return nil, err
	}

	a, err := newManager(conf, connA, connB.LocalAddr(), secret, srtp.RoleInitiator, conf.ToneHz, registry, logger)
	if err != nil {
		connA.Close()
		connB.Close()
		return nil, err
	}
	b, err := newManager(conf, connB, connA.LocalAddr(), secret, srtp.RoleResponder, conf.ToneHz*1.5, registry, logger)
	if err != nil {
		a.Close()
		connB.Close()
		return nil, err
	}
	return []*call.Manager{a, b}, nil
}

// newPeerCall один звонок с удаленным собеседником
func newPeerCall(conf *Config, registry prometheus.Registerer, logger logrus.FieldLogger) ([]*call.Manager, error) {
	send, recv, err := conf.Peer.streamParameters()
	if err != nil {
		return nil, err
	}
	remote, err := network.ResolveUDPAddr(conf.Peer.RemoteAddr)
	if err != nil {
		return nil, err
	}
	conn, err := network.ListenUDP(conf.socketConfig(conf.Peer.LocalAddr))
	if err != nil {
		return nil, err
	}

	m, err := call.NewManager(callConfig(conf, conn, remote, send, recv, conf.ToneHz, registry, logger))
	if err != nil {
		conn.Close()
		return nil, err
	}
	return []*call.Manager{m}, nil
}

func newManager(conf *Config, conn net.PacketConn, remote net.Addr, secret []byte, role srtp.Role,
	toneHz float64, registry prometheus.Registerer, logger logrus.FieldLogger) (*call.Manager, error) {
	send, recv, err := srtp.DeriveStreamParameters(secret, role)
	if err != nil {
		return nil, err
	}
	return call.NewManager(callConfig(conf, conn, remote, send, recv, toneHz, registry,
		logger.WithField("role", role.String())))
}

func callConfig(conf *Config, conn net.PacketConn, remote net.Addr, send, recv srtp.StreamParameters,
	toneHz float64, registry prometheus.Registerer, logger logrus.FieldLogger) call.Config {
	var source audio.Source = audio.SilenceSource{}
	if toneHz > 0 {
		source = audio.NewSineSource(toneHz, toneAmplitude, codec.SampleRate)
	}

	return call.Config{
		Conn:              conn,
		RemoteAddr:        remote,
		SendParameters:    send,
		ReceiveParameters: recv,
		PayloadType:       conf.payloadType(),
		NewEngine: func() (audio.Engine, error) {
			return audio.NewTickerEngine(audio.TickerConfig{Source: source, Logger: logger})
		},
		EchoCancellation: conf.EchoCancellation,
		Echo:             codec.DefaultSuppressorConfig(),
		Jitter:           conf.jitterConfig(),
		Clock:            conf.newClock(),
		Registerer:       registry,
		Logger:           logger,
	}
}

func closeCalls(managers []*call.Manager, logger logrus.FieldLogger) {
	for _, m := range managers {
		if err := m.Close(); err != nil {
			logger.WithError(err).WithField("call_id", m.CallID()).Warn("Ошибка закрытия звонка")
		}
	}
}

// serveMetrics отдает /metrics до отмены ctx
func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.WithField("addr", addr).Info("Метрики доступны на /metrics")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("сервер метрик: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func reportStatistics(ctx context.Context, interval time.Duration, managers []*call.Manager, logger logrus.FieldLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, m := range managers {
				logStatistics(logger, m.Statistics())
			}
		}
	}
}

func logStatistics(logger logrus.FieldLogger, stats call.Statistics) {
	logger.WithFields(logrus.Fields{
		"call_id":       stats.CallID,
		"state":         stats.State,
		"muted":         stats.Muted,
		"sent":          stats.Sender.PacketsSent,
		"received":      stats.Receiver.PacketsReceived,
		"auth_failures": stats.Receiver.AuthFailures,
		"malformed":     stats.Receiver.MalformedPackets,
		"decoded":       stats.Jitter.FramesDecoded,
		"concealed":     stats.Jitter.FramesConcealed,
		"late":          stats.Jitter.PacketsLate,
		"foreign_pt":    stats.Jitter.PacketsUnsupported,
		"jitter_depth":  stats.Jitter.Depth,
		"target_delay":  stats.Jitter.TargetDelayFrames,
		"jitter":        stats.Jitter.Jitter,
		"capture_drops": stats.Capture.FramesDropped,
		"underruns":     stats.Playback.Underruns,
		"improvised_ts": stats.ImprovisedTimestamps,
	}).Info("Статистика звонка")
}
