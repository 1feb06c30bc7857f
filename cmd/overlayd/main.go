package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	overlayrelay "github.com/e7canasta/overlay-relay"
	"github.com/e7canasta/overlay-relay/internal/codec"
	"github.com/e7canasta/overlay-relay/internal/config"
	"github.com/e7canasta/overlay-relay/internal/control"
	"github.com/e7canasta/overlay-relay/internal/emitter"
	"github.com/e7canasta/overlay-relay/internal/logging"
	"github.com/e7canasta/overlay-relay/internal/metrics"
	"github.com/e7canasta/overlay-relay/internal/mqttclient"
	"github.com/e7canasta/overlay-relay/internal/v4l2"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (defaults apply when empty)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	small := flag.Bool("small", false, "Relay 320x240 instead of the configured resolution")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "overlayd: %v\n", err)
		return 1
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	if *small {
		cfg.UseSmallVideo()
	}

	// Setup structured logger
	logFile, err := logging.Configure(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "overlayd: %v\n", err)
		return 1
	}
	if logFile != nil {
		defer logFile.Close()
	}

	slog.Info("starting overlayd",
		"config", *configPath,
		"instance_id", cfg.InstanceID,
		"capture", cfg.Capture.Device,
		"output", cfg.Output.Device,
		"resolution", fmt.Sprintf("%dx%d", cfg.Video.Width, cfg.Video.Height),
		"debug", *debug,
	)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ctrl, err := overlayrelay.New(cfg.ControllerConfig(), v4l2.NewKernelDriver())
	if err != nil {
		slog.Error("failed to create relay", "error", err)
		return 1
	}

	// MQTT control plane and event publication
	var (
		conn    *mqttclient.Conn
		handler *control.Handler
		events  *emitter.MQTTEmitter
	)
	if cfg.MQTT.Enabled {
		wire, err := codec.ForName(cfg.MQTT.Encoding)
		if err != nil {
			slog.Error("invalid mqtt encoding", "error", err)
			return 1
		}

		conn, err = mqttclient.Connect(ctx, mqttclient.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.InstanceID,
		})
		if err != nil {
			slog.Error("failed to connect to mqtt broker", "error", err)
			return 1
		}
		defer conn.Disconnect()

		events = emitter.NewMQTTEmitter(emitter.Config{
			InstanceID:  cfg.InstanceID,
			EventsTopic: cfg.MQTT.Topics.Events,
			QoS:         cfg.MQTT.QoS,
		}, conn, wire)
		ctrl.AddObserver(events)

		handler = control.NewHandler(control.Config{
			InstanceID:   cfg.InstanceID,
			ControlTopic: cfg.MQTT.Topics.Control,
			StatusTopic:  cfg.MQTT.Topics.Status,
			QoS:          cfg.MQTT.QoS,
		}, conn, wire, ctrl)
	}

	// Health and metrics HTTP server (non-blocking)
	var server *metrics.Server
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			metrics.NewCollector(cfg.InstanceID, ctrl),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if events != nil {
			registry.MustRegister(metrics.NewPublisherCollector(cfg.InstanceID, events))
		}

		var broker metrics.ConnectionChecker
		if conn != nil {
			broker = conn
		}
		server = metrics.NewServer(cfg.Metrics.Listen, metrics.NewHealth(ctrl, broker), registry)
		server.Start()
	}

	if err := ctrl.Start(ctx); err != nil {
		slog.Error("failed to start relay",
			"error", err,
			"category", overlayrelay.ClassifyError(err).String(),
		)
		return 1
	}

	if handler != nil {
		if err := handler.Start(ctx); err != nil {
			slog.Error("failed to start control plane", "error", err)
			ctrl.Stop()
			ctrl.Wait()
			return 1
		}
	}

	// Wait for shutdown signal or relay stop
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig.String())
		ctrl.Stop()
	case <-ctrl.Done():
	}

	// Graceful shutdown
	shutdownTimeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	select {
	case <-ctrl.Done():
	case <-shutdownCtx.Done():
		slog.Error("relay did not stop in time", "timeout", shutdownTimeout)
		return 1
	}

	if handler != nil {
		handler.Stop()
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health server shutdown failed", "error", err)
		}
	}

	if err := ctrl.Err(); err != nil {
		slog.Error("relay stopped on error",
			"error", err,
			"category", overlayrelay.ClassifyError(err).String(),
		)
		return 1
	}

	stats := ctrl.Stats()
	slog.Info("overlayd stopped successfully",
		"frames_relayed", stats.FramesRelayed,
		"uptime", stats.Uptime,
	)
	return 0
}
