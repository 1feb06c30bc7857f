package config

import (
	"fmt"
	"regexp"

	"github.com/e7canasta/overlay-relay/internal/bufferpool"
	"github.com/e7canasta/overlay-relay/internal/v4l2"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills derived defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5 // default
	}

	// Validate devices
	if cfg.Capture.Device == "" || cfg.Output.Device == "" {
		return fmt.Errorf("capture.device and output.device are required")
	}
	if cfg.Capture.Device == cfg.Output.Device {
		return fmt.Errorf("capture.device and output.device must differ (both %s)", cfg.Capture.Device)
	}
	if cfg.Capture.Buffers < bufferpool.MinBuffers {
		return fmt.Errorf("capture.buffers must be >= %d", bufferpool.MinBuffers)
	}
	if cfg.Output.Buffers < bufferpool.MinBuffers {
		return fmt.Errorf("output.buffers must be >= %d", bufferpool.MinBuffers)
	}

	// Validate video format
	if cfg.Video.Width == 0 || cfg.Video.Height == 0 {
		return fmt.Errorf("video.width and video.height must be > 0")
	}
	if n := len(cfg.Video.PixelFormat); n == 0 || n > 4 {
		return fmt.Errorf("video.pixel_format must be a FourCC, got %q", cfg.Video.PixelFormat)
	}
	if _, err := v4l2.ParseField(cfg.Video.Field); err != nil {
		return fmt.Errorf("video.field: %w", err)
	}

	// Validate screen (0x0 is not a display)
	if cfg.Screen.Width == 0 || cfg.Screen.Height == 0 {
		return fmt.Errorf("screen.width and screen.height must be > 0")
	}
	if cfg.Video.Width > cfg.Screen.Width || cfg.Video.Height > cfg.Screen.Height {
		return fmt.Errorf("video %dx%d does not fit screen %dx%d",
			cfg.Video.Width, cfg.Video.Height, cfg.Screen.Width, cfg.Screen.Height)
	}

	// Validate stream policy
	if cfg.Stream.PollTimeout <= 0 {
		return fmt.Errorf("stream.poll_timeout must be > 0")
	}
	if cfg.Stream.StallRetries < 0 {
		return fmt.Errorf("stream.stall_retries must be >= 0")
	}
	if cfg.Stream.StallRetryDelay < 0 || cfg.Stream.StallMaxRetryDelay < 0 {
		return fmt.Errorf("stream stall delays must be >= 0")
	}

	// Validate relay policy
	if cfg.Relay.MaxFPS < 0 {
		return fmt.Errorf("relay.max_fps must be >= 0")
	}

	// Validate logging
	switch cfg.Log.Level {
	case "none", "error", "warn", "info", "debug":
	case "":
		cfg.Log.Level = "info"
	default:
		return fmt.Errorf("log.level must be one of none, error, warn, info, debug (got %q)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json":
	case "":
		cfg.Log.Format = "text"
	default:
		return fmt.Errorf("log.format must be text or json (got %q)", cfg.Log.Format)
	}

	if err := validateMQTT(cfg); err != nil {
		return err
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}

	return nil
}

func validateMQTT(cfg *Config) error {
	if !cfg.MQTT.Enabled {
		return nil
	}

	// Validate MQTT broker
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	switch cfg.MQTT.Encoding {
	case "json", "msgpack":
	case "":
		cfg.MQTT.Encoding = "json"
	default:
		return fmt.Errorf("mqtt.encoding must be json or msgpack (got %q)", cfg.MQTT.Encoding)
	}

	// Set default topics if not provided
	prefix := cfg.MQTT.TopicPrefix
	if prefix == "" {
		prefix = "overlay"
		cfg.MQTT.TopicPrefix = prefix
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("%s/control/%s", prefix, cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("%s/status/%s", prefix, cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = fmt.Sprintf("%s/events/%s", prefix, cfg.InstanceID)
	}

	return nil
}
