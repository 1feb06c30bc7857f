package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	overlayrelay "github.com/e7canasta/overlay-relay"
)

// EnvPrefix prefixes every environment override, e.g. OVERLAY_VIDEO_WIDTH.
const EnvPrefix = "OVERLAY"

// Config represents the complete overlayd configuration
type Config struct {
	InstanceID       string        `yaml:"instance_id" envconfig:"INSTANCE_ID"`
	ShutdownTimeoutS int           `yaml:"shutdown_timeout_s" envconfig:"SHUTDOWN_TIMEOUT_S"` // Graceful shutdown timeout in seconds (default: 5)
	Capture          DeviceConfig  `yaml:"capture"`
	Output           DeviceConfig  `yaml:"output"`
	Video            VideoConfig   `yaml:"video"`
	Screen           ScreenConfig  `yaml:"screen"`
	Stream           StreamConfig  `yaml:"stream"`
	Relay            RelayConfig   `yaml:"relay"`
	Log              LogConfig     `yaml:"log"`
	MQTT             MQTTConfig    `yaml:"mqtt"`
	Metrics          MetricsConfig `yaml:"metrics"`
}

// DeviceConfig names a device node and its buffer pool size
type DeviceConfig struct {
	Device  string `yaml:"device" envconfig:"DEVICE"`
	Buffers int    `yaml:"buffers" envconfig:"BUFFERS"`
}

// VideoConfig contains the frame format negotiated on both devices
type VideoConfig struct {
	Width       uint32 `yaml:"width" envconfig:"WIDTH"`
	Height      uint32 `yaml:"height" envconfig:"HEIGHT"`
	PixelFormat string `yaml:"pixel_format" envconfig:"PIXEL_FORMAT"` // FourCC, e.g. YUYV
	Field       string `yaml:"field" envconfig:"FIELD"`               // any, none, top, bottom, interlaced
}

// ScreenConfig is the display the overlay is centred on
type ScreenConfig struct {
	Width  uint32 `yaml:"width" envconfig:"WIDTH"`
	Height uint32 `yaml:"height" envconfig:"HEIGHT"`
}

// StreamConfig contains the capture readiness policy
type StreamConfig struct {
	PollTimeout        time.Duration `yaml:"poll_timeout" envconfig:"POLL_TIMEOUT"`
	StallRetries       int           `yaml:"stall_retries" envconfig:"STALL_RETRIES"` // 0 = first timeout is fatal
	StallRetryDelay    time.Duration `yaml:"stall_retry_delay" envconfig:"STALL_RETRY_DELAY"`
	StallMaxRetryDelay time.Duration `yaml:"stall_max_retry_delay" envconfig:"STALL_MAX_RETRY_DELAY"`
}

// RelayConfig contains the data path policy
type RelayConfig struct {
	StrictSize bool    `yaml:"strict_size" envconfig:"STRICT_SIZE"`
	MaxFPS     float64 `yaml:"max_fps" envconfig:"MAX_FPS"`       // 0 = unlimited
	MaxFrames  uint64  `yaml:"max_frames" envconfig:"MAX_FRAMES"` // 0 = unlimited
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`   // none, error, warn, info, debug
	Format string `yaml:"format" envconfig:"FORMAT"` // text, json
	File   string `yaml:"file" envconfig:"FILE"`     // empty = stdout
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled     bool       `yaml:"enabled" envconfig:"ENABLED"`
	Broker      string     `yaml:"broker" envconfig:"BROKER"`
	TopicPrefix string     `yaml:"topic_prefix" envconfig:"TOPIC_PREFIX"`
	QoS         byte       `yaml:"qos" envconfig:"QOS"`
	Encoding    string     `yaml:"encoding" envconfig:"ENCODING"` // json, msgpack
	Topics      MQTTTopics `yaml:"topics"`
}

// MQTTTopics contains topic names, derived from the prefix and instance id when empty
type MQTTTopics struct {
	Control string `yaml:"control" envconfig:"CONTROL"`
	Status  string `yaml:"status" envconfig:"STATUS"`
	Events  string `yaml:"events" envconfig:"EVENTS"`
}

// MetricsConfig contains the health and metrics HTTP server settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"ENABLED"`
	Listen  string `yaml:"listen" envconfig:"LISTEN"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	relay := overlayrelay.DefaultConfig()

	return &Config{
		InstanceID:       "overlayd",
		ShutdownTimeoutS: 5,
		Capture:          DeviceConfig{Device: relay.CapturePath, Buffers: relay.CaptureBuffers},
		Output:           DeviceConfig{Device: relay.OutputPath, Buffers: relay.OutputBuffers},
		Video: VideoConfig{
			Width:       relay.Width,
			Height:      relay.Height,
			PixelFormat: relay.PixelFormat,
			Field:       relay.Field,
		},
		Screen: ScreenConfig{Width: relay.ScreenWidth, Height: relay.ScreenHeight},
		Stream: StreamConfig{
			PollTimeout:        relay.PollTimeout,
			StallRetries:       relay.StallRetries,
			StallRetryDelay:    relay.StallRetryDelay,
			StallMaxRetryDelay: relay.StallMaxRetryDelay,
		},
		Relay: RelayConfig{StrictSize: relay.StrictSize},
		Log:   LogConfig{Level: "info", Format: "text"},
		MQTT: MQTTConfig{
			Broker:      "localhost:1883",
			TopicPrefix: "overlay",
			QoS:         1,
			Encoding:    "json",
		},
		Metrics: MetricsConfig{Listen: ":9090"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// any) and OVERLAY_* environment overrides, in that order, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// UseSmallVideo switches to the 320x240 preset, keeping the overlay centred.
func (c *Config) UseSmallVideo() {
	c.Video.Width = 320
	c.Video.Height = 240
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// ControllerConfig converts the file configuration to controller settings.
func (c *Config) ControllerConfig() overlayrelay.Config {
	return overlayrelay.Config{
		CapturePath:        c.Capture.Device,
		OutputPath:         c.Output.Device,
		Width:              c.Video.Width,
		Height:             c.Video.Height,
		PixelFormat:        c.Video.PixelFormat,
		Field:              c.Video.Field,
		CaptureBuffers:     c.Capture.Buffers,
		OutputBuffers:      c.Output.Buffers,
		ScreenWidth:        c.Screen.Width,
		ScreenHeight:       c.Screen.Height,
		PollTimeout:        c.Stream.PollTimeout,
		StallRetries:       c.Stream.StallRetries,
		StallRetryDelay:    c.Stream.StallRetryDelay,
		StallMaxRetryDelay: c.Stream.StallMaxRetryDelay,
		StrictSize:         c.Relay.StrictSize,
		MaxFPS:             c.Relay.MaxFPS,
		MaxFrames:          c.Relay.MaxFrames,
	}
}
