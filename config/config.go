// Package config loads the relay and session settings with viper: defaults,
// then an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"obd-relay/bluetooth"
	"obd-relay/elmsim"
	"obd-relay/logging"
	"obd-relay/mqtt"
	"obd-relay/relay"
	"obd-relay/scenario"
	"obd-relay/session"
	"obd-relay/store"
)

// Target types for the relay.
const (
	TargetTCP    = "tcp"
	TargetSerial = "serial"
)

// TargetConfig selects what the relay bridges clients to.
type TargetConfig struct {
	Type   string           `mapstructure:"type"` // tcp or serial
	Serial bluetooth.Config `mapstructure:"serial"`
}

// SimulatorConfig configures the built-in ELM327 simulator.
type SimulatorConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Profile    string `mapstructure:"profile"`
}

// ScenarioConfig selects the synthetic telemetry run by the session client.
type ScenarioConfig struct {
	Name         string `mapstructure:"name"` // built-in or file profile, empty for none
	File         string `mapstructure:"file"` // YAML profiles file
	Acceleration bool   `mapstructure:"acceleration"`
}

// PollConfig drives periodic PID requests.
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"` // zero disables polling
	PIDs     []string      `mapstructure:"pids"`
}

// Config is the complete application configuration.
type Config struct {
	Relay     relay.Config    `mapstructure:"relay"`
	Target    TargetConfig    `mapstructure:"target"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Session   session.Config  `mapstructure:"session"`
	Scenario  ScenarioConfig  `mapstructure:"scenario"`
	Poll      PollConfig      `mapstructure:"poll"`
	MQTT      mqtt.Config     `mapstructure:"mqtt"`
	Redis     store.Config    `mapstructure:"redis"`
	Logging   logging.Config  `mapstructure:"logging"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Relay:     relay.DefaultConfig(),
		Target:    TargetConfig{Type: TargetTCP, Serial: bluetooth.DefaultConfig()},
		Simulator: SimulatorConfig{ListenAddr: "127.0.0.1:35000", Profile: "city"},
		Session:   session.DefaultConfig(),
		Poll:      PollConfig{PIDs: []string{"0C", "0D", "05", "2F"}},
		MQTT:      mqtt.DefaultConfig(),
		Redis:     store.DefaultConfig(),
		Logging:   logging.Config{Level: "info", Format: "console"},
	}
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"relay.target_host": "OBD_SIMULATOR_HOST",
	"relay.target_port": "OBD_SIMULATOR_PORT",
	"ws_server_port":    "WS_SERVER_PORT",
	"session.url":       "WS_URL",
	"logging.level":     "LOG_LEVEL",
	"mqtt.broker":       "MQTT_BROKER",
	"redis.addr":        "REDIS_ADDR",
}

// Load reads the configuration. path selects an explicit file; when empty,
// config.yaml is searched in the working directory and /etc/obd-relay and
// may be absent.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("OBD_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/obd-relay")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if port := v.GetString("ws_server_port"); port != "" {
		cfg.Relay.ListenAddr = ":" + port
	}
	return cfg, nil
}

// setDefaults registers every leaf key so environment variables can
// override keys that no config file mentions.
func setDefaults(v *viper.Viper, d Config) {
	defaults := map[string]interface{}{
		"relay.listen_addr":      d.Relay.ListenAddr,
		"relay.target_host":      d.Relay.TargetHost,
		"relay.target_port":      d.Relay.TargetPort,
		"relay.max_attempts":     d.Relay.MaxAttempts,
		"relay.retry_delay":      d.Relay.RetryDelay,
		"relay.dial_timeout":     d.Relay.DialTimeout,
		"relay.read_buffer_size": d.Relay.ReadBufferSize,
		"relay.shutdown_timeout": d.Relay.ShutdownTimeout,

		"target.type":                 d.Target.Type,
		"target.serial.device_path":   d.Target.Serial.DevicePath,
		"target.serial.baud_rate":     d.Target.Serial.BaudRate,
		"target.serial.read_timeout":  d.Target.Serial.ReadTimeout,
		"target.serial.init_commands": d.Target.Serial.InitCommands,
		"target.serial.init_timeout":  d.Target.Serial.InitTimeout,
		"target.serial.settle_delay":  d.Target.Serial.SettleDelay,

		"simulator.listen_addr": d.Simulator.ListenAddr,
		"simulator.profile":     d.Simulator.Profile,

		"session.url":                d.Session.URL,
		"session.max_attempts":       d.Session.MaxAttempts,
		"session.retry_delay":        d.Session.RetryDelay,
		"session.dial_timeout":       d.Session.DialTimeout,
		"session.handshake_commands": d.Session.HandshakeCommands,
		"session.handshake_delay":    d.Session.HandshakeDelay,
		"session.acceleration_tick":  d.Session.AccelerationTick,
		"session.idle_timeout":       d.Session.IdleTimeout,

		"scenario.name":         d.Scenario.Name,
		"scenario.file":         d.Scenario.File,
		"scenario.acceleration": d.Scenario.Acceleration,

		"poll.interval": d.Poll.Interval,
		"poll.pids":     d.Poll.PIDs,

		"mqtt.enabled":         d.MQTT.Enabled,
		"mqtt.broker":          d.MQTT.Broker,
		"mqtt.username":        d.MQTT.Username,
		"mqtt.password":        d.MQTT.Password,
		"mqtt.client_id":       d.MQTT.ClientID,
		"mqtt.data_topic":      d.MQTT.DataTopic,
		"mqtt.command_topic":   d.MQTT.CommandTopic,
		"mqtt.qos":             d.MQTT.QoS,
		"mqtt.keep_alive":      d.MQTT.KeepAlive,
		"mqtt.connect_timeout": d.MQTT.ConnectTimeout,
		"mqtt.auto_reconnect":  d.MQTT.AutoReconnect,
		"mqtt.queue_size":      d.MQTT.QueueSize,

		"redis.enabled":    d.Redis.Enabled,
		"redis.addr":       d.Redis.Addr,
		"redis.password":   d.Redis.Password,
		"redis.db":         d.Redis.DB,
		"redis.key_prefix": d.Redis.KeyPrefix,
		"redis.ttl":        d.Redis.TTL,
		"redis.timeout":    d.Redis.Timeout,

		"logging.level":  d.Logging.Level,
		"logging.format": d.Logging.Format,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// ValidateRelay checks the settings the relay daemon needs.
func (c Config) ValidateRelay() error {
	if err := c.Relay.Validate(); err != nil {
		return err
	}
	switch c.Target.Type {
	case TargetTCP:
	case TargetSerial:
		if c.Target.Serial.DevicePath == "" {
			return fmt.Errorf("%w: serial target needs a device path", relay.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown target type %q", relay.ErrInvalidConfig, c.Target.Type)
	}
	return nil
}

// ValidateSession checks the settings the session client needs.
func (c Config) ValidateSession() error {
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if c.Poll.Interval < 0 {
		return fmt.Errorf("%w: negative poll interval", session.ErrInvalidConfig)
	}
	return nil
}

// ErrUnknownProfile is returned when a scenario or simulator profile name
// matches neither a built-in nor a profile from the scenario file.
var ErrUnknownProfile = errors.New("unknown scenario profile")

// Profile resolves name against the scenario file, if any, then the built-ins.
func (c ScenarioConfig) Profile(name string) (scenario.Profile, error) {
	if c.File != "" {
		profiles, err := scenario.LoadProfiles(c.File)
		if err != nil {
			return scenario.Profile{}, err
		}
		for _, p := range profiles {
			if p.Name == name {
				return p, nil
			}
		}
	}
	if p, ok := scenario.Builtin(name); ok {
		return p, nil
	}
	return scenario.Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
}

// SimulatorConfig returns the simulator settings with its profile resolved.
func (c Config) SimulatorConfig() (elmsim.Config, error) {
	p, err := c.Scenario.Profile(c.Simulator.Profile)
	if err != nil {
		return elmsim.Config{}, err
	}
	return elmsim.Config{ListenAddr: c.Simulator.ListenAddr, Profile: p}, nil
}
