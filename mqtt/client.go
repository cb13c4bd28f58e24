// Package mqtt publishes session telemetry to an MQTT broker and forwards
// commands received from it to the session.
package mqtt

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"obd-relay/common"
	"obd-relay/obd"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("MQTT client not connected")

// Config holds the MQTT client settings.
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`          // e.g. "tcp://localhost:1883"
	Username       string        `mapstructure:"username"`        // optional
	Password       string        `mapstructure:"password"`        // optional
	ClientID       string        `mapstructure:"client_id"`       // generated when empty
	DataTopic      string        `mapstructure:"data_topic"`      // base topic for telemetry
	CommandTopic   string        `mapstructure:"command_topic"`   // base topic for commands
	QoS            byte          `mapstructure:"qos"`             // 0, 1, 2
	KeepAlive      int           `mapstructure:"keep_alive"`      // seconds
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AutoReconnect  bool          `mapstructure:"auto_reconnect"`
	QueueSize      int           `mapstructure:"queue_size"` // buffered readings before dropping
}

// generateClientID returns a random client ID
func generateClientID() string {
	bytes := make([]byte, 4)
	rand.Read(bytes)
	return "obd-relay-" + hex.EncodeToString(bytes)
}

// DefaultConfig returns the default MQTT configuration
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       generateClientID(),
		DataTopic:      "car/telemetry",
		CommandTopic:   "car/command",
		QoS:            1,
		KeepAlive:      60,
		ConnectTimeout: 10 * time.Second,
		AutoReconnect:  true,
		QueueSize:      32,
	}
}

// TelemetryMessage is one metric published to the data topic.
type TelemetryMessage struct {
	Session   string    `json:"session"`
	PID       string    `json:"pid"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
	Raw       string    `json:"raw,omitempty"`
}

type CommandMessage = common.CommandMessage

type CommandResponse = common.CommandResponse

// CommandSender delivers a raw adapter command, such as Session.Send.
type CommandSender interface {
	Send(cmd string) error
}

// Client bridges one session to the broker.
type Client struct {
	config     Config
	mqttClient mqttLib.Client
	sender     CommandSender
	readings   chan common.Reading
	responses  chan CommandResponse
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	logger     zerolog.Logger
	sessionID  string
}

// NewClient creates an MQTT client for sessionID. Commands are handed to sender.
func NewClient(config Config, sessionID string, sender CommandSender, logger zerolog.Logger) *Client {
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	return &Client{
		config:    config,
		sender:    sender,
		readings:  make(chan common.Reading, config.QueueSize),
		responses: make(chan CommandResponse, config.QueueSize),
		stopChan:  make(chan struct{}),
		logger:    logger,
		sessionID: sessionID,
	}
}

// Start connects to the broker and starts the publish loops.
func (c *Client) Start() error {
	c.logger.Info().Str("broker", c.config.Broker).Str("client_id", c.config.ClientID).Msg("starting MQTT client")

	opts := mqttLib.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetKeepAlive(time.Duration(c.config.KeepAlive) * time.Second)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(c.config.AutoReconnect)

	if c.config.Username != "" && c.config.Password != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
		c.logger.Info().Msg("MQTT authentication enabled")
	} else {
		c.logger.Info().Msg("MQTT authentication disabled (anonymous mode)")
	}

	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.onConnectionLostHandler)
	opts.SetReconnectingHandler(c.onReconnectingHandler)

	c.mqttClient = mqttLib.NewClient(opts)

	if token := c.mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.startLoops()
	c.logger.Info().Msg("MQTT client started")
	return nil
}

func (c *Client) startLoops() {
	c.wg.Add(2)
	go c.publishTelemetryLoop()
	go c.publishResponsesLoop()
}

// Stop drains the loops and disconnects.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("stopping MQTT client")
		close(c.stopChan)
		c.wg.Wait()

		if c.mqttClient != nil && c.mqttClient.IsConnected() {
			c.mqttClient.Disconnect(1000)
			c.logger.Info().Msg("MQTT client disconnected")
		}
	})
	return nil
}

// onConnectHandler runs on every (re)connect and renews the command subscription
func (c *Client) onConnectHandler(client mqttLib.Client) {
	c.logger.Info().Msg("connected to MQTT broker")

	commandTopic := c.commandRequestTopic()
	if token := client.Subscribe(commandTopic, c.config.QoS, c.onCommandReceived); token.Wait() && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Str("topic", commandTopic).Msg("failed to subscribe to command topic")
		return
	}
	c.logger.Info().Str("topic", commandTopic).Msg("subscribed to command topic")
}

func (c *Client) onConnectionLostHandler(client mqttLib.Client, err error) {
	c.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (c *Client) onReconnectingHandler(client mqttLib.Client, opts *mqttLib.ClientOptions) {
	c.logger.Info().Msg("reconnecting to MQTT broker")
}

// onCommandReceived forwards a command to the session and reports the outcome
func (c *Client) onCommandReceived(client mqttLib.Client, msg mqttLib.Message) {
	c.logger.Debug().Str("topic", msg.Topic()).Msg("received command")

	var cmd CommandMessage
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		c.logger.Warn().Err(err).Msg("failed to unmarshal command")
		return
	}

	command := strings.TrimSpace(cmd.Command)
	if command == "" {
		c.PublishCommandResponse(cmd.CorrelationID, "error", nil, errors.New("empty command"))
		return
	}

	c.logger.Info().Str("command", command).Str("correlation_id", cmd.CorrelationID).Msg("processing command")
	err := c.sender.Send(command + "\r")
	c.PublishCommandResponse(cmd.CorrelationID, "success", command, err)
}

// PublishReading queues r for publishing. The reading is dropped when the
// queue is full.
func (c *Client) PublishReading(r common.Reading) {
	select {
	case c.readings <- r:
	default:
		c.logger.Warn().Msg("telemetry queue is full, dropping reading")
	}
}

func (c *Client) publishTelemetryLoop() {
	defer c.wg.Done()
	c.logger.Debug().Msg("telemetry publish loop started")

	for {
		select {
		case <-c.stopChan:
			c.logger.Debug().Msg("telemetry publish loop stopped")
			return
		case r := <-c.readings:
			now := time.Now()
			for _, sample := range obd.Samples(r) {
				if err := c.publishTelemetry(c.convertToTelemetryMessage(sample, now)); err != nil {
					c.logger.Warn().Err(err).Str("metric", sample.Metric).Msg("failed to publish telemetry")
				}
			}
		}
	}
}

func (c *Client) publishResponsesLoop() {
	defer c.wg.Done()
	c.logger.Debug().Msg("responses publish loop started")

	for {
		select {
		case <-c.stopChan:
			c.logger.Debug().Msg("responses publish loop stopped")
			return
		case response := <-c.responses:
			if err := c.publishCommandResponse(response); err != nil {
				c.logger.Warn().Err(err).Str("correlation_id", response.CorrelationID).Msg("failed to publish command response")
			}
		}
	}
}

func (c *Client) convertToTelemetryMessage(s obd.Sample, ts time.Time) *TelemetryMessage {
	return &TelemetryMessage{
		Session:   c.sessionID,
		PID:       s.PID,
		Metric:    s.Metric,
		Value:     float64(s.Value),
		Unit:      s.Unit,
		Timestamp: ts,
		Raw:       s.Raw,
	}
}

func (c *Client) publishTelemetry(msg *TelemetryMessage) error {
	topic := fmt.Sprintf("%s/%s/%s", c.config.DataTopic, c.sessionID, msg.Metric)
	if err := c.publish(topic, msg); err != nil {
		return err
	}
	c.logger.Debug().Str("topic", topic).Float64("value", msg.Value).Str("unit", msg.Unit).Msg("published telemetry")
	return nil
}

func (c *Client) publishCommandResponse(response CommandResponse) error {
	topic := fmt.Sprintf("%s/%s/response", c.config.CommandTopic, c.sessionID)
	if err := c.publish(topic, response); err != nil {
		return err
	}
	c.logger.Debug().Str("topic", topic).Str("status", response.Status).Msg("published command response")
	return nil
}

func (c *Client) publish(topic string, v interface{}) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}

	token := c.mqttClient.Publish(topic, c.config.QoS, false, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

func (c *Client) commandRequestTopic() string {
	return fmt.Sprintf("%s/+/request", c.config.CommandTopic)
}

// IsConnected reports whether the broker connection is up
func (c *Client) IsConnected() bool {
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}

// PublishCommandResponse queues a response for correlationID. A non-nil err
// turns the status into "error".
func (c *Client) PublishCommandResponse(correlationID, status string, result interface{}, err error) {
	response := CommandResponse{
		CorrelationID: correlationID,
		Status:        status,
		Result:        result,
		Timestamp:     time.Now(),
	}

	if err != nil {
		response.Status = "error"
		response.Error = err.Error()
	}

	select {
	case c.responses <- response:
	case <-time.After(1 * time.Second):
		c.logger.Warn().Str("correlation_id", correlationID).Msg("timeout queueing command response")
	}
}
