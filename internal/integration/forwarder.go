package integration

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/tambula/esp-listener/internal/config"
	"github.com/tambula/esp-listener/internal/models"
)

// Forwarder 转发设备事件到外部系统 (MQTT / HTTP webhook)
type Forwarder struct {
	cfg config.IntegrationConfig

	// MQTT 客户端
	mqttClient mqtt.Client

	// HTTP 客户端
	httpClient *http.Client
}

// EventMessage is the body published for every device event
type EventMessage struct {
	ID          string           `json:"id"`
	Type        string           `json:"type"`
	Level       string           `json:"level"`
	Port        string           `json:"port"`
	DeviceID    *int             `json:"deviceId,omitempty"`
	Description string           `json:"description"`
	Details     models.Variables `json:"details,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// NewForwarder 创建转发服务; MQTT 在配置了 broker 时连接
func NewForwarder(cfg config.IntegrationConfig) (*Forwarder, error) {
	f := &Forwarder{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Webhook.Timeout,
		},
	}

	if cfg.MQTT.BrokerURL != "" {
		client, err := connectMQTT(cfg.MQTT)
		if err != nil {
			return nil, err
		}
		f.mqttClient = client
	}
	return f, nil
}

// Enabled reports whether any integration is configured
func (f *Forwarder) Enabled() bool {
	return f.mqttClient != nil || f.cfg.Webhook.URL != ""
}

// Record implements events.Sink. Delivery happens in the background.
func (f *Forwarder) Record(_ context.Context, event *models.EventLog) {
	msg := newEventMessage(event)
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event message")
		return
	}

	if f.mqttClient != nil {
		go f.forwardToMQTT(Topic(f.cfg.MQTT.TopicPattern, event), data)
	}
	if f.cfg.Webhook.URL != "" {
		go f.forwardToHTTP(data)
	}
}

// Topic expands {device_id}, {event} and {port} in pattern
func Topic(pattern string, event *models.EventLog) string {
	device := "unknown"
	if event.DeviceID != nil {
		device = strconv.Itoa(*event.DeviceID)
	}
	topic := strings.ReplaceAll(pattern, "{device_id}", device)
	topic = strings.ReplaceAll(topic, "{event}", event.Type.Subject())
	topic = strings.ReplaceAll(topic, "{port}", path.Base(event.Port))
	return topic
}

func newEventMessage(event *models.EventLog) EventMessage {
	return EventMessage{
		ID:          event.ID.String(),
		Type:        string(event.Type),
		Level:       string(event.Level),
		Port:        event.Port,
		DeviceID:    event.DeviceID,
		Description: event.Description,
		Details:     event.Details,
		Timestamp:   event.CreatedAt,
	}
}

// forwardToMQTT 转发数据到 MQTT
func (f *Forwarder) forwardToMQTT(topic string, data []byte) {
	if !f.mqttClient.IsConnected() {
		log.Warn().Str("topic", topic).Msg("MQTT not connected, event dropped")
		return
	}

	token := f.mqttClient.Publish(topic, f.cfg.MQTT.QoS, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		log.Error().Str("topic", topic).Msg("MQTT publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to publish to MQTT")
		return
	}
	log.Debug().Str("topic", topic).Msg("Event forwarded to MQTT")
}

// forwardToHTTP 转发数据到 HTTP
func (f *Forwarder) forwardToHTTP(data []byte) {
	req, err := http.NewRequest(http.MethodPost, f.cfg.Webhook.URL, bytes.NewReader(data))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range f.cfg.Webhook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("endpoint", f.cfg.Webhook.URL).Msg("Failed to forward event to HTTP")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Error().
			Int("status", resp.StatusCode).
			Str("endpoint", f.cfg.Webhook.URL).
			Msg("HTTP forward failed")
		return
	}
	log.Debug().Str("endpoint", f.cfg.Webhook.URL).Msg("Event forwarded to HTTP")
}

// Close 关闭 MQTT 连接
func (f *Forwarder) Close() {
	if f.mqttClient != nil && f.mqttClient.IsConnected() {
		f.mqttClient.Disconnect(250)
		log.Info().Msg("MQTT client disconnected")
	}
}

// connectMQTT 创建 MQTT 客户端
func connectMQTT(cfg config.MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	// 连接处理
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.BrokerURL).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()

	// ConnectRetry 下 token 在首次成功前不会完成
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", cfg.BrokerURL, token.Error())
	}
	return client, nil
}
