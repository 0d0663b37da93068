package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/KevinKickass/OpenScanCore/internal/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// MQTTPublisher sends payloads to a broker with auto-reconnect.
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte
}

func brokerURL(raw string) string {
	url := strings.TrimSpace(raw)
	if strings.HasPrefix(url, "mqtt://") {
		url = "tcp://" + strings.TrimPrefix(url, "mqtt://")
	}
	return url
}

func ConnectMQTT(cfg config.MQTTConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))

	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = "openscancore-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	}
	opts.OnConnect = func(_ mqtt.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.Broker))
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &MQTTPublisher{client: c, qos: cfg.QoS}, nil
}

func (p *MQTTPublisher) Publish(topic string, payload []byte, retained bool) error {
	tok := p.client.Publish(topic, p.qos, retained, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return tok.Error()
}

func (p *MQTTPublisher) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Disconnect(1000)
}
