//go:build integration

package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/infrastructure/config"
)

// These tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := integrationConfig("driverhost-int-refused")
	cfg.Broker.Port = 19999

	if _, err := Connect(cfg); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIntegration_CommandRoundtrip(t *testing.T) {
	sub, err := Connect(integrationConfig("driverhost-int-sub"))
	if err != nil {
		t.Fatalf("Connect(sub) error = %v", err)
	}
	defer sub.Close()

	pub, err := Connect(integrationConfig("driverhost-int-pub"))
	if err != nil {
		t.Fatalf("Connect(pub) error = %v", err)
	}
	defer pub.Close()

	if err := sub.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	got := make(chan string, 1)
	err = sub.Subscribe(Topics{}.AllFieldCommands(), 1, func(topic string, _ []byte) error {
		m, f, _ := ParseFieldCommand(topic)
		got <- m + "." + f
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !sub.HasSubscription(Topics{}.AllFieldCommands()) {
		t.Error("subscription not tracked")
	}

	if err := pub.PublishJSON(Topics{}.FieldCommand("thermo1", "Power"), map[string]any{"value": true}, false); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	select {
	case v := <-got:
		if v != "thermo1.Power" {
			t.Errorf("received %q", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	if err := sub.Unsubscribe(Topics{}.AllFieldCommands()); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
}
