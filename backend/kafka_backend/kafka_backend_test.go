package kafkabackend

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/require"

	"github.com/skroutz/aggrconf/aggregation"
)

func TestConfigMap(t *testing.T) {
	cfg := map[string]interface{}{
		"bootstrap.servers":        "localhost:9092",
		"queue.buffering.max.ms":   json.Number("5"),
		"go.delivery.reports":      true,
		"message.send.max.retries": json.Number("2"),
	}

	got, err := configMap(cfg)
	require.NoError(t, err)
	require.Equal(t, kafka.ConfigMap{
		"bootstrap.servers":        "localhost:9092",
		"queue.buffering.max.ms":   "5",
		"go.delivery.reports":      true,
		"message.send.max.retries": "2",
	}, got)
}

func TestID(t *testing.T) {
	require.Equal(t, "kafka", (&Backend{}).ID())
}

func TestNotifyWithoutBrokerTimesOut(t *testing.T) {
	b := &Backend{DeliveryTimeout: 200 * time.Millisecond}
	err := b.Start(context.Background(), map[string]interface{}{
		"bootstrap.servers":  "127.0.0.1:1",
		"message.timeout.ms": json.Number("60000"),
	})
	require.NoError(t, err)
	defer b.Stop()

	start := time.Now()
	err = b.Notify("aggregations", aggregation.Record{Connection: "db1", Status: aggregation.StatusSuccess})
	require.Error(t, err)
	require.Contains(t, err.Error(), "No delivery report")
	require.Less(t, time.Since(start), 5*time.Second)
}
