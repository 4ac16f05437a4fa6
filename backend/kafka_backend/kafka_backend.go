package kafkabackend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/skroutz/aggrconf/aggregation"
)

// FlushTimeout is the timeout we give to our kafka producer
// to flush pending messages.
const FlushTimeout = 5000

// DefaultDeliveryTimeout bounds the wait for the delivery report of a
// single message.
const DefaultDeliveryTimeout = 10 * time.Second

// Backend publishes records by producing them to a Kafka topic.
type Backend struct {
	// DeliveryTimeout overrides DefaultDeliveryTimeout.
	DeliveryTimeout time.Duration

	producer *kafka.Producer
}

// ID returns "kafka".
func (b *Backend) ID() string {
	return "kafka"
}

// Start starts the backend by creating a producer,
// given a set of options provided by the configuration.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	var err error

	kafkaCfg, err := configMap(cfg)
	if err != nil {
		return err
	}

	b.producer, err = kafka.NewProducer(&kafkaCfg)
	return err
}

// Notify produces rec to topic and waits for its delivery report.
func (b *Backend) Notify(topic string, rec aggregation.Record) error {
	payload, err := rec.Bytes()
	if err != nil {
		return err
	}

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(rec.Connection),
		Value:          payload,
	}

	delivery := make(chan kafka.Event, 1)
	err = b.producer.Produce(message, delivery)
	if err != nil {
		return err
	}

	timeout := b.DeliveryTimeout
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var e kafka.Event
	select {
	case e = <-delivery:
	case <-timer.C:
		return fmt.Errorf("No delivery report for %s after %s", topic, timeout)
	}

	m, ok := e.(*kafka.Message)
	if !ok {
		return fmt.Errorf("Unexpected delivery event %v", e)
	}
	return m.TopicPartition.Error
}

// Stop gracefully terminates b after flushing any outstanding messages to Kafka.
// An error is returned if (and only if) not all messages were flushed.
func (b *Backend) Stop() error {
	var err error

	unflushed := b.producer.Flush(FlushTimeout)
	if unflushed > 0 {
		err = fmt.Errorf("After %d ms there were still %d unflushed messages", FlushTimeout, unflushed)
	}

	b.producer.Close()
	return err
}

// configMap converts cfg, as decoded from the configuration file, to a
// kafka.ConfigMap. Numbers are passed to librdkafka as strings.
func configMap(cfg map[string]interface{}) (kafka.ConfigMap, error) {
	kafkaCfg := make(kafka.ConfigMap)
	for k, v := range cfg {
		if n, ok := v.(json.Number); ok {
			v = n.String()
		}
		err := kafkaCfg.SetKey(k, v)
		if err != nil {
			return nil, err
		}
	}
	return kafkaCfg, nil
}
