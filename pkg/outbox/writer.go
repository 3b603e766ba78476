package outbox

import (
	"github.com/segmentio/kafka-go"
)

// NewKafkaWriter returns a Producer for the relay. Messages carry their own
// topic, so the writer is not bound to one.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}
