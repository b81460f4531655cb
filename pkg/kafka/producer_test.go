package kafka

import (
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProducerValidation(t *testing.T) {
	_, err := NewProducer(ProducerConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewProducer(ProducerConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	p, err := NewProducer(ProducerConfig{Brokers: []string{"localhost:9092"}, Topic: "streamhub.events", ClientID: "hub"})
	require.NoError(t, err)
	assert.Equal(t, "streamhub.events", p.Topic())
	assert.NoError(t, p.Close())
}

func TestCompressionFromString(t *testing.T) {
	assert.Equal(t, kafkago.Gzip, CompressionFromString("GZIP"))
	assert.Equal(t, kafkago.Zstd, CompressionFromString("zstd"))
	assert.Equal(t, kafkago.Lz4, CompressionFromString("lz4"))
	assert.Equal(t, kafkago.Snappy, CompressionFromString("whatever"))
	assert.Equal(t, kafkago.Compression(0), CompressionFromString("none"))
}

func TestAcksFromInt(t *testing.T) {
	assert.Equal(t, kafkago.RequireNone, AcksFromInt(0))
	assert.Equal(t, kafkago.RequireOne, AcksFromInt(1))
	assert.Equal(t, kafkago.RequireAll, AcksFromInt(-1))
}
