package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-sync/internal/guard"
	"github.com/example/ride-sync/internal/models"
)

// Transition is the journal record for one applied status change.
type Transition struct {
	RideID string            `json:"ride_id"`
	From   models.RideStatus `json:"from"`
	To     models.RideStatus `json:"to"`
	Source guard.Source      `json:"source"`
	At     time.Time         `json:"at"`
}

// KafkaJournal publishes applied transitions for analytics. Best
// effort: a failed publish is logged, never surfaced to the guard.
type KafkaJournal struct {
	writer *kafka.Writer
	log    *slog.Logger
}

func NewKafkaJournal(brokers []string, topic string, log *slog.Logger) *KafkaJournal {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaJournal{writer: w, log: log}
}

// Record implements guard.Recorder.
func (j *KafkaJournal) Record(_ context.Context, rideID string, from, to models.RideStatus, source guard.Source) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(Transition{RideID: rideID, From: from, To: to, Source: source, At: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := j.writer.WriteMessages(ctx, kafka.Message{Key: []byte(rideID), Value: b}); err != nil {
		j.log.Warn("transition journal publish failed", "ride_id", rideID, "error", err)
	}
}

func (j *KafkaJournal) Close() error {
	if j.writer == nil {
		return nil
	}
	return j.writer.Close()
}
