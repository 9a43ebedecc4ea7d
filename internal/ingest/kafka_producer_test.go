package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/blood-match/internal/models"
)

type recordingWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (r *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		panic("write without deadline")
	}
	r.msgs = append(r.msgs, msgs...)
	return nil
}

func (r *recordingWriter) Close() error { r.closed = true; return nil }

func TestPublishProfileKeyedByDonor(t *testing.T) {
	w := &recordingWriter{}
	p := newKafkaProducer(w, "", "")
	if err := p.PublishProfile(context.Background(), models.DonorCandidate{ID: "d1", BloodType: models.BloodO, Available: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || w.msgs[0].Topic != DefaultProfileTopic || string(w.msgs[0].Key) != "d1" {
		t.Fatalf("unexpected message %+v", w.msgs)
	}
	var d models.DonorCandidate
	if err := json.Unmarshal(w.msgs[0].Value, &d); err != nil || d.BloodType != models.BloodO {
		t.Fatalf("unexpected payload %s err=%v", w.msgs[0].Value, err)
	}
}

func TestPublishEventKeyedByRequest(t *testing.T) {
	w := &recordingWriter{}
	p := newKafkaProducer(w, "profiles", "events")
	ev := models.LifecycleEvent{Type: models.EventRequestStatusChanged, RequestID: "r1", From: "open", To: "matched", At: time.Now()}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	m := w.msgs[0]
	if m.Topic != "events" || string(m.Key) != "r1" {
		t.Fatalf("unexpected routing %s/%s", m.Topic, m.Key)
	}
	if len(m.Headers) != 1 || string(m.Headers[0].Value) != string(models.EventRequestStatusChanged) {
		t.Fatalf("expected type header, got %+v", m.Headers)
	}
	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("expected writer closed, err=%v", err)
	}
}
