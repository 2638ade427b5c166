// Package events publishes download lifecycle notifications to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/you-humble/ytgrab/internal/domain"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

type Event struct {
	ID       string            `json:"event_id"`
	TaskKey  string            `json:"task_key"`
	UserID   string            `json:"user_id"`
	Status   domain.TaskStatus `json:"status"`
	Progress int               `json:"progress"`
	Error    string            `json:"error,omitempty"`
	At       time.Time         `json:"at"`
}

type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type publisher struct {
	js      jetStream
	subject string
	now     func() time.Time
}

func New(js jetStream, subject string) *publisher {
	return &publisher{
		js:      js,
		subject: subject,
		now:     time.Now,
	}
}

// Publish sends one event per status change. The subject gets the status as
// its last token, e.g. downloads.events.complete.
func (p *publisher) Publish(ctx context.Context, t domain.Task) error {
	if t.Key == "" {
		return fmt.Errorf("empty task key")
	}

	ev := Event{
		ID:       uuid.NewString(),
		TaskKey:  t.Key,
		UserID:   t.UserID,
		Status:   t.Status,
		Progress: t.Progress,
		Error:    t.Error,
		At:       p.now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &nats.Msg{
		Subject: p.subject + "." + string(t.Status),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, ev.ID)

	ack, err := p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish event for %s: %w", t.Key, err)
	}

	slog.Debug(
		"task event published",
		slog.String("task_key", t.Key),
		slog.String("subject", msg.Subject),
		slog.String("stream", ack.Stream),
		slog.Uint64("seq", ack.Sequence),
	)

	return nil
}

// Subjects is the subject filter the events stream must capture.
func Subjects(subject string) []string {
	return []string{subject + ".>"}
}
