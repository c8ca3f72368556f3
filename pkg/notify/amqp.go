package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	amqpclient "github.com/dominodatalab/amqp-client"
	"github.com/go-logr/logr"
	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/dominodatalab/vulcan/pkg/config"
	"github.com/dominodatalab/vulcan/pkg/lifecycle"
)

const publishContentType = "application/json"

// PhaseTransitionMessage is published whenever the observed phase of a pod changes.
type PhaseTransitionMessage struct {
	Name          string            `json:"name"`
	Namespace     string            `json:"namespace"`
	Labels        map[string]string `json:"labels,omitempty"`
	PreviousPhase lifecycle.Phase   `json:"previousPhase"`
	CurrentPhase  lifecycle.Phase   `json:"currentPhase"`
	Reason        string            `json:"reason,omitempty"`
	Message       string            `json:"message,omitempty"`
	ExitCode      *int32            `json:"exitCode,omitempty"`
	OccurredAt    time.Time         `json:"occurredAt"`
}

type publisher interface {
	Publish(ctx context.Context, msg amqpclient.SimpleMessage) error
	Close() error
}

var newPublisher = func(log logr.Logger, url string) (publisher, error) {
	client, err := amqpclient.NewSimpleClient(log, url)
	if err != nil {
		return nil, err
	}

	return client, nil
}

// AMQPObserver publishes lifecycle phase transitions to an AMQP exchange or queue.
//
// Publishing is best effort: failures are logged and never interrupt the lifecycle.
type AMQPObserver struct {
	log       logr.Logger
	cfg       config.AMQPMessaging
	labels    map[string]string
	publisher publisher
}

// NewAMQPObserver connects to the broker described by cfg. labels are copied into every message.
func NewAMQPObserver(log logr.Logger, cfg config.AMQPMessaging, labels map[string]string) (*AMQPObserver, error) {
	log = log.WithName("amqp-observer")

	log.Info("Creating AMQP message publisher")
	p, err := newPublisher(log, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to message broker: %w", err)
	}

	return &AMQPObserver{
		log:       log,
		cfg:       cfg,
		labels:    labels,
		publisher: p,
	}, nil
}

func (o *AMQPObserver) Observe(ctx context.Context, t lifecycle.Transition) {
	txn := newrelic.FromContext(ctx)
	seg := txn.StartSegment(fmt.Sprintf("transition-to-%s", strings.ToLower(string(t.Current))))
	seg.AddAttribute("previous-phase", string(t.Previous))
	defer seg.End()

	message := PhaseTransitionMessage{
		Name:          t.Handle.Name,
		Namespace:     t.Handle.Namespace,
		Labels:        o.labels,
		PreviousPhase: t.Previous,
		CurrentPhase:  t.Current,
		Reason:        t.State.Reason,
		Message:       t.State.Message,
		ExitCode:      t.State.ExitCode,
		OccurredAt:    t.Time,
	}

	o.log.V(1).Info("Marshalling PhaseTransitionMessage into JSON", "message", message)
	content, err := json.Marshal(message)
	if err != nil {
		txn.NoticeError(newrelic.Error{Message: err.Error(), Class: "StatusMessageMarshalError"})
		o.log.Error(err, "Cannot marshal transition message")
		return
	}

	msg := amqpclient.SimpleMessage{
		ExchangeName: o.cfg.Exchange,
		QueueName:    o.cfg.Queue,
		ContentType:  publishContentType,
		Body:         content,
	}

	o.log.Info("Publishing transition message", "from", t.Previous, "to", t.Current)
	if err = o.publisher.Publish(ctx, msg); err != nil {
		txn.NoticeError(newrelic.Error{Message: err.Error(), Class: "MessagePublishError"})
		o.log.Error(err, "Cannot publish transition message")
	}
}

func (o *AMQPObserver) Close() error {
	o.log.V(1).Info("Closing message publisher")
	return o.publisher.Close()
}
