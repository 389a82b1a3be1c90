// Package worker provides a NATS worker that turns submitted texts into
// audiobooks.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/textlistens/internal/core"
	"github.com/book-expert/textlistens/internal/metrics"
	"github.com/book-expert/textlistens/internal/pipeline"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultHandleTimeout bounds the processing of one request.
const DefaultHandleTimeout = 10 * time.Minute

const queueGroup = "textlistens"

var (
	// ErrTextKeyEmpty indicates that the event does not reference any text.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
	// ErrTitleEmpty indicates that the event has no title.
	ErrTitleEmpty = errors.New("title cannot be empty")
)

// Processor runs one audiobook request.
type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// NatsWorker listens for audiobook requests on a NATS subject and processes them.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	store          core.ObjectStore
	processor      Processor
	metrics        *metrics.Metrics
	log            *logger.Logger
	handleTimeout  time.Duration
}

// NewNatsWorker creates a new instance of a NATS worker. metrics may be nil
// and a non-positive handleTimeout selects DefaultHandleTimeout.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	store core.ObjectStore,
	processor Processor,
	m *metrics.Metrics,
	log *logger.Logger,
	handleTimeout time.Duration,
) *NatsWorker {
	if handleTimeout <= 0 {
		handleTimeout = DefaultHandleTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		store:          store,
		processor:      processor,
		metrics:        m,
		log:            log,
		handleTimeout:  handleTimeout,
	}
}

// Run starts the worker and blocks until ctx is cancelled. Instances share
// the subject through a queue group.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.QueueSubscribe(w.subject, queueGroup, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.System("Listening for audiobook requests on subject: %s", w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.handleTimeout)
	defer cancel()

	event, err := w.parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate event: %v", err)

		if event == nil {
			event = &AudiobookRequestedEvent{}
		}

		w.respond(msg, newReply(event.Header, nil, err))

		return
	}

	done := w.metrics.RequestStarted(metrics.SourceNATS)
	result, err := w.processRequest(ctx, event)
	done(err)

	if err != nil {
		w.log.Error("Failed to process audiobook request for workflow %s: %v", event.Header.WorkflowID, err)
	} else {
		w.log.Info("Workflow %s uploaded as library item %s", event.Header.WorkflowID, result.LibraryItemID)
	}

	w.respond(msg, newReply(event.Header, result, err))
}

// processRequest downloads the submitted text and runs the pipeline on it.
func (w *NatsWorker) processRequest(ctx context.Context, event *AudiobookRequestedEvent) (*pipeline.Result, error) {
	textData, err := w.store.Download(ctx, event.TextKey)
	if err != nil {
		return nil, fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	return w.processor.Process(ctx, pipeline.Request{
		Text:       string(textData),
		Title:      event.Title,
		Voice:      event.Voice,
		Collection: event.Collection,
	})
}

func (w *NatsWorker) respond(msg *nats.Msg, reply *AudiobookUploadedEvent) {
	if msg.Reply == "" {
		return
	}

	err := w.publishReplyEvent(msg, reply)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", reply.Header.WorkflowID, err)
	}
}

// publishReplyEvent marshals and responds with the AudiobookUploadedEvent.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *AudiobookUploadedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func (w *NatsWorker) parseAndValidateEvent(msg *nats.Msg) (*AudiobookRequestedEvent, error) {
	var event AudiobookRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if strings.TrimSpace(event.TextKey) == "" {
		return &event, ErrTextKeyEmpty
	}

	if strings.TrimSpace(event.Title) == "" {
		return &event, ErrTitleEmpty
	}

	return &event, nil
}

// newReply builds the reply for a request header. The workflow, user and
// tenant carry over; the reply gets its own event ID and timestamp.
func newReply(requestHeader events.EventHeader, result *pipeline.Result, err error) *AudiobookUploadedEvent {
	header := requestHeader
	header.EventID = uuid.NewString()
	header.Timestamp = time.Now()

	reply := &AudiobookUploadedEvent{Header: header}

	if result != nil {
		reply.LibraryItemID = result.LibraryItemID
		reply.Chunks = result.Chunks
		reply.Synthesized = result.Synthesized
	}

	if err != nil {
		reply.Error = err.Error()
	}

	return reply
}
