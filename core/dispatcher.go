package core

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/splinter-mesh/splinter/splinterrors"
	"github.com/splinter-mesh/splinter/wire"
)

// MessageSender lets a Handler send an outbound NetworkMessage back to a
// specific connection without depending on the Matrix directly, so a
// handler only sees a narrow sender interface rather than the whole
// network object.
type MessageSender interface {
	Send(connectionID string, msg wire.NetworkMessage) error
}

// Handler processes one inbound message type delivered on connectionID.
// Implementations must not block on anything but the work itself; the
// dispatcher's worker pool provides the concurrency.
type Handler interface {
	HandleMessage(connectionID string, payload []byte, sender MessageSender) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(connectionID string, payload []byte, sender MessageSender) error

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(connectionID string, payload []byte, sender MessageSender) error {
	return f(connectionID, payload, sender)
}

// dispatchJob is one unit of work handed to a dispatcher worker.
type dispatchJob struct {
	connectionID string
	msgType      wire.MessageType
	payload      []byte
}

// Dispatcher routes inbound frames to the Handler registered for their
// message type over a bounded pool of worker goroutines, using a single
// typed registry plus worker queue instead of a channel per message type.
type Dispatcher struct {
	log *logrus.Entry

	mu       sync.RWMutex
	handlers map[wire.MessageType]Handler

	sender MessageSender
	jobs   chan dispatchJob

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// DefaultWorkerCount bounds concurrent in-flight handler invocations.
const DefaultWorkerCount = 8

// DefaultQueueDepth bounds how many dispatched jobs may be queued before
// Dispatch blocks its caller.
const DefaultQueueDepth = 256

// NewDispatcher constructs a Dispatcher that sends handler-originated
// replies through sender, running workerCount worker goroutines.
func NewDispatcher(sender MessageSender, workerCount int, log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.New()
	}
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	d := &Dispatcher{
		log:      log.WithField("component", "dispatcher"),
		handlers: make(map[wire.MessageType]Handler),
		sender:   sender,
		jobs:     make(chan dispatchJob, DefaultQueueDepth),
		shutdown: make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	return d
}

// Set registers handler for messageType, replacing any prior handler.
func (d *Dispatcher) Set(messageType wire.MessageType, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[messageType] = handler
}

// Unset removes the handler registered for messageType, if any.
func (d *Dispatcher) Unset(messageType wire.MessageType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, messageType)
}

// Dispatch enqueues an inbound frame for handling. It returns an error
// immediately if no handler is registered for msg.Type, matching the
// teacher dispatcher's "no destination for message type" rejection.
func (d *Dispatcher) Dispatch(connectionID string, msg wire.NetworkMessage) error {
	d.mu.RLock()
	_, ok := d.handlers[msg.Type]
	d.mu.RUnlock()
	if !ok {
		return splinterrors.New(splinterrors.InvalidArgument, "dispatcher", fmt.Sprintf("no handler registered for message type %q", msg.Type))
	}
	job := dispatchJob{connectionID: connectionID, msgType: msg.Type, payload: msg.Payload}
	select {
	case d.jobs <- job:
		return nil
	case <-d.shutdown:
		return splinterrors.New(splinterrors.Internal, "dispatcher", "dispatcher shut down")
	}
}

// Shutdown stops all workers; jobs still queued when it is called may be
// left unprocessed.
func (d *Dispatcher) Shutdown() {
	d.once.Do(func() {
		close(d.shutdown)
	})
	d.wg.Wait()
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	log := d.log.WithField("worker", id)
	for {
		select {
		case job := <-d.jobs:
			d.mu.RLock()
			handler, ok := d.handlers[job.msgType]
			d.mu.RUnlock()
			if !ok {
				log.WithField("message_type", job.msgType).Warn("handler unregistered after dispatch, dropping")
				continue
			}
			if err := handler.HandleMessage(job.connectionID, job.payload, d.sender); err != nil {
				log.WithField("message_type", job.msgType).WithError(err).Warn("handler returned error")
			}
		case <-d.shutdown:
			return
		}
	}
}
