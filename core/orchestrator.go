package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Service is a running instance of a roster service, instantiated by the
// orchestrator once its circuit commits and torn down on disband.
type Service interface {
	// Start begins any background work the service needs; it must return
	// promptly and do its work on its own goroutine.
	Start() error
	// Tick is invoked periodically by the orchestrator's timer.
	Tick()
	// Stop releases the service's resources. It must be safe to call
	// even if Start failed or was never called.
	Stop()
}

// ServiceFactory constructs a Service for one roster entry. Factories
// are registered by service type string rather than resolved through an
// interface hierarchy.
type ServiceFactory func(circuit Circuit, roster RosterService) (Service, error)

// Orchestrator instantiates and supervises the services a committed
// circuit's roster names for this node, and tears them down again when
// the circuit disbands.
type Orchestrator struct {
	log *logrus.Entry

	mu        sync.Mutex
	factories map[string]ServiceFactory
	running   map[ServiceID]*runningService
	metrics   *Metrics

	tickInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

type runningService struct {
	svc  Service
	stop chan struct{}
}

// DefaultTickInterval is how often a running service's Tick is invoked.
const DefaultTickInterval = 5 * time.Second

// NewOrchestrator constructs an empty Orchestrator. metrics may be nil.
func NewOrchestrator(metrics *Metrics, log *logrus.Logger) *Orchestrator {
	if log == nil {
		log = logrus.New()
	}
	return &Orchestrator{
		log:          log.WithField("component", "orchestrator"),
		factories:    make(map[string]ServiceFactory),
		running:      make(map[ServiceID]*runningService),
		metrics:      metrics,
		tickInterval: DefaultTickInterval,
		stopCh:       make(chan struct{}),
	}
}

// RegisterFactory associates serviceType with factory, replacing any
// prior registration.
func (o *Orchestrator) RegisterFactory(serviceType string, factory ServiceFactory) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.factories[serviceType] = factory
}

// OnCircuitReady instantiates and starts every roster service in circuit
// whose AllowedNode is selfNode and whose service type has a registered
// factory. Roster entries with no matching factory are skipped, allowing
// a node to host only a subset of known service types.
func (o *Orchestrator) OnCircuitReady(circuit Circuit, selfNode NodeID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, roster := range circuit.Roster {
		if roster.AllowedNode != selfNode {
			continue
		}
		factory, ok := o.factories[roster.ServiceType]
		if !ok {
			o.log.WithField("service_type", roster.ServiceType).Debug("no factory registered, skipping")
			continue
		}
		id := ServiceID{CircuitID: circuit.CircuitID, ServiceID: roster.ServiceID}
		if _, exists := o.running[id]; exists {
			continue
		}
		svc, err := factory(circuit, roster)
		if err != nil {
			o.log.WithError(err).WithField("service", id).Warn("service factory failed")
			continue
		}
		if err := svc.Start(); err != nil {
			o.log.WithError(err).WithField("service", id).Warn("service failed to start")
			continue
		}
		rs := &runningService{svc: svc, stop: make(chan struct{})}
		o.running[id] = rs
		o.wg.Add(1)
		go o.superviseTicks(id, rs)
	}
	o.reportRunningLocked()
}

// OnCircuitDisbanded stops and removes every running service belonging
// to circuitID, calling each one's Stop before returning. There is no
// separate drain step: work a service has not finished when Stop is
// called is left to that service.
func (o *Orchestrator) OnCircuitDisbanded(circuitID CircuitID) {
	o.mu.Lock()
	var toStop []*runningService
	for id, rs := range o.running {
		if id.CircuitID == circuitID {
			toStop = append(toStop, rs)
			delete(o.running, id)
		}
	}
	o.reportRunningLocked()
	o.mu.Unlock()

	for _, rs := range toStop {
		close(rs.stop)
		rs.svc.Stop()
	}
}

// reportRunningLocked updates the running-service gauge. Callers must
// hold o.mu.
func (o *Orchestrator) reportRunningLocked() {
	if o.metrics != nil {
		o.metrics.RunningServices.Set(float64(len(o.running)))
	}
}

// RunningServices lists the service ids currently active.
func (o *Orchestrator) RunningServices() []ServiceID {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ServiceID, 0, len(o.running))
	for id := range o.running {
		out = append(out, id)
	}
	return out
}

// Shutdown stops every running service and the orchestrator's own timer
// goroutines.
func (o *Orchestrator) Shutdown() {
	close(o.stopCh)
	o.mu.Lock()
	services := o.running
	o.running = make(map[ServiceID]*runningService)
	o.reportRunningLocked()
	o.mu.Unlock()
	for _, rs := range services {
		close(rs.stop)
		rs.svc.Stop()
	}
	o.wg.Wait()
}

func (o *Orchestrator) superviseTicks(id ServiceID, rs *runningService) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rs.svc.Tick()
		case <-rs.stop:
			return
		case <-o.stopCh:
			return
		}
	}
}
