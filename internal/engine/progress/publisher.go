package progress

import (
	"sync"
	"time"

	"github.com/docflow-go/pkg/logger"
	"github.com/docflow-go/pkg/metrics"
)

// Event kinds
const (
	KindPhase     = "phase"
	KindNodeStart = "node-start"
	KindNodeDone  = "node-done"
	KindNodeError = "node-error"
	KindProgress  = "progress"
	KindComplete  = "complete"
	KindError     = "error"
)

// Event is one entry in the append-only narration of a run. Seq is
// monotonically increasing within a run.
type Event struct {
	Seq        uint64                 `json:"seq"`
	Kind       string                 `json:"kind"`
	RunID      string                 `json:"runId"`
	WorkflowID string                 `json:"workflowId"`
	NodeID     string                 `json:"nodeId,omitempty"`
	NodeName   string                 `json:"nodeName,omitempty"`
	NodeType   string                 `json:"nodeType,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Pinned     bool                   `json:"pinned,omitempty"`
	Items      int                    `json:"items,omitempty"`
	Progress   *Report                `json:"progress,omitempty"`
	Summary    map[string]interface{} `json:"summary,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Subscription is one observer's view of the stream. Cancel detaches
// the observer without affecting the run.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Publisher fans scheduler state transitions out to any number of
// passive observers, in emission order. The terminal event (complete or
// error, never both) is emitted exactly once; afterwards the stream is
// closed and further emissions are dropped.
//
// Subscribers that cannot keep up are evicted rather than allowed to
// stall the scheduler; an evicted client re-syncs from the latest
// snapshot.
type Publisher struct {
	runID      string
	workflowID string
	buffer     int
	logger     logger.Logger

	mu          sync.Mutex
	seq         uint64
	subscribers map[uint64]chan Event
	nextSubID   uint64
	terminal    bool
}

// NewPublisher creates a publisher for one run.
func NewPublisher(runID, workflowID string, buffer int, log logger.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Publisher{
		runID:       runID,
		workflowID:  workflowID,
		buffer:      buffer,
		logger:      log,
		subscribers: make(map[uint64]chan Event),
	}
}

// Subscribe attaches a new observer. Past events are not replayed; a
// late joiner pairs this with a state snapshot. Returns a closed
// subscription when the run already ended.
func (p *Publisher) Subscribe() *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan Event, p.buffer)
	if p.terminal {
		close(ch)
		return &Subscription{C: ch}
	}

	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = ch
	metrics.StreamSubscribers.Inc()

	return &Subscription{
		C: ch,
		cancel: func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if sub, ok := p.subscribers[id]; ok {
				delete(p.subscribers, id)
				close(sub)
				metrics.StreamSubscribers.Dec()
			}
		},
	}
}

// SubscriberCount returns the number of attached observers.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// Phase emits a human-readable stage description.
func (p *Publisher) Phase(message string) {
	p.publish(Event{Kind: KindPhase, Message: message})
}

// NodeStart emits the start of one node's execution.
func (p *Publisher) NodeStart(nodeID, nodeName, nodeType string) {
	p.publish(Event{Kind: KindNodeStart, NodeID: nodeID, NodeName: nodeName, NodeType: nodeType})
}

// NodeDone emits a node's successful completion. Pinned marks outputs
// substituted from pin data instead of a real dispatch.
func (p *Publisher) NodeDone(nodeID, nodeName string, pinned bool, items int) {
	p.publish(Event{Kind: KindNodeDone, NodeID: nodeID, NodeName: nodeName, Pinned: pinned, Items: items})
}

// NodeError emits a node failure that was routed or contained.
func (p *Publisher) NodeError(nodeID, nodeName string, err error) {
	p.publish(Event{Kind: KindNodeError, NodeID: nodeID, NodeName: nodeName, Message: err.Error()})
}

// Progress emits an aggregate progress report.
func (p *Publisher) Progress(report Report) {
	p.publish(Event{Kind: KindProgress, Progress: &report})
}

// Complete emits the terminal success event and closes the stream.
func (p *Publisher) Complete(summary map[string]interface{}) {
	p.publishTerminal(Event{Kind: KindComplete, Summary: summary})
}

// Error emits the terminal failure event and closes the stream.
func (p *Publisher) Error(nodeID string, err error) {
	p.publishTerminal(Event{Kind: KindError, NodeID: nodeID, Message: err.Error()})
}

func (p *Publisher) publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminal {
		return
	}
	p.deliver(e)
}

func (p *Publisher) publishTerminal(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminal {
		return
	}
	p.deliver(e)
	p.terminal = true
	for id, sub := range p.subscribers {
		delete(p.subscribers, id)
		close(sub)
		metrics.StreamSubscribers.Dec()
	}
}

// deliver stamps and sends under p.mu. Slow subscribers are evicted so
// a stalled reader never blocks the mutation goroutine.
func (p *Publisher) deliver(e Event) {
	p.seq++
	e.Seq = p.seq
	e.RunID = p.runID
	e.WorkflowID = p.workflowID
	e.Timestamp = time.Now()

	metrics.RecordEventPublished(e.Kind)

	for id, sub := range p.subscribers {
		select {
		case sub <- e:
		default:
			delete(p.subscribers, id)
			close(sub)
			metrics.StreamSubscribers.Dec()
			p.logger.Warn("slow subscriber evicted",
				"run_id", p.runID,
				"workflow_id", p.workflowID,
				"subscriber", id,
			)
		}
	}
}
