package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/events"
	"github.com/docflow-go/pkg/logger"
)

const defaultIndex = "docflow-executions"

// ExecutionSource loads committed executions by run id. The state store
// satisfies it.
type ExecutionSource interface {
	Get(ctx context.Context, runID string) (*workflow.Execution, error)
}

// Document is the indexed shape of one finished run.
type Document struct {
	RunID          string     `json:"runId"`
	WorkflowID     string     `json:"workflowId"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	TriggeredBy    string     `json:"triggeredBy"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	DurationMillis int64      `json:"durationMillis"`
	NodesTotal     int        `json:"nodesTotal"`
	NodesDone      int        `json:"nodesDone"`
	NodesFailed    int        `json:"nodesFailed"`
	NodesSkipped   int        `json:"nodesSkipped"`
}

// Archiver indexes terminal executions into Elasticsearch for history
// search. Indexing happens on its own goroutine fed from run events, so
// a slow or down cluster never touches the execution path.
type Archiver struct {
	client *elasticsearch.Client
	source ExecutionSource
	index  string
	logger logger.Logger

	jobs chan string
	stop chan struct{}
	done chan struct{}
}

func New(client *elasticsearch.Client, source ExecutionSource, index string, log logger.Logger) *Archiver {
	if index == "" {
		index = defaultIndex
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Archiver{
		client: client,
		source: source,
		index:  index,
		logger: log,
		jobs:   make(chan string, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start creates the index and begins consuming terminal run events.
func (a *Archiver) Start(bus events.EventBus) error {
	if err := a.ensureIndex(); err != nil {
		return err
	}

	terminal := []string{
		events.ExecutionCompleted,
		events.ExecutionFailed,
		events.ExecutionCancelled,
	}
	for _, eventType := range terminal {
		if err := bus.Subscribe(eventType, a.handleRunEvent); err != nil {
			return fmt.Errorf("subscribe %s: %w", eventType, err)
		}
	}

	go a.worker()
	a.logger.Info("Execution archiver started", "index", a.index)
	return nil
}

// Close stops the worker after draining queued runs.
func (a *Archiver) Close() {
	close(a.stop)
	<-a.done
}

func (a *Archiver) handleRunEvent(ctx context.Context, event events.Event) error {
	runID, _ := event.Payload["runId"].(string)
	if runID == "" {
		return nil
	}
	select {
	case a.jobs <- runID:
	default:
		a.logger.Warn("Archive queue full, dropping run", "run_id", runID)
	}
	return nil
}

func (a *Archiver) worker() {
	defer close(a.done)
	for {
		select {
		case runID := <-a.jobs:
			a.indexRun(runID)
		case <-a.stop:
			for {
				select {
				case runID := <-a.jobs:
					a.indexRun(runID)
				default:
					return
				}
			}
		}
	}
}

func (a *Archiver) indexRun(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exec, err := a.source.Get(ctx, runID)
	if err != nil {
		a.logger.Warn("Failed to load run for archiving", "run_id", runID, "error", err)
		return
	}

	doc := buildDocument(exec)
	body, err := json.Marshal(doc)
	if err != nil {
		a.logger.Error("Failed to encode archive document", "run_id", runID, "error", err)
		return
	}

	req := esapi.IndexRequest{
		Index:      a.index,
		DocumentID: runID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, a.client)
	if err != nil {
		a.logger.Warn("Failed to index run", "run_id", runID, "error", err)
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		a.logger.Warn("Index request rejected", "run_id", runID, "status", res.StatusCode)
		return
	}
	a.logger.Debug("Archived run", "run_id", runID, "workflow_id", exec.WorkflowID)
}

// Search returns archived runs, newest first. The query matches status,
// error text and triggering source; workflowID narrows to one workflow.
func (a *Archiver) Search(ctx context.Context, query, workflowID string, limit int) ([]Document, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	must := []map[string]interface{}{}
	if query != "" {
		must = append(must, map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"status", "error", "triggeredBy", "workflowId"},
			},
		})
	}
	filter := []map[string]interface{}{}
	if workflowID != "" {
		filter = append(filter, map[string]interface{}{
			"term": map[string]interface{}{"workflowId": workflowID},
		})
	}

	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   must,
				"filter": filter,
			},
		},
		"sort": []map[string]interface{}{
			{"startedAt": map[string]interface{}{"order": "desc"}},
		},
		"size": limit,
	})
	if err != nil {
		return nil, err
	}

	req := esapi.SearchRequest{
		Index: []string{a.index},
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, a.client)
	if err != nil {
		return nil, fmt.Errorf("search archive: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("search archive: status %d", res.StatusCode)
	}

	var envelope struct {
		Hits struct {
			Hits []struct {
				Source Document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	docs := make([]Document, 0, len(envelope.Hits.Hits))
	for _, hit := range envelope.Hits.Hits {
		docs = append(docs, hit.Source)
	}
	return docs, nil
}

func (a *Archiver) ensureIndex() error {
	mapping := `{
		"mappings": {
			"properties": {
				"runId": {"type": "keyword"},
				"workflowId": {"type": "keyword"},
				"status": {"type": "keyword"},
				"error": {"type": "text"},
				"triggeredBy": {"type": "keyword"},
				"startedAt": {"type": "date"},
				"finishedAt": {"type": "date"},
				"durationMillis": {"type": "long"},
				"nodesTotal": {"type": "integer"},
				"nodesDone": {"type": "integer"},
				"nodesFailed": {"type": "integer"},
				"nodesSkipped": {"type": "integer"}
			}
		}
	}`

	req := esapi.IndicesCreateRequest{
		Index: a.index,
		Body:  strings.NewReader(mapping),
	}
	res, err := req.Do(context.Background(), a.client)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()

	// 400 means the index already exists.
	if res.IsError() && res.StatusCode != 400 {
		return fmt.Errorf("create index: status %d", res.StatusCode)
	}
	return nil
}

func buildDocument(exec *workflow.Execution) Document {
	doc := Document{
		RunID:          exec.ID,
		WorkflowID:     exec.WorkflowID,
		Status:         exec.Status,
		Error:          exec.Error,
		TriggeredBy:    exec.TriggeredBy,
		StartedAt:      exec.StartedAt,
		FinishedAt:     exec.FinishedAt,
		DurationMillis: exec.Duration().Milliseconds(),
		NodesTotal:     len(exec.NodeStatus),
	}
	for _, status := range exec.NodeStatus {
		switch status {
		case workflow.NodeStatusDone:
			doc.NodesDone++
		case workflow.NodeStatusError:
			doc.NodesFailed++
		case workflow.NodeStatusSkipped:
			doc.NodesSkipped++
		}
	}
	return doc
}
