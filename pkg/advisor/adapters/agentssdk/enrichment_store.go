// enrichment_store.go keeps per-run context captured by hooks until the
// wrapper needs it.

package agentssdk

import "sync"

// defaultHistorySize is how many operations are kept per run.
const defaultHistorySize = 8

// Enrichment contains per-run context captured from hooks.
type Enrichment struct {
	AgentName string

	// Model is the LLM model of the most recent call.
	Model string

	ToolName   string
	ToolCallID string

	// ToolArgs are the scrubbed JSON arguments of the most recent tool call.
	ToolArgs string

	// Operation is what was in progress (tool, llm).
	Operation   string
	OperationID string

	// History holds the most recent operations, oldest first.
	History []OperationRecord
}

// EnrichmentStore provides thread-safe storage for per-run enrichment data.
type EnrichmentStore interface {
	// Update applies fn to the enrichment for runID, creating it if needed.
	// fn runs under the store lock and must not call back into the store.
	Update(runID string, fn func(e *Enrichment))

	// AppendOperation adds a record to the run's bounded history.
	AppendOperation(runID string, rec OperationRecord)

	// UpdateLastOperation applies fn to the most recent record of the
	// given kind, if any.
	UpdateLastOperation(runID, kind string, fn func(rec *OperationRecord))

	// Get returns a copy of the enrichment for runID with History filled in.
	Get(runID string) (Enrichment, bool)

	Delete(runID string)
}

type runEntry struct {
	enrichment Enrichment
	history    operationHistoryBuffer
}

type inMemoryEnrichmentStore struct {
	mu          sync.Mutex
	data        map[string]*runEntry
	historySize int
}

// NewEnrichmentStore creates a new in-memory enrichment store keeping
// historySize operations per run (default 8 when <= 0).
func NewEnrichmentStore(historySize int) EnrichmentStore {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &inMemoryEnrichmentStore{
		data:        make(map[string]*runEntry),
		historySize: historySize,
	}
}

func (s *inMemoryEnrichmentStore) entry(runID string) *runEntry {
	e, ok := s.data[runID]
	if !ok {
		e = &runEntry{history: operationHistoryBuffer{maxSize: s.historySize}}
		s.data[runID] = e
	}
	return e
}

func (s *inMemoryEnrichmentStore) Update(runID string, fn func(e *Enrichment)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.entry(runID).enrichment)
}

func (s *inMemoryEnrichmentStore) AppendOperation(runID string, rec OperationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(runID).history.Add(rec)
}

func (s *inMemoryEnrichmentStore) UpdateLastOperation(runID, kind string, fn func(rec *OperationRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[runID]; ok {
		e.history.UpdateLast(kind, fn)
	}
}

func (s *inMemoryEnrichmentStore) Get(runID string) (Enrichment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[runID]
	if !ok {
		return Enrichment{}, false
	}
	out := e.enrichment
	out.History = e.history.GetAll()
	return out, true
}

func (s *inMemoryEnrichmentStore) Delete(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, runID)
}
