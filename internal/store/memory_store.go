// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/voslund/fetchd/internal/model"
)

// MemoryStore is an in-memory StateStore used for unit tests and local
// prototyping. It mirrors the SQLite store's compare-and-set semantics.
type MemoryStore struct {
	mu          sync.RWMutex
	requests    map[string]*model.Request
	templates   map[string]*model.Template
	executions  map[string]*model.PipelineExecution
	steps       map[string][]*model.StepExecution // by execution id, ordered
	items       map[string]*model.ProcessingItem
	downloads   map[string]*model.Download
	workers     map[string]*model.EncoderWorker
	assignments map[string]*model.EncoderAssignment
	assignSeq   []string // insertion order of assignment ids
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]*model.Request),
		templates:   make(map[string]*model.Template),
		executions:  make(map[string]*model.PipelineExecution),
		steps:       make(map[string][]*model.StepExecution),
		items:       make(map[string]*model.ProcessingItem),
		downloads:   make(map[string]*model.Download),
		workers:     make(map[string]*model.EncoderWorker),
		assignments: make(map[string]*model.EncoderAssignment),
	}
}

func (m *MemoryStore) Close() error { return nil }

// clone deep-copies a record via JSON so callers never share memory with the
// store.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	b, _ := json.Marshal(v)
	out := new(T)
	_ = json.Unmarshal(b, out)
	return out
}

// --- Requests ---

func (m *MemoryStore) PutRequest(_ context.Context, r *model.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = clone(r)
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*model.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

func (m *MemoryStore) ListRequests(_ context.Context) ([]*model.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Request, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtUnix > out[j].CreatedAtUnix })
	return out, nil
}

func (m *MemoryStore) UpdateRequest(_ context.Context, id string, fn func(*model.Request) error) (*model.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := clone(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	m.requests[id] = next
	return clone(next), nil
}

// --- Templates ---

func (m *MemoryStore) PutTemplate(_ context.Context, t *model.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = clone(t)
	return nil
}

func (m *MemoryStore) GetTemplate(_ context.Context, id string) (*model.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (m *MemoryStore) ListTemplates(_ context.Context) ([]*model.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Template, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) DeleteTemplate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[id]; !ok {
		return ErrNotFound
	}
	delete(m.templates, id)
	return nil
}

// --- Executions ---

func (m *MemoryStore) PutExecution(_ context.Context, e *model.PipelineExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[e.ID] = clone(e)
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*model.PipelineExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, requestID string) ([]*model.PipelineExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.PipelineExecution
	for _, e := range m.executions {
		if requestID == "" || e.RequestID == requestID {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAtUnix < out[j].StartedAtUnix })
	return out, nil
}

func (m *MemoryStore) ListChildExecutions(_ context.Context, parentID string) ([]*model.PipelineExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.PipelineExecution
	for _, e := range m.executions {
		if e.ParentExecutionID == parentID {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAtUnix < out[j].StartedAtUnix })
	return out, nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, id string, fn func(*model.PipelineExecution) error) (*model.PipelineExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := clone(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	m.executions[id] = next
	return clone(next), nil
}

// --- Step executions ---

func (m *MemoryStore) CreateStepExecutions(_ context.Context, rows []*model.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, se := range rows {
		for _, existing := range m.steps[se.ExecutionID] {
			if existing.StepOrder == se.StepOrder {
				return ErrDuplicate
			}
		}
		m.steps[se.ExecutionID] = append(m.steps[se.ExecutionID], clone(se))
	}
	for id := range m.steps {
		rows := m.steps[id]
		sort.Slice(rows, func(i, j int) bool { return rows[i].StepOrder < rows[j].StepOrder })
	}
	return nil
}

func (m *MemoryStore) ListStepExecutions(_ context.Context, executionID string) ([]*model.StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.steps[executionID]
	out := make([]*model.StepExecution, 0, len(rows))
	for _, se := range rows {
		out = append(out, clone(se))
	}
	return out, nil
}

func (m *MemoryStore) findStep(executionID string, stepOrder int) *model.StepExecution {
	for _, se := range m.steps[executionID] {
		if se.StepOrder == stepOrder {
			return se
		}
	}
	return nil
}

func (m *MemoryStore) ClaimStep(_ context.Context, executionID string, stepOrder int, startedAtUnix int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	se := m.findStep(executionID, stepOrder)
	if se == nil {
		return false, ErrNotFound
	}
	if se.Status != model.StepPending {
		return false, nil
	}
	se.Status = model.StepRunning
	se.StartedAtUnix = startedAtUnix
	return true, nil
}

func (m *MemoryStore) UpdateStepExecution(_ context.Context, executionID string, stepOrder int, fn func(*model.StepExecution) error) (*model.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.findStep(executionID, stepOrder)
	if cur == nil {
		return nil, ErrNotFound
	}
	next := clone(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	if cur.Status.IsTerminal() && next.Status != cur.Status {
		return nil, ErrConflict
	}
	*cur = *next
	return clone(next), nil
}

// --- Processing items ---

func (m *MemoryStore) PutItem(_ context.Context, it *model.ProcessingItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.RequestID == it.RequestID && existing.Type == it.Type &&
			existing.Season == it.Season && existing.Episode == it.Episode {
			return ErrDuplicate
		}
	}
	m.items[it.ID] = clone(it)
	return nil
}

func (m *MemoryStore) GetItem(_ context.Context, id string) (*model.ProcessingItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(it), nil
}

func (m *MemoryStore) FindItem(_ context.Context, key ItemKey) (*model.ProcessingItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, it := range m.items {
		if it.RequestID == key.RequestID && it.Type == key.Type &&
			it.Season == key.Season && it.Episode == key.Episode {
			return clone(it), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) listItems(match func(*model.ProcessingItem) bool) []*model.ProcessingItem {
	var out []*model.ProcessingItem
	for _, it := range m.items {
		if match(it) {
			out = append(out, clone(it))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Season != out[j].Season {
			return out[i].Season < out[j].Season
		}
		return out[i].Episode < out[j].Episode
	})
	return out
}

func (m *MemoryStore) ListItemsByRequest(_ context.Context, requestID string) ([]*model.ProcessingItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listItems(func(it *model.ProcessingItem) bool { return it.RequestID == requestID }), nil
}

func (m *MemoryStore) ListItemsByStatus(_ context.Context, status model.ItemStatus) ([]*model.ProcessingItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listItems(func(it *model.ProcessingItem) bool { return it.Status == status }), nil
}

func (m *MemoryStore) UpdateItem(_ context.Context, id string, fn func(*model.ProcessingItem) error) (*model.ProcessingItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := clone(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	m.items[id] = next
	return clone(next), nil
}

// --- Downloads ---

func (m *MemoryStore) PutDownload(_ context.Context, d *model.Download) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.downloads {
		if existing.TorrentHash == d.TorrentHash && existing.ID != d.ID {
			return ErrDuplicate
		}
	}
	m.downloads[d.ID] = clone(d)
	return nil
}

func (m *MemoryStore) GetDownload(_ context.Context, id string) (*model.Download, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.downloads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d), nil
}

func (m *MemoryStore) GetDownloadByHash(_ context.Context, torrentHash string) (*model.Download, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.downloads {
		if d.TorrentHash == torrentHash {
			return clone(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListDownloads(_ context.Context) ([]*model.Download, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Download, 0, len(m.downloads))
	for _, d := range m.downloads {
		out = append(out, clone(d))
	}
	return out, nil
}

func (m *MemoryStore) UpdateDownload(_ context.Context, id string, fn func(*model.Download) error) (*model.Download, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.downloads[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := clone(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	m.downloads[id] = next
	return clone(next), nil
}

// --- Encoder workers ---

func (m *MemoryStore) PutWorker(_ context.Context, w *model.EncoderWorker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[w.ID] = clone(w)
	return nil
}

func (m *MemoryStore) GetWorker(_ context.Context, id string) (*model.EncoderWorker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(w), nil
}

func (m *MemoryStore) ListWorkers(_ context.Context) ([]*model.EncoderWorker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.EncoderWorker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, clone(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateWorker(_ context.Context, id string, fn func(*model.EncoderWorker) error) (*model.EncoderWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := clone(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	m.workers[id] = next
	return clone(next), nil
}

func (m *MemoryStore) MarkAllWorkersOffline(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.workers {
		if w.Status != model.WorkerOffline {
			w.Status = model.WorkerOffline
			w.CurrentJobs = 0
			n++
		}
	}
	return n, nil
}

// --- Encoder assignments ---

func (m *MemoryStore) CreateAssignment(_ context.Context, a *model.EncoderAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.assignments {
		if existing.JobID == a.JobID && !existing.Status.IsTerminal() {
			return ErrDuplicate
		}
	}
	m.assignments[a.ID] = clone(a)
	m.assignSeq = append(m.assignSeq, a.ID)
	return nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, id string) (*model.EncoderAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(a), nil
}

func (m *MemoryStore) ActiveAssignmentByJob(_ context.Context, jobID string) (*model.EncoderAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.assignSeq {
		a := m.assignments[id]
		if a != nil && a.JobID == jobID && !a.Status.IsTerminal() {
			return clone(a), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ActiveAssignmentByInput(_ context.Context, inputPath string) (*model.EncoderAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.assignSeq {
		a := m.assignments[id]
		if a != nil && a.InputPath == inputPath && !a.Status.IsTerminal() {
			return clone(a), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListAssignmentsByStatus(_ context.Context, status model.AssignmentStatus) ([]*model.EncoderAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.EncoderAssignment
	for _, id := range m.assignSeq {
		a := m.assignments[id]
		if a != nil && a.Status == status {
			out = append(out, clone(a))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListActiveAssignmentsByEncoder(_ context.Context, encoderID string) ([]*model.EncoderAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.EncoderAssignment
	for _, id := range m.assignSeq {
		a := m.assignments[id]
		if a != nil && a.EncoderID == encoderID && !a.Status.IsTerminal() {
			out = append(out, clone(a))
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateAssignment(_ context.Context, id string, fn func(*model.EncoderAssignment) error) (*model.EncoderAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.assignments[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := clone(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	if cur.Status.IsTerminal() && next.Status != cur.Status {
		return nil, ErrConflict
	}
	m.assignments[id] = next
	return clone(next), nil
}

func (m *MemoryStore) ResetAssignedToPending(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.assignments {
		if a.Status == model.AssignmentAssigned {
			a.Status = model.AssignmentPending
			a.SentAtUnix = 0
			a.EncoderID = ""
			n++
		}
	}
	return n, nil
}

var _ StateStore = (*MemoryStore)(nil)
