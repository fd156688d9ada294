// SPDX-License-Identifier: MIT

// Package store is the system-of-record for requests, items, executions,
// downloads and encoder state.
//
// Design intent:
//   - All durable mutation goes through Update* closures executed inside a
//     transaction with a compare-and-set on (id, status), so duplicate walkers
//     and concurrent sweeps cannot double-apply.
//   - Reads are optimistic snapshots; callers re-read before acting.
package store

import (
	"context"
	"errors"

	"github.com/voslund/fetchd/internal/model"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set update lost the race.
	ErrConflict = errors.New("conflict: concurrent update")
	// ErrDuplicate is returned when a uniqueness constraint would be violated.
	ErrDuplicate = errors.New("duplicate")
)

// ItemKey is the natural uniqueness key of a ProcessingItem. Retries must
// never create a second row for the same key.
type ItemKey struct {
	RequestID string
	Type      model.ItemType
	Season    int
	Episode   int
}

// StateStore is the durable record of the whole pipeline.
type StateStore interface {
	// --- Requests ---
	PutRequest(ctx context.Context, r *model.Request) error
	GetRequest(ctx context.Context, id string) (*model.Request, error)
	ListRequests(ctx context.Context) ([]*model.Request, error)
	UpdateRequest(ctx context.Context, id string, fn func(*model.Request) error) (*model.Request, error)

	// --- Templates ---
	PutTemplate(ctx context.Context, t *model.Template) error
	GetTemplate(ctx context.Context, id string) (*model.Template, error)
	ListTemplates(ctx context.Context) ([]*model.Template, error)
	DeleteTemplate(ctx context.Context, id string) error

	// --- Executions ---
	PutExecution(ctx context.Context, e *model.PipelineExecution) error
	GetExecution(ctx context.Context, id string) (*model.PipelineExecution, error)
	ListExecutions(ctx context.Context, requestID string) ([]*model.PipelineExecution, error)
	ListChildExecutions(ctx context.Context, parentID string) ([]*model.PipelineExecution, error)
	// UpdateExecution applies fn under a status compare-and-set: the update is
	// rejected with ErrConflict if the status changed since the read.
	UpdateExecution(ctx context.Context, id string, fn func(*model.PipelineExecution) error) (*model.PipelineExecution, error)

	// --- Step executions ---
	CreateStepExecutions(ctx context.Context, rows []*model.StepExecution) error
	ListStepExecutions(ctx context.Context, executionID string) ([]*model.StepExecution, error)
	// ClaimStep atomically moves (executionID, stepOrder) PENDING -> RUNNING.
	// Returns false if the step was not PENDING, so a second walker backs off.
	ClaimStep(ctx context.Context, executionID string, stepOrder int, startedAtUnix int64) (bool, error)
	UpdateStepExecution(ctx context.Context, executionID string, stepOrder int, fn func(*model.StepExecution) error) (*model.StepExecution, error)

	// --- Processing items ---
	PutItem(ctx context.Context, it *model.ProcessingItem) error
	GetItem(ctx context.Context, id string) (*model.ProcessingItem, error)
	FindItem(ctx context.Context, key ItemKey) (*model.ProcessingItem, error)
	ListItemsByRequest(ctx context.Context, requestID string) ([]*model.ProcessingItem, error)
	ListItemsByStatus(ctx context.Context, status model.ItemStatus) ([]*model.ProcessingItem, error)
	// UpdateItem applies fn under a status compare-and-set on (id, status).
	UpdateItem(ctx context.Context, id string, fn func(*model.ProcessingItem) error) (*model.ProcessingItem, error)

	// --- Downloads ---
	PutDownload(ctx context.Context, d *model.Download) error
	GetDownload(ctx context.Context, id string) (*model.Download, error)
	GetDownloadByHash(ctx context.Context, torrentHash string) (*model.Download, error)
	ListDownloads(ctx context.Context) ([]*model.Download, error)
	UpdateDownload(ctx context.Context, id string, fn func(*model.Download) error) (*model.Download, error)

	// --- Encoder workers ---
	PutWorker(ctx context.Context, w *model.EncoderWorker) error
	GetWorker(ctx context.Context, id string) (*model.EncoderWorker, error)
	ListWorkers(ctx context.Context) ([]*model.EncoderWorker, error)
	UpdateWorker(ctx context.Context, id string, fn func(*model.EncoderWorker) error) (*model.EncoderWorker, error)
	// MarkAllWorkersOffline is the dispatcher's startup reset.
	MarkAllWorkersOffline(ctx context.Context) (int, error)

	// --- Encoder assignments ---
	CreateAssignment(ctx context.Context, a *model.EncoderAssignment) error
	GetAssignment(ctx context.Context, id string) (*model.EncoderAssignment, error)
	// ActiveAssignmentByJob returns the single non-terminal assignment for a
	// job, or ErrNotFound.
	ActiveAssignmentByJob(ctx context.Context, jobID string) (*model.EncoderAssignment, error)
	// ActiveAssignmentByInput supports offer deduplication by input path.
	ActiveAssignmentByInput(ctx context.Context, inputPath string) (*model.EncoderAssignment, error)
	ListAssignmentsByStatus(ctx context.Context, status model.AssignmentStatus) ([]*model.EncoderAssignment, error)
	ListActiveAssignmentsByEncoder(ctx context.Context, encoderID string) ([]*model.EncoderAssignment, error)
	UpdateAssignment(ctx context.Context, id string, fn func(*model.EncoderAssignment) error) (*model.EncoderAssignment, error)
	// ResetAssignedToPending is the dispatcher's startup reset: every ASSIGNED
	// assignment reverts to PENDING with sent_at cleared.
	ResetAssignedToPending(ctx context.Context) (int, error)

	Close() error
}
