// SPDX-License-Identifier: MIT

// Package model holds the durable entities of the acquisition pipeline and the
// legal transitions between their states. Records are plain data; all mutation
// goes through the state store.
package model

import "time"

// Request is a user-level acquisition order.
type Request struct {
	ID                string        `json:"id"`
	Kind              MediaKind     `json:"kind"`
	TMDBID            int64         `json:"tmdbId"`
	Title             string        `json:"title"`
	Year              int           `json:"year,omitempty"`
	RequestedSeasons  []int         `json:"requestedSeasons,omitempty"`
	RequestedEpisodes []EpisodeRef  `json:"requestedEpisodes,omitempty"`
	Targets           []string      `json:"targets"`
	Status            RequestStatus `json:"status"`
	Progress          int           `json:"progress"`
	Error             string        `json:"error,omitempty"`
	CreatedAtUnix     int64         `json:"createdAtUnix"`
	CompletedAtUnix   int64         `json:"completedAtUnix,omitempty"`
}

// EpisodeRef addresses one episode of a TV request.
type EpisodeRef struct {
	Season  int `json:"season"`
	Episode int `json:"episode"`
}

// ProcessingItem is the per-artifact unit of work (a movie or one episode).
type ProcessingItem struct {
	ID               string            `json:"id"`
	RequestID        string            `json:"requestId"`
	Type             ItemType          `json:"type"`
	TMDBID           int64             `json:"tmdbId"`
	Title            string            `json:"title"`
	Season           int               `json:"season,omitempty"`
	Episode          int               `json:"episode,omitempty"`
	Status           ItemStatus        `json:"status"`
	Progress         int               `json:"progress"`
	CurrentStep      string            `json:"currentStep,omitempty"`
	StepContext      map[string]string `json:"stepContext,omitempty"`
	DownloadID       string            `json:"downloadId,omitempty"`
	EncodingJobID    string            `json:"encodingJobId,omitempty"`
	SourceFilePath   string            `json:"sourceFilePath,omitempty"`
	CooldownEndsUnix int64             `json:"cooldownEndsUnix,omitempty"`
	LastError        string            `json:"lastError,omitempty"`
	UpdatedAtUnix    int64             `json:"updatedAtUnix"`
}

// StepContext keys with transition-guard significance.
const (
	CtxKeyFileValidated = "file_validated"
	CtxKeyReleaseTitle  = "release_title"
	CtxKeyIndexer       = "indexer"
)

// Download is one torrent tracked in the external client. A single Download
// may back many ProcessingItems (season pack).
type Download struct {
	ID              string         `json:"id"`
	RequestID       string         `json:"requestId"`
	TorrentHash     string         `json:"torrentHash"`
	TorrentName     string         `json:"torrentName"`
	MediaKind       MediaKind      `json:"mediaKind"`
	Status          DownloadStatus `json:"status"`
	Progress        int            `json:"progress"`
	SavePath        string         `json:"savePath"`
	ContentPath     string         `json:"contentPath,omitempty"`
	Size            int64          `json:"size"`
	CompletedAtUnix int64          `json:"completedAtUnix,omitempty"`
}

// EncoderWorker is a remote encoder known to the dispatcher.
type EncoderWorker struct {
	ID                string       `json:"id"`
	Status            WorkerStatus `json:"status"`
	CurrentJobs       int          `json:"currentJobs"`
	MaxConcurrent     int          `json:"maxConcurrent"`
	BlockedUntilUnix  int64        `json:"blockedUntilUnix,omitempty"`
	LastHeartbeatUnix int64        `json:"lastHeartbeatUnix"`
	Capabilities      []string     `json:"capabilities,omitempty"`
}

// FreeSlots returns the scheduling headroom of the worker.
func (w *EncoderWorker) FreeSlots() int {
	n := w.MaxConcurrent - w.CurrentJobs
	if n < 0 {
		return 0
	}
	return n
}

// Blocked reports whether the worker is in a cool-off window at now.
func (w *EncoderWorker) Blocked(now time.Time) bool {
	return w.BlockedUntilUnix > 0 && now.Unix() < w.BlockedUntilUnix
}

// EncoderAssignment is one job offered to a specific encoder worker.
// At most one non-terminal assignment exists per JobID at any time.
type EncoderAssignment struct {
	ID               string           `json:"id"`
	JobID            string           `json:"jobId"`
	EncoderID        string           `json:"encoderId,omitempty"`
	Status           AssignmentStatus `json:"status"`
	InputPath        string           `json:"inputPath"`
	OutputPath       string           `json:"outputPath,omitempty"`
	Config           map[string]any   `json:"config,omitempty"`
	Attempt          int              `json:"attempt"`
	MaxAttempts      int              `json:"maxAttempts"`
	SentAtUnix       int64            `json:"sentAtUnix,omitempty"`
	StartedAtUnix    int64            `json:"startedAtUnix,omitempty"`
	LastProgressUnix int64            `json:"lastProgressUnix,omitempty"`
	CompletedAtUnix  int64            `json:"completedAtUnix,omitempty"`
	Progress         float64          `json:"progress"`
	OutputSize       int64            `json:"outputSize,omitempty"`
	CompressionRatio float64          `json:"compressionRatio,omitempty"`
	EncodeDurationMs int64            `json:"encodeDurationMs,omitempty"`
	Error            string           `json:"error,omitempty"`
}
