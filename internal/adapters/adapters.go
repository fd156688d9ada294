// SPDX-License-Identifier: MIT

// Package adapters defines the contracts for external collaborators: release
// indexers, the download client, delivery targets and notification sinks.
// The orchestrator core depends on these interfaces only.
package adapters

import (
	"context"
	"time"

	"github.com/voslund/fetchd/internal/model"
)

// Release is one search result from an indexer.
type Release struct {
	Title    string `json:"title"`
	Indexer  string `json:"indexer"`
	InfoHash string `json:"infoHash"`
	Magnet   string `json:"magnet,omitempty"`
	Size     int64  `json:"size"`
	Seeders  int    `json:"seeders"`
}

// SearchQuery describes what to look for.
type SearchQuery struct {
	Kind    model.MediaKind
	Title   string
	Year    int
	Season  int // 0 for movies
	Episode int // 0 for movies or whole-season searches
}

// Indexer searches one release source. Implementations are thin protocol
// clients; admission control and retries are layered on by GuardedIndexer.
type Indexer interface {
	Name() string
	Search(ctx context.Context, q SearchQuery) ([]Release, error)
}

// DownloadState is the client's view of one torrent.
type DownloadState struct {
	Hash        string
	Name        string
	Progress    int // 0..100
	Done        bool
	SavePath    string
	ContentPath string
	Files       []string // absolute paths of payload files, once known
	Size        int64
}

// DownloadClient drives the external torrent client.
type DownloadClient interface {
	// Add enqueues a magnet/infohash and returns the torrent hash.
	Add(ctx context.Context, magnet, savePath string) (string, error)
	Status(ctx context.Context, hash string) (*DownloadState, error)
	Remove(ctx context.Context, hash string, deleteFiles bool) error
}

// DeliveryTarget stores finished artifacts. Exists supports the recovery
// sweep that completes deliveries interrupted by a crash.
type DeliveryTarget interface {
	Name() string
	Store(ctx context.Context, localPath, remotePath string) error
	Exists(ctx context.Context, remotePath string) (bool, error)
}

// Notification is a user-facing event emitted by NOTIFICATION steps.
type Notification struct {
	Event     string    `json:"event"`
	RequestID string    `json:"requestId,omitempty"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Notifier delivers notifications to one sink (webhook, email, chat).
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}
