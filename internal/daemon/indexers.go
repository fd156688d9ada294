// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/voslund/fetchd/internal/adapters"
	"github.com/voslund/fetchd/internal/log"
	"github.com/voslund/fetchd/internal/ratelimit"
	"github.com/voslund/fetchd/internal/resilience"
	"github.com/voslund/fetchd/internal/secrets"
)

// indexerSpec is one entry of the user-edited indexers.json file.
type indexerSpec struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	// APIKeySecret names the secret holding the key; APIKey inlines it.
	APIKeySecret string `json:"apiKeySecret,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	// Limit is the sliding-window admission rule for this indexer.
	Limit *struct {
		Max        int `json:"max"`
		WindowSecs int `json:"windowSecs"`
	} `json:"limit,omitempty"`
}

// IndexerManager loads indexers.json, builds guarded indexer clients, and
// hot-reloads the set when the file changes.
type IndexerManager struct {
	Path    string
	Multi   *adapters.MultiIndexer
	Limiter *ratelimit.Limiter
	Secrets *secrets.Box

	logger zerolog.Logger
}

// NewIndexerManager builds a manager for the file at path.
func NewIndexerManager(path string, multi *adapters.MultiIndexer, limiter *ratelimit.Limiter, box *secrets.Box) *IndexerManager {
	return &IndexerManager{
		Path:    path,
		Multi:   multi,
		Limiter: limiter,
		Secrets: box,
		logger:  log.WithComponent("indexers"),
	}
}

// Load reads the file and swaps the indexer set. A missing file is an empty
// set, not an error.
func (m *IndexerManager) Load(ctx context.Context) error {
	data, err := os.ReadFile(m.Path)
	if os.IsNotExist(err) {
		m.Multi.Set(nil)
		return nil
	}
	if err != nil {
		return err
	}

	var specs []indexerSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return fmt.Errorf("indexers: parse %s: %w", m.Path, err)
	}

	built := make([]adapters.Indexer, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" || spec.URL == "" {
			m.logger.Warn().Interface("spec", spec).Msg("skipping indexer without name or url")
			continue
		}

		apiKey := spec.APIKey
		if apiKey == "" && spec.APIKeySecret != "" && m.Secrets != nil {
			val, err := m.Secrets.Get(ctx, spec.APIKeySecret)
			if err != nil {
				m.logger.Warn().Err(err).Str("indexer", spec.Name).Msg("secret lookup failed, skipping indexer")
				continue
			}
			apiKey = string(val)
		}

		if spec.Limit != nil && m.Limiter != nil {
			m.Limiter.SetRule(spec.Name, ratelimit.Rule{
				Max:    spec.Limit.Max,
				Window: time.Duration(spec.Limit.WindowSecs) * time.Second,
			})
		}

		breaker := resilience.NewCircuitBreaker("indexer-"+spec.Name, 5, 5, time.Minute, 30*time.Second)
		built = append(built, adapters.Guard(
			adapters.NewTorznabIndexer(spec.Name, spec.URL, apiKey),
			m.Limiter, breaker,
		))
	}

	m.Multi.Set(built)
	m.logger.Info().Int("indexers", len(built)).Str("path", m.Path).Msg("indexer set loaded")
	return nil
}

// Watch reloads on file changes until ctx is done. Best-effort: a watcher
// failure logs and returns; the boot-time Load already happened.
func (m *IndexerManager) Watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn().Err(err).Msg("indexer watcher unavailable")
		return
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors replace the file, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(m.Path)); err != nil {
		m.logger.Warn().Err(err).Msg("indexer watcher add failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.Path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := m.Load(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("indexer reload failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn().Err(err).Msg("indexer watcher error")
		}
	}
}
