// SPDX-License-Identifier: MIT

package pipeline_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voslund/fetchd/internal/adapters"
	"github.com/voslund/fetchd/internal/dispatch"
	"github.com/voslund/fetchd/internal/model"
	"github.com/voslund/fetchd/internal/pipeline"
	"github.com/voslund/fetchd/internal/recovery"
	"github.com/voslund/fetchd/internal/request"
	"github.com/voslund/fetchd/internal/store"
)

// --- fakes ---

type fakeIndexer struct {
	releases []adapters.Release
}

func (f *fakeIndexer) Name() string { return "fake" }

func (f *fakeIndexer) Search(context.Context, adapters.SearchQuery) ([]adapters.Release, error) {
	return f.releases, nil
}

type fakeDownloader struct {
	mu    sync.Mutex
	state map[string]*adapters.DownloadState
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{state: map[string]*adapters.DownloadState{}}
}

func (f *fakeDownloader) Add(_ context.Context, magnet, savePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash := "hash-" + magnet[len(magnet)-6:]
	f.state[hash] = &adapters.DownloadState{Hash: hash, Progress: 0, SavePath: savePath}
	return hash, nil
}

func (f *fakeDownloader) Status(_ context.Context, hash string) (*adapters.DownloadState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := *f.state[hash]
	return &s, nil
}

func (f *fakeDownloader) Remove(context.Context, string, bool) error { return nil }

func (f *fakeDownloader) finish(hash string, files ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.state[hash]
	s.Progress = 100
	s.Done = true
	s.ContentPath = files[0]
	s.Files = files
}

func (f *fakeDownloader) onlyHash() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for h := range f.state {
		return h
	}
	return ""
}

type memTarget struct {
	mu     sync.Mutex
	name   string
	stored map[string]string // remotePath -> localPath
}

func newMemTarget(name string) *memTarget {
	return &memTarget{name: name, stored: map[string]string{}}
}

func (m *memTarget) Name() string { return m.name }

func (m *memTarget) Store(_ context.Context, localPath, remotePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored[remotePath] = localPath
	return nil
}

func (m *memTarget) Exists(_ context.Context, remotePath string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stored[remotePath]
	return ok, nil
}

type fakeEncoderQueue struct {
	mu   sync.Mutex
	jobs map[string]string // jobID -> inputPath
}

func newFakeEncoderQueue() *fakeEncoderQueue {
	return &fakeEncoderQueue{jobs: map[string]string{}}
}

func (f *fakeEncoderQueue) Enqueue(_ context.Context, jobID, inputPath, outputPath string, _ map[string]any) (*model.EncoderAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID] = inputPath
	return &model.EncoderAssignment{ID: "as-" + jobID, JobID: jobID, Status: model.AssignmentPending,
		InputPath: inputPath, OutputPath: outputPath, Attempt: 1, MaxAttempts: 3}, nil
}

// --- fixture ---

type scenario struct {
	store    store.StateStore
	engine   *pipeline.Engine
	service  *request.Service
	watcher  *recovery.DownloadWatcher
	bridge   *pipeline.EncodeBridge
	download *fakeDownloader
	encoder  *fakeEncoderQueue
	target   *memTarget
}

func newScenario(t *testing.T, releases []adapters.Release) *scenario {
	t.Helper()
	st := store.NewMemoryStore()
	reg := pipeline.NewRegistry()
	eng := pipeline.NewEngine(context.Background(), st, reg)

	download := newFakeDownloader()
	encoder := newFakeEncoderQueue()
	target := newMemTarget("server-a")

	pipeline.RegisterDefaults(reg, pipeline.Deps{
		Store:      st,
		Indexers:   []adapters.Indexer{&fakeIndexer{releases: releases}},
		Downloader: download,
		Targets:    map[string]adapters.DeliveryTarget{"server-a": target},
		Notifiers:  nil,
		Encoder:    encoder,
	})

	return &scenario{
		store:    st,
		engine:   eng,
		service:  request.NewService(st, eng),
		watcher:  recovery.NewDownloadWatcher(st, eng, download),
		bridge:   &pipeline.EncodeBridge{Engine: eng},
		download: download,
		encoder:  encoder,
		target:   target,
	}
}

func movieChain() []model.Step {
	return []model.Step{{
		Type: model.StepSearch, Name: "search", Required: true,
		Config: map[string]any{"minSeeders": 1},
		Children: []model.Step{{
			Type: model.StepDownload, Name: "download", Required: true,
			Children: []model.Step{{
				Type: model.StepEncode, Name: "encode", Required: true,
				Config: map[string]any{"outputDir": "/encoded"},
				Children: []model.Step{{
					Type: model.StepDeliver, Name: "deliver", Required: true,
					Config: map[string]any{"remoteDir": "/movies"},
				}},
			}},
		}},
	}}
}

// S1: happy path for a movie request, end to end.
func TestScenarioMovieHappyPath(t *testing.T) {
	ctx := context.Background()
	sc := newScenario(t, []adapters.Release{{
		Title:    "Arrival.2016.1080p.BluRay.x264",
		Indexer:  "fake",
		InfoHash: "aabbcc",
		Magnet:   "magnet:?xt=urn:btih:aabbcc",
		Size:     4 << 30,
		Seeders:  50,
	}})

	require.NoError(t, sc.store.PutTemplate(ctx, &model.Template{
		ID: "tpl-movie", Name: "movie", MediaKind: model.MediaMovie, Steps: movieChain(),
	}))

	req, err := sc.service.Create(ctx, request.CreateInput{
		Kind: model.MediaMovie, TMDBID: 329865, Title: "Arrival", Year: 2016,
		Targets: []string{"server-a"}, TemplateID: "tpl-movie",
	})
	require.NoError(t, err)
	sc.engine.Wait()

	// The release was selected and the torrent handed to the client; the
	// execution is suspended awaiting the download.
	execs, err := sc.store.ListExecutions(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, model.ExecutionPaused, execs[0].Status)
	assert.Equal(t, model.PauseAwaitingDownload, execs[0].PauseReason)

	items, err := sc.store.ListItemsByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.ItemDownloading, items[0].Status)
	require.NotEmpty(t, items[0].DownloadID)

	// Download finishes; the watcher drives the handoff.
	sc.download.finish(sc.download.onlyHash(), "/downloads/Arrival.2016.1080p.BluRay.x264.mkv")
	require.NoError(t, sc.watcher.Run(ctx))
	sc.engine.Wait()

	item, err := sc.store.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemEncoding, item.Status)
	require.NotEmpty(t, item.EncodingJobID)

	// Encoder reports completion.
	sc.bridge.EncodeCompleted(ctx, item.EncodingJobID, dispatch.EncodeResult{
		OutputPath: "/encoded/Arrival.2016.1080p.BluRay.x264.encoded.mkv",
		Size:       2 << 30,
	})
	sc.engine.Wait()

	// Everything lands COMPLETED with the artifact on the target.
	finalReq, err := sc.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCompleted, finalReq.Status)
	assert.Equal(t, 100, finalReq.Progress)
	assert.NotZero(t, finalReq.CompletedAtUnix)

	finalItem, err := sc.store.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemCompleted, finalItem.Status)

	finalExec, err := sc.store.GetExecution(ctx, execs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, finalExec.Status)

	exists, err := sc.target.Exists(ctx, "/movies/Arrival.2016.1080p.BluRay.x264.encoded.mkv")
	require.NoError(t, err)
	assert.True(t, exists)
}

// S5: a TV season pack spawns per-episode branch executions that share the
// download row.
func TestScenarioSeasonPackBranches(t *testing.T) {
	ctx := context.Background()
	sc := newScenario(t, []adapters.Release{{
		Title:    "Show.Name.S01.1080p.WEB-DL",
		Indexer:  "fake",
		InfoHash: "ddeeff",
		Magnet:   "magnet:?xt=urn:btih:ddeeff",
		Seeders:  30,
	}})

	require.NoError(t, sc.store.PutTemplate(ctx, &model.Template{
		ID: "tpl-tv", Name: "tv", MediaKind: model.MediaTV,
		Steps: []model.Step{{
			Type: model.StepSearch, Name: "season-search", Required: true,
			Config: map[string]any{"preferSeasonPack": true},
			Children: []model.Step{{
				Type: model.StepDownload, Name: "season-download", Required: true,
				Children: []model.Step{{
					Type: model.StepDownload, Name: "episode-download", Required: true,
					Children: []model.Step{{
						Type: model.StepEncode, Name: "encode", Required: true,
						Config: map[string]any{"outputDir": "/encoded"},
						Children: []model.Step{{
							Type: model.StepDeliver, Name: "deliver", Required: true,
							Config: map[string]any{"remoteDir": "/tv"},
						}},
					}},
				}},
			}},
		}},
	}))

	req, err := sc.service.Create(ctx, request.CreateInput{
		Kind: model.MediaTV, TMDBID: 1399, Title: "Show Name",
		Episodes: []model.EpisodeRef{{Season: 1, Episode: 1}, {Season: 1, Episode: 2}},
		Targets:  []string{"server-a"}, TemplateID: "tpl-tv",
	})
	require.NoError(t, err)
	sc.engine.Wait()

	// Season pack downloading; both episodes share one download row.
	items, err := sc.store.ListItemsByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, items[0].DownloadID, items[1].DownloadID)

	downloads, err := sc.store.ListDownloads(ctx)
	require.NoError(t, err)
	require.Len(t, downloads, 1)

	sc.download.finish(sc.download.onlyHash(),
		"/downloads/Show.Name.S01E01.1080p.mkv",
		"/downloads/Show.Name.S01E02.1080p.mkv",
	)
	require.NoError(t, sc.watcher.Run(ctx))
	sc.engine.Wait()

	// The root execution completed by handing off to two branches.
	execs, err := sc.store.ListExecutions(ctx, req.ID)
	require.NoError(t, err)
	var root *model.PipelineExecution
	var branches []*model.PipelineExecution
	for _, e := range execs {
		if e.ParentExecutionID == "" {
			root = e
		} else {
			branches = append(branches, e)
		}
	}
	require.NotNil(t, root)
	assert.Equal(t, model.ExecutionCompleted, root.Status)
	require.Len(t, branches, 2)

	// Each branch skipped its download (file already present) and paused on
	// the encode.
	for _, b := range branches {
		assert.Equal(t, root.ID, b.ParentExecutionID)
		assert.Equal(t, model.ExecutionPaused, b.Status)
		assert.Equal(t, model.PauseAwaitingEncode, b.PauseReason)
	}

	items, err = sc.store.ListItemsByRequest(ctx, req.ID)
	require.NoError(t, err)
	for _, it := range items {
		require.Equal(t, model.ItemEncoding, it.Status)
		sc.bridge.EncodeCompleted(ctx, it.EncodingJobID, dispatch.EncodeResult{
			OutputPath: it.SourceFilePath + ".encoded.mkv",
		})
	}
	sc.engine.Wait()

	finalReq, err := sc.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCompleted, finalReq.Status)

	items, err = sc.store.ListItemsByRequest(ctx, req.ID)
	require.NoError(t, err)
	for _, it := range items {
		assert.Equal(t, model.ItemCompleted, it.Status)
	}

	execs, err = sc.store.ListExecutions(ctx, req.ID)
	require.NoError(t, err)
	for _, e := range execs {
		assert.Equal(t, model.ExecutionCompleted, e.Status)
	}
}
