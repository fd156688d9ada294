// SPDX-License-Identifier: MIT

package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/voslund/fetchd/internal/faults"
)

// QBittorrentClient is a thin client for the qBittorrent WebUI API.
type QBittorrentClient struct {
	baseURL  string
	username string
	password string

	mu       sync.Mutex
	loggedIn bool
	client   *http.Client
	pace     *rate.Limiter
}

// NewQBittorrentClient builds a client for the WebUI at baseURL. Calls are
// paced so the status poller cannot hammer the WebUI.
func NewQBittorrentClient(baseURL, username, password string) *QBittorrentClient {
	jar, _ := cookiejar.New(nil)
	return &QBittorrentClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: 30 * time.Second, Jar: jar},
		pace:     rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}
}

func (c *QBittorrentClient) login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}

	form := url.Values{"username": {c.username}, "password": {c.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindTransientNetwork, "qbittorrent login", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return faults.FromHTTPStatus(resp.StatusCode, "qbittorrent login")
	}
	c.loggedIn = true
	return nil
}

func (c *QBittorrentClient) post(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	if err := c.pace.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.login(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientNetwork, "qbittorrent "+path, err)
	}
	if resp.StatusCode == http.StatusForbidden {
		// Session expired; force a re-login on the next call.
		c.mu.Lock()
		c.loggedIn = false
		c.mu.Unlock()
	}
	if f := faults.FromHTTPStatus(resp.StatusCode, "qbittorrent "+path); f != nil {
		drain(resp)
		return nil, f
	}
	return resp, nil
}

// Add enqueues a magnet and returns the torrent hash parsed from it.
func (c *QBittorrentClient) Add(ctx context.Context, magnet, savePath string) (string, error) {
	form := url.Values{"urls": {magnet}}
	if savePath != "" {
		form.Set("savepath", savePath)
	}
	resp, err := c.post(ctx, "/api/v2/torrents/add", form)
	if err != nil {
		return "", err
	}
	drain(resp)

	hash := hashFromMagnet(magnet)
	if hash == "" {
		return "", faults.New(faults.KindInvalid, "magnet carries no infohash")
	}
	return hash, nil
}

type qbTorrentInfo struct {
	Hash        string  `json:"hash"`
	Name        string  `json:"name"`
	Progress    float64 `json:"progress"`
	SavePath    string  `json:"save_path"`
	ContentPath string  `json:"content_path"`
	Size        int64   `json:"size"`
	State       string  `json:"state"`
}

type qbFileInfo struct {
	Name string `json:"name"`
}

// Status reports one torrent's progress and payload files.
func (c *QBittorrentClient) Status(ctx context.Context, hash string) (*DownloadState, error) {
	resp, err := c.post(ctx, "/api/v2/torrents/info", url.Values{"hashes": {hash}})
	if err != nil {
		return nil, err
	}
	var infos []qbTorrentInfo
	err = json.NewDecoder(resp.Body).Decode(&infos)
	drain(resp)
	if err != nil {
		return nil, fmt.Errorf("qbittorrent info decode: %w", err)
	}
	if len(infos) == 0 {
		return nil, faults.Newf(faults.KindNotFound, "torrent %s not in client", hash)
	}
	info := infos[0]

	state := &DownloadState{
		Hash:        info.Hash,
		Name:        info.Name,
		Progress:    int(info.Progress * 100),
		Done:        info.Progress >= 1.0,
		SavePath:    info.SavePath,
		ContentPath: info.ContentPath,
		Size:        info.Size,
	}

	if state.Done {
		resp, err := c.post(ctx, "/api/v2/torrents/files", url.Values{"hash": {hash}})
		if err != nil {
			return nil, err
		}
		var files []qbFileInfo
		err = json.NewDecoder(resp.Body).Decode(&files)
		drain(resp)
		if err != nil {
			return nil, fmt.Errorf("qbittorrent files decode: %w", err)
		}
		for _, f := range files {
			state.Files = append(state.Files, info.SavePath+"/"+f.Name)
		}
	}
	return state, nil
}

// Remove deletes the torrent, optionally with its files.
func (c *QBittorrentClient) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	form := url.Values{
		"hashes":      {hash},
		"deleteFiles": {fmt.Sprintf("%t", deleteFiles)},
	}
	resp, err := c.post(ctx, "/api/v2/torrents/delete", form)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

func hashFromMagnet(magnet string) string {
	const marker = "urn:btih:"
	i := strings.Index(magnet, marker)
	if i < 0 {
		return ""
	}
	rest := magnet[i+len(marker):]
	if j := strings.IndexAny(rest, "&?"); j >= 0 {
		rest = rest[:j]
	}
	return strings.ToLower(rest)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

var _ DownloadClient = (*QBittorrentClient)(nil)
