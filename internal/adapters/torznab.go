// SPDX-License-Identifier: MIT

package adapters

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/voslund/fetchd/internal/faults"
	"github.com/voslund/fetchd/internal/model"
)

// TorznabIndexer is a thin client for Torznab-compatible indexers.
type TorznabIndexer struct {
	name   string
	apiURL string
	apiKey string
	client *http.Client
}

// NewTorznabIndexer builds a client for one Torznab endpoint.
func NewTorznabIndexer(name, apiURL, apiKey string) *TorznabIndexer {
	return &TorznabIndexer{
		name:   name,
		apiURL: apiURL,
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *TorznabIndexer) Name() string { return t.name }

type torznabFeed struct {
	Channel struct {
		Items []torznabItem `xml:"item"`
	} `xml:"channel"`
}

type torznabItem struct {
	Title string `xml:"title"`
	Size  int64  `xml:"size"`
	Link  string `xml:"link"`
	Attrs []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:"value,attr"`
	} `xml:"attr"`
}

func (t *TorznabIndexer) Search(ctx context.Context, q SearchQuery) ([]Release, error) {
	params := url.Values{
		"apikey": {t.apiKey},
		"q":      {q.Title},
	}
	switch q.Kind {
	case model.MediaTV:
		params.Set("t", "tvsearch")
		if q.Season > 0 {
			params.Set("season", strconv.Itoa(q.Season))
		}
		if q.Episode > 0 {
			params.Set("ep", strconv.Itoa(q.Episode))
		}
	default:
		params.Set("t", "movie")
		if q.Year > 0 {
			params.Set("year", strconv.Itoa(q.Year))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientNetwork, "torznab "+t.name, err)
	}
	defer drain(resp)

	if f := faults.FromHTTPStatus(resp.StatusCode, fmt.Sprintf("torznab %s: status %d", t.name, resp.StatusCode)); f != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			if retry := resp.Header.Get("Retry-After"); retry != "" {
				if secs, err := strconv.Atoi(retry); err == nil {
					f.RetryAfterMs = int64(secs) * 1000
				}
			}
		}
		return nil, f
	}

	var feed torznabFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("torznab %s: decode: %w", t.name, err)
	}

	releases := make([]Release, 0, len(feed.Channel.Items))
	for _, item := range feed.Channel.Items {
		r := Release{
			Title:   item.Title,
			Indexer: t.name,
			Size:    item.Size,
		}
		for _, attr := range item.Attrs {
			switch attr.Name {
			case "infohash":
				r.InfoHash = attr.Value
			case "magneturl":
				r.Magnet = attr.Value
			case "seeders":
				r.Seeders, _ = strconv.Atoi(attr.Value)
			case "size":
				if r.Size == 0 {
					r.Size, _ = strconv.ParseInt(attr.Value, 10, 64)
				}
			}
		}
		if r.InfoHash == "" && r.Magnet == "" {
			continue
		}
		if r.InfoHash == "" {
			r.InfoHash = hashFromMagnet(r.Magnet)
		}
		releases = append(releases, r)
	}
	return releases, nil
}

var _ Indexer = (*TorznabIndexer)(nil)
