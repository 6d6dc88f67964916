// Package collab wraps the external collaborators: third-party audio source
// resolution and download. Each is a plain HTTP request/response call,
// wrapped in its own named circuit breaker — one breaker per collaborator,
// gauge-tracked state, graceful degradation instead of a propagated panic.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/crptk/audiolyze/internal/config"
	"github.com/crptk/audiolyze/internal/logging"
	"github.com/crptk/audiolyze/internal/metrics"
)

// TrackInfo describes a single resolvable remote track.
type TrackInfo struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// PlaylistInfo describes a resolvable remote playlist.
type PlaylistInfo struct {
	Title  string      `json:"title"`
	Tracks []TrackInfo `json:"tracks"`
}

// Client is the collaborator client. Every method is safe to call
// concurrently.
type Client struct {
	http *http.Client
	cfg  *config.Config

	resolveBreaker  *gobreaker.CircuitBreaker
	downloadBreaker *gobreaker.CircuitBreaker
}

// New builds a collaborator Client from validated config.
func New(cfg *config.Config) *Client {
	return &Client{
		http:            &http.Client{},
		cfg:             cfg,
		resolveBreaker:  newBreaker("resolve"),
		downloadBreaker: newBreaker("download"),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// ResolveInfo looks up metadata for a third-party URL, returning either a
// single TrackInfo or a PlaylistInfo depending on what the URL points at.
func (c *Client) ResolveInfo(ctx context.Context, url string) (*TrackInfo, *PlaylistInfo, error) {
	var out struct {
		Track    *TrackInfo    `json:"track"`
		Playlist *PlaylistInfo `json:"playlist"`
	}
	body, _ := json.Marshal(map[string]string{"url": url})
	_, err := c.resolveBreaker.Execute(func() (interface{}, error) {
		return nil, c.postJSON(ctx, c.cfg.ResolveURL, c.cfg.ResolveTimeout, bytes.NewReader(body), &out)
	})
	if degraded := c.degrade(ctx, "resolve", err); degraded != nil {
		return nil, nil, degraded
	}
	return out.Track, out.Playlist, nil
}

// downloadResponse mirrors the {ok, file_url, error} shape the pre-fetcher's
// downstream download endpoint returns.
type downloadResponse struct {
	OK      bool   `json:"ok"`
	FileURL string `json:"file_url"`
	Error   string `json:"error"`
}

// DownloadAudio fetches a remote track and returns the URL it is now served
// from locally. Bounded by cfg.DownloadTimeout.
func (c *Client) DownloadAudio(ctx context.Context, remoteURL string) (string, error) {
	var out downloadResponse
	body, _ := json.Marshal(map[string]string{"url": remoteURL})
	_, err := c.downloadBreaker.Execute(func() (interface{}, error) {
		return nil, c.postJSON(ctx, c.cfg.DownloadBaseURL, c.cfg.DownloadTimeout, bytes.NewReader(body), &out)
	})
	if degraded := c.degrade(ctx, "download", err); degraded != nil {
		return "", degraded
	}
	if !out.OK {
		return "", fmt.Errorf("download failed: %s", out.Error)
	}
	return out.FileURL, nil
}

func (c *Client) postJSON(ctx context.Context, url string, timeout time.Duration, body *bytes.Reader, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("collaborator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("collaborator returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// degrade converts a tripped circuit breaker into a structured, logged
// error instead of letting gobreaker.ErrOpenState leak out raw.
func (c *Client) degrade(ctx context.Context, service string, err error) error {
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues(service).Inc()
		logging.Warn(ctx, "collaborator circuit breaker open", zap.String("service", service))
		return fmt.Errorf("%s collaborator unavailable: circuit breaker open", service)
	}
	logging.Error(ctx, "collaborator call failed", zap.String("service", service), zap.Error(err))
	return err
}
