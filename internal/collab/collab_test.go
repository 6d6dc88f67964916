package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crptk/audiolyze/internal/config"
)

func testConfig(downloadURL string) *config.Config {
	return &config.Config{
		ResolveTimeout:  2 * time.Second,
		DownloadTimeout: 2 * time.Second,
		DownloadBaseURL: downloadURL,
		ResolveURL:      downloadURL,
	}
}

func TestDownloadAudio_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(downloadResponse{OK: true, FileURL: "/rooms/uploads/abc.mp3"})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	url, err := c.DownloadAudio(context.Background(), "https://example.com/t")
	require.NoError(t, err)
	assert.Equal(t, "/rooms/uploads/abc.mp3", url)
}

func TestDownloadAudio_FailureResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(downloadResponse{OK: false, Error: "timeout upstream"})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.DownloadAudio(context.Background(), "https://example.com/t")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout upstream")
}

func TestDownloadAudio_ServerDown(t *testing.T) {
	c := New(testConfig("http://127.0.0.1:1"))
	_, err := c.DownloadAudio(context.Background(), "https://example.com/t")
	require.Error(t, err)
}

func TestResolveInfo_Track(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"track": TrackInfo{Title: "Song", URL: "https://example.com/song.mp3"},
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	track, playlist, err := c.ResolveInfo(context.Background(), "https://example.com/song")
	require.NoError(t, err)
	require.NotNil(t, track)
	assert.Nil(t, playlist)
	assert.Equal(t, "Song", track.Title)
}
