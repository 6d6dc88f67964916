// Package upload implements the upload/serve edge: accepting host-uploaded
// audio blobs, serving them back by opaque filename, and garbage-collecting
// them on room destruction. A local filesystem directory is sufficient
// blob storage per the out-of-scope note on storage backends.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
	"github.com/gin-gonic/gin"

	"github.com/crptk/audiolyze/internal/ids"
	"github.com/crptk/audiolyze/internal/logging"
)

// Store persists uploaded audio under a single directory and serves it back
// by opaque filename. It implements stage.BlobStore.
type Store struct {
	dir     string
	baseURL string
}

// NewStore builds a Store rooted at dir, creating it if necessary. baseURL
// is the path prefix under which uploads are served (e.g. "/rooms/uploads").
func NewStore(dir, baseURL string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Store{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Sniffed is the metadata extracted from an uploaded file's embedded tags,
// used to seed a sensible title when the uploader didn't supply one.
type Sniffed struct {
	Title  string
	Artist string
}

// Save persists the given bytes under a freshly minted opaque filename,
// preserving the original extension, and returns the serving URL plus any
// metadata sniffed from embedded audio tags. Tag-sniffing errors never fail
// the upload: plenty of real files carry no embedded tags at all.
func (s *Store) Save(ctx context.Context, originalName string, data io.Reader) (servingURL string, meta Sniffed, err error) {
	ext := filepath.Ext(originalName)
	filename := ids.New() + ext
	dest := filepath.Join(s.dir, filename)

	f, err := os.Create(dest)
	if err != nil {
		return "", Sniffed{}, fmt.Errorf("create upload file: %w", err)
	}
	defer f.Close()

	tee := io.TeeReader(data, f)
	buf, readErr := io.ReadAll(tee)
	if readErr != nil {
		os.Remove(dest)
		return "", Sniffed{}, fmt.Errorf("write upload: %w", readErr)
	}

	if m, terr := tag.ReadFrom(bytes.NewReader(buf)); terr == nil {
		meta.Title = m.Title()
		meta.Artist = m.Artist()
	} else {
		logging.Debug(ctx, "no embedded audio tags found on upload")
	}

	return s.baseURL + "/" + filename, meta, nil
}

// ServingPath maps a serving URL back to its on-disk path, or "" if the URL
// does not belong to this store.
func (s *Store) ServingPath(servingURL string) (string, bool) {
	prefix := s.baseURL + "/"
	if !strings.HasPrefix(servingURL, prefix) {
		return "", false
	}
	filename := filepath.Base(strings.TrimPrefix(servingURL, prefix))
	return filepath.Join(s.dir, filename), true
}

// Delete removes the file backing servingURL. Implements stage.BlobStore.
// Deleting an already-absent file is not an error.
func (s *Store) Delete(ctx context.Context, servingURL string) error {
	path, ok := s.ServingPath(servingURL)
	if !ok {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// UploadHandler accepts a single multipart audio file and returns its
// serving URL plus any sniffed metadata.
func (s *Store) UploadHandler(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "missing file field"})
		return
	}
	defer file.Close()

	url, meta, err := s.Save(c.Request.Context(), header.Filename, file)
	if err != nil {
		logging.Error(c.Request.Context(), "upload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "failed to store upload"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":     true,
		"url":    url,
		"title":  meta.Title,
		"artist": meta.Artist,
	})
}

// ServeHandler streams a previously uploaded file back by filename.
func (s *Store) ServeHandler(c *gin.Context) {
	filename := c.Param("filename")
	path := filepath.Join(s.dir, filepath.Base(filename))
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "not found"})
		return
	}
	c.File(path)
}
