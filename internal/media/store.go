// Package media persists message attachments under opaque, URL-addressable
// file names.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DefaultMaxFileSize caps a single stored attachment.
const DefaultMaxFileSize = 64 * 1024 * 1024

// Stored describes a saved attachment.
type Stored struct {
	Name     string
	Path     string
	URL      string
	MimeType string
	Size     int
}

// Saver stores attachment payloads.
type Saver interface {
	Save(ctx context.Context, data []byte, mimeType, fileName string) (*Stored, error)
}

// StoreConfig configures FileStore.
type StoreConfig struct {
	BaseDir     string
	BaseURL     string
	MaxFileSize int64
}

// FileStore writes attachments to a local directory.
type FileStore struct {
	config StoreConfig
	logger *slog.Logger
}

// NewFileStore creates a filesystem-backed store. The directory is created
// on first use.
func NewFileStore(cfg StoreConfig, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = "./data/media"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "/uploads/media"
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &FileStore{
		config: cfg,
		logger: logger.With("component", "media-store"),
	}
}

// Save writes data as <uuid><ext> and returns its public URL.
func (s *FileStore) Save(_ context.Context, data []byte, mimeType, fileName string) (*Stored, error) {
	if len(data) == 0 {
		return nil, errors.New("no data provided")
	}
	if int64(len(data)) > s.config.MaxFileSize {
		return nil, fmt.Errorf("file size %d exceeds maximum %d", len(data), s.config.MaxFileSize)
	}
	if err := os.MkdirAll(s.config.BaseDir, 0700); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", s.config.BaseDir, err)
	}

	name := uuid.New().String() + Extension(mimeType, fileName)
	path := filepath.Join(s.config.BaseDir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("writing media file: %w", err)
	}

	s.logger.Debug("media saved", "name", name, "mime", mimeType, "size", len(data))

	return &Stored{
		Name:     name,
		Path:     path,
		URL:      s.config.BaseURL + "/" + name,
		MimeType: mimeType,
		Size:     len(data),
	}, nil
}

// Extension picks a file extension from the declared MIME type, falling back
// to the original file name's extension and finally ".bin".
func Extension(mimeType, fileName string) string {
	mime := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mime, "image/jpeg"), strings.HasPrefix(mime, "image/jpg"):
		return ".jpg"
	case strings.HasPrefix(mime, "image/png"):
		return ".png"
	case strings.HasPrefix(mime, "image/gif"):
		return ".gif"
	case strings.HasPrefix(mime, "image/webp"):
		return ".webp"
	case strings.HasPrefix(mime, "video/"):
		return ".mp4"
	case strings.HasPrefix(mime, "audio/mpeg"), strings.HasPrefix(mime, "audio/mp3"):
		return ".mp3"
	case strings.HasPrefix(mime, "audio/"):
		return ".ogg"
	case strings.HasPrefix(mime, "application/pdf"):
		return ".pdf"
	}
	if ext := sanitizeExt(filepath.Ext(fileName)); ext != "" {
		return ext
	}
	return ".bin"
}

func sanitizeExt(ext string) string {
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return strings.ToLower(ext)
}
