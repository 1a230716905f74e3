// Package documents supplies the text content of uploaded inquiry documents.
// Binary formats are converted upstream; this package only reads text.
package documents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ErrUnsupportedFormat is returned for documents no provider can read.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// Document references one input. Either Text or Path is set.
type Document struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	Text      string `json:"text,omitempty"`
	Path      string `json:"path,omitempty"`
}

// Provider returns the opaque text blob for a document.
type Provider interface {
	Supports(doc Document) bool
	Content(ctx context.Context, doc Document) (string, error)
}

// InlineProvider serves documents whose text was supplied by the caller.
type InlineProvider struct{}

func (InlineProvider) Supports(doc Document) bool { return doc.Text != "" }

func (InlineProvider) Content(_ context.Context, doc Document) (string, error) {
	if doc.Text == "" {
		return "", fmt.Errorf("document %s: %w", doc.Name, ErrUnsupportedFormat)
	}
	return doc.Text, nil
}

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".tsv": true,
	".json": true, ".xml": true, ".html": true, ".eml": true, ".log": true,
}

// FileProvider reads plain-text files below Root. Paths escaping Root are rejected.
type FileProvider struct {
	Root     string
	MaxBytes int64
}

// NewFileProvider creates a provider rooted at root with a 10 MiB cap per file.
func NewFileProvider(root string) *FileProvider {
	return &FileProvider{Root: root, MaxBytes: 10 << 20}
}

func (p *FileProvider) Supports(doc Document) bool {
	return doc.Path != "" && p.Root != ""
}

func (p *FileProvider) Content(ctx context.Context, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := p.resolve(doc.Path)
	if err != nil {
		return "", err
	}
	if !isTextType(doc.MediaType, path) {
		return "", fmt.Errorf("document %s (%s): %w", doc.Name, filepath.Ext(path), ErrUnsupportedFormat)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("document %s: %w", doc.Name, err)
	}
	if p.MaxBytes > 0 && info.Size() > p.MaxBytes {
		return "", fmt.Errorf("document %s is %d bytes, limit %d", doc.Name, info.Size(), p.MaxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read document %s: %w", doc.Name, err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("document %s is not valid UTF-8: %w", doc.Name, ErrUnsupportedFormat)
	}
	return string(data), nil
}

func (p *FileProvider) resolve(rel string) (string, error) {
	root, err := filepath.Abs(p.Root)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.Clean("/"+rel))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes document root", rel)
	}
	return full, nil
}

func isTextType(mediaType, path string) bool {
	if mediaType != "" {
		return strings.HasPrefix(mediaType, "text/") ||
			mediaType == "application/json" || mediaType == "application/xml"
	}
	return textExtensions[strings.ToLower(filepath.Ext(path))]
}

// Chain asks each provider in order and uses the first that supports the document.
type Chain []Provider

func (c Chain) Supports(doc Document) bool {
	for _, p := range c {
		if p.Supports(doc) {
			return true
		}
	}
	return false
}

func (c Chain) Content(ctx context.Context, doc Document) (string, error) {
	for _, p := range c {
		if p.Supports(doc) {
			return p.Content(ctx, doc)
		}
	}
	return "", fmt.Errorf("document %s: %w", doc.Name, ErrUnsupportedFormat)
}
