package documents

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestChain(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "inquiry.txt"), []byte("Abluft 12.000 m3/h, Toluol 400 mg/m3"), 0o644)
	os.WriteFile(filepath.Join(dir, "drawing.pdf"), []byte("%PDF-1.7"), 0o644)
	os.WriteFile(filepath.Join(dir, "bad.txt"), []byte{0xff, 0xfe, 0x00}, 0o644)

	chain := Chain{InlineProvider{}, NewFileProvider(dir)}
	ctx := context.Background()

	tests := []struct {
		name    string
		doc     Document
		want    string
		wantErr error
	}{
		{"inline", Document{Name: "a", Text: "inline text"}, "inline text", nil},
		{"file", Document{Name: "b", Path: "inquiry.txt"}, "Abluft 12.000 m3/h, Toluol 400 mg/m3", nil},
		{"binary", Document{Name: "c", Path: "drawing.pdf"}, "", ErrUnsupportedFormat},
		{"invalid utf8", Document{Name: "d", Path: "bad.txt"}, "", ErrUnsupportedFormat},
		{"media type wins", Document{Name: "e", Path: "inquiry.txt", MediaType: "application/pdf"}, "", ErrUnsupportedFormat},
		{"nothing", Document{Name: "f"}, "", ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := chain.Content(ctx, tt.doc)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("got %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestFileProviderStaysInRoot(t *testing.T) {
	dir := t.TempDir()
	p := NewFileProvider(dir)
	_, err := p.Content(context.Background(), Document{Name: "x", Path: "../../etc/secret.txt"})
	if err == nil {
		t.Fatal("expected error")
	}
	// Cleaned against "/" first, so the lookup stays under root and simply misses.
	if errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("unexpected format error: %v", err)
	}
}

func TestFileProviderDisabledWithoutRoot(t *testing.T) {
	if (&FileProvider{}).Supports(Document{Path: "a.txt"}) {
		t.Error("file provider without root must not claim documents")
	}
}
