package pdfindex

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/prospector/config"
	"github.com/mohammad-safakhou/prospector/internal/fetch"
)

// Loader downloads a PDF and builds its chunk index.
type Loader struct {
	downloader   fetch.Downloader
	maxBytes     int64
	timeout      time.Duration
	chunkSize    int
	chunkOverlap int
	logger       *log.Logger
}

// NewLoader builds a Loader from configuration.
func NewLoader(downloader fetch.Downloader, cfg config.PDFIndexConfig) *Loader {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	chunkOverlap := cfg.ChunkOverlap
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = DefaultChunkOverlap
	}
	return &Loader{
		downloader:   downloader,
		maxBytes:     cfg.MaxFileBytes,
		timeout:      cfg.Timeout,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		logger:       log.New(log.Writer(), "[PDF] ", log.LstdFlags),
	}
}

// Load downloads fileURL, verifies it is a PDF, extracts its text and
// returns a searchable index over its chunks.
func (l *Loader) Load(ctx context.Context, fileURL string) (*Index, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	data, contentType, err := l.downloader.Download(ctx, fileURL, l.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", fileURL, err)
	}
	if !IsPDF(contentType, data) {
		return nil, fmt.Errorf("load %s: not a pdf (content type %q)", fileURL, contentType)
	}

	pages, err := ExtractText(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", fileURL, err)
	}

	index, err := newIndex(fileURL)
	if err != nil {
		return nil, err
	}
	index.pages = len(pages)

	chunkIdx := 0
	for _, page := range pages {
		hash := sha1Hex(page.Text)
		for _, part := range makeChunks(page.Text, l.chunkSize, l.chunkOverlap) {
			chunk := Chunk{
				ID:          fmt.Sprintf("%s#%03d", hash, chunkIdx),
				FileURL:     fileURL,
				Page:        page.Page,
				ChunkIndex:  chunkIdx,
				Text:        part,
				ContentHash: hash,
			}
			if err := index.add(chunk); err != nil {
				index.Close()
				return nil, fmt.Errorf("index chunk %s: %w", chunk.ID, err)
			}
			chunkIdx++
		}
	}

	l.logger.Printf("indexed %s: %d pages, %d chunks", fileURL, index.Pages(), index.Len())
	return index, nil
}
