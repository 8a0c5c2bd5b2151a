// Package pdfindex turns a downloaded PDF into a searchable in-memory BM25
// index. A research run builds one index per file and queries it for the
// passages relevant to a fact-extraction request, so large documents never
// hit a model prompt whole.
package pdfindex

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
)

const (
	// DefaultChunkSize is the approximate chunk length in bytes.
	DefaultChunkSize = 1000
	// DefaultChunkOverlap is how much consecutive chunks share.
	DefaultChunkOverlap = 200
	// DefaultTopK is how many chunks a query returns.
	DefaultTopK = 6
)

// Chunk is one indexed passage of a PDF.
type Chunk struct {
	ID          string `json:"id"`
	FileURL     string `json:"file_url"`
	Page        int    `json:"page"`
	ChunkIndex  int    `json:"chunk_index"`
	Text        string `json:"text"`
	ContentHash string `json:"content_hash"`
}

// Hit is a scored chunk returned by a search.
type Hit struct {
	Chunk Chunk
	Score float64
	Rank  int
}

// Index holds the BM25 index and chunk metadata for a single file.
type Index struct {
	fileURL string
	pages   int
	idx     bleve.Index
	meta    map[string]Chunk
	mu      sync.RWMutex
}

func newIndex(fileURL string) (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &Index{
		fileURL: fileURL,
		idx:     idx,
		meta:    make(map[string]Chunk),
	}, nil
}

// FileURL returns the URL the indexed file was downloaded from.
func (x *Index) FileURL() string { return x.fileURL }

// Pages returns how many pages contributed text.
func (x *Index) Pages() int { return x.pages }

// Len returns the number of indexed chunks.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.meta)
}

func (x *Index) add(chunk Chunk) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.meta[chunk.ID] = chunk
	return x.idx.Index(chunk.ID, chunk)
}

// Search runs a BM25 query and returns up to k chunks ordered by score.
func (x *Index) Search(query string, k int) ([]Hit, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	q := bleve.NewQueryStringQuery(sanitizeQuery(query))
	req := bleve.NewSearchRequestOptions(q, k*3, 0, false)
	res, err := x.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", x.fileURL, err)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []Hit
	for i, hit := range res.Hits {
		chunk, ok := x.meta[hit.ID]
		if !ok {
			continue
		}
		out = append(out, Hit{Chunk: chunk, Score: hit.Score, Rank: i + 1})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// Close releases the underlying index.
func (x *Index) Close() error {
	return x.idx.Close()
}

// sanitizeQuery strips query-string operators that would make bleve reject
// free text written by a model.
func sanitizeQuery(q string) string {
	replacer := strings.NewReplacer(
		"+", " ", "-", " ", "~", " ", "^", " ",
		"\"", " ", ":", " ", "(", " ", ")", " ",
		"[", " ", "]", " ", "{", " ", "}", " ",
		"*", " ", "?", " ", "\\", " ", "/", " ",
	)
	return strings.TrimSpace(replacer.Replace(q))
}

func sha1Hex(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

// makeChunks splits text into pieces of roughly approx bytes with overlap
// bytes shared between neighbours.
func makeChunks(text string, approx, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= approx {
		return []string{text}
	}
	var chunks []string
	for start := 0; start < len(text); {
		end := start + approx
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
		if end == len(text) {
			break
		}
		start = end - overlap
		if start < 0 {
			start = 0
		}
	}
	return chunks
}
