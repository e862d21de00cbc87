// Package replay archives optimizer turn snapshots as zstd-compressed JSONL
// so runs can be re-scored or inspected without re-calling any provider.
package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/spectyra/spectyra-core/internal/optimizer"
	"github.com/spectyra/spectyra-core/internal/quality"
)

// Snapshot is one archived optimizer turn: the scripted input, the checks it
// was scored against, and the full turn result.
type Snapshot struct {
	ScenarioID   string               `json:"scenario_id,omitempty"`
	TurnIndex    int                  `json:"turn_index"`
	RecordedAtMs int64                `json:"recorded_at_ms"`
	UserMessage  string               `json:"user_message"`
	Checks       []quality.Check      `json:"checks,omitempty"`
	Result       optimizer.TurnResult `json:"result"`
}

// Writer appends snapshots to a zstd-compressed JSONL archive. Close flushes
// the compression frame and fsyncs before releasing the file.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	encoder *zstd.Encoder
	jsonEnc *json.Encoder
}

// NewWriter creates (or truncates) the archive at path.
func NewWriter(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	encoder, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	jsonEnc := json.NewEncoder(encoder)
	jsonEnc.SetEscapeHTML(false)
	return &Writer{file: f, encoder: encoder, jsonEnc: jsonEnc}, nil
}

// Append records one snapshot.
func (w *Writer) Append(snap Snapshot) error {
	if w == nil {
		return errors.New("replay: nil writer")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return errors.New("replay: writer is closed")
	}
	return w.jsonEnc.Encode(&snap)
}

// Close finalizes the archive. Safe to call more than once.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	var firstErr error
	if err := w.encoder.Close(); err != nil {
		firstErr = err
	}
	if err := w.file.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	w.file = nil
	return firstErr
}

// Reader iterates an archive in recorded order.
type Reader struct {
	file    *os.File
	decoder *zstd.Decoder
	scanner *bufio.Scanner
}

// NewReader opens the archive at path.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	decoder, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	sc := bufio.NewScanner(decoder)
	// Snapshots carry whole prompts; allow large lines.
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	return &Reader{file: f, decoder: decoder, scanner: sc}, nil
}

// Next returns the following snapshot. io.EOF marks a clean end of archive;
// a corrupt or truncated tail yields io.ErrUnexpectedEOF, with every record
// before the damage already returned.
func (r *Reader) Next() (Snapshot, error) {
	if r == nil || r.scanner == nil {
		return Snapshot{}, errors.New("replay: reader is closed")
	}
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(line, &snap); err != nil {
			return Snapshot{}, fmt.Errorf("%w: invalid snapshot json", io.ErrUnexpectedEOF)
		}
		return snap, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", io.ErrUnexpectedEOF, err)
	}
	return Snapshot{}, io.EOF
}

// Close releases the archive file. Safe to call more than once.
func (r *Reader) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	r.decoder.Close()
	err := r.file.Close()
	r.file = nil
	r.scanner = nil
	return err
}
