// Package evidence writes an audit trail of answered and replayed queries.
//
// Layout under the base directory:
//
//	answers/<query-id>.json   one AnswerRecord per answered query
//	replays/<unix-nanos>.json one ReplayRecord per queue replay pass
//	blobs/<kind>-<sha256>.txt content-addressed question and answer text
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zen-systems/carepath/pkg/clinical"
)

// AnswerRecord captures how one query was answered.
type AnswerRecord struct {
	QueryID        string                      `json:"query_id"`
	Timestamp      time.Time                   `json:"timestamp"`
	QuestionHash   string                      `json:"question_hash"`
	QuestionRef    string                      `json:"question_ref,omitempty"`
	Backend        string                      `json:"backend,omitempty"`
	Confidence     clinical.Level              `json:"confidence"`
	Selection      clinical.SelectionDecision  `json:"selection"`
	Attempts       []clinical.ExecutionAttempt `json:"attempts,omitempty"`
	Bias           *clinical.BiasReport        `json:"bias,omitempty"`
	Cached         bool                        `json:"cached"`
	Queued         bool                        `json:"queued"`
	Replayed       bool                        `json:"replayed,omitempty"`
	OutputHash     string                      `json:"output_hash,omitempty"`
	OutputRef      string                      `json:"output_ref,omitempty"`
	DurationMillis int64                       `json:"duration_ms"`
}

// ReplayRecord captures one pass over the offline queue.
type ReplayRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	Processed      int       `json:"processed"`
	Succeeded      int       `json:"succeeded"`
	Failed         int       `json:"failed"`
	Remaining      int       `json:"remaining"`
	Errors         []string  `json:"errors,omitempty"`
	DurationMillis int64     `json:"duration_ms"`
}

// Writer writes evidence files to disk.
type Writer struct {
	baseDir string
}

// NewWriter creates the evidence directories under baseDir.
func NewWriter(baseDir string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	for _, dir := range []string{baseDir, filepath.Join(baseDir, "answers"), filepath.Join(baseDir, "replays"), filepath.Join(baseDir, "blobs")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
		// MkdirAll leaves existing directories alone; tighten them too.
		if err := os.Chmod(dir, 0700); err != nil {
			return nil, err
		}
	}
	return &Writer{baseDir: baseDir}, nil
}

// Dir returns the base directory.
func (w *Writer) Dir() string {
	return w.baseDir
}

// WriteAnswer writes record to answers/<query-id>.json.
func (w *Writer) WriteAnswer(record AnswerRecord) error {
	if record.QueryID == "" {
		return fmt.Errorf("query ID is required")
	}
	name := sanitize(record.QueryID, "query") + ".json"
	return writeJSON(filepath.Join(w.baseDir, "answers", name), record)
}

// WriteReplay writes record to replays/<unix-nanos>.json.
func (w *Writer) WriteReplay(record ReplayRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	name := fmt.Sprintf("%d.json", record.Timestamp.UnixNano())
	return writeJSON(filepath.Join(w.baseDir, "replays", name), record)
}

// WriteBlob stores content under blobs/ keyed by its SHA-256 and returns the
// path relative to the base directory together with the hex digest.
func (w *Writer) WriteBlob(kind string, content []byte) (string, string, error) {
	sha := Hash(content)
	ref := filepath.ToSlash(filepath.Join("blobs", fmt.Sprintf("%s-%s.txt", sanitize(kind, "blob"), sha)))
	path := filepath.Join(w.baseDir, filepath.FromSlash(ref))

	if _, err := os.Stat(path); err == nil {
		return ref, sha, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", "", err
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		return "", "", err
	}
	return ref, sha, nil
}

// Hash returns the hex SHA-256 of content.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ReadAnswer loads a previously written answer record.
func (w *Writer) ReadAnswer(queryID string) (*AnswerRecord, error) {
	data, err := os.ReadFile(filepath.Join(w.baseDir, "answers", sanitize(queryID, "query")+".json"))
	if err != nil {
		return nil, err
	}
	var record AnswerRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode answer record: %w", err)
	}
	return &record, nil
}

func sanitize(s, fallback string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return fallback
	}
	return b.String()
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
