package analytics

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// artifactStamp is the filename-safe timestamp layout used by persisted
// analytics artifacts (microsecond precision, no colons).
const artifactStamp = "2006-01-02T15-04-05.000000"

// artifactPath computes the destination for a timestamped artifact so the
// payload can embed its own path before being written.
func artifactPath(dir, prefix string, compress bool, now time.Time) string {
	name := fmt.Sprintf("%s_%s.json", prefix, now.Format(artifactStamp))
	if compress {
		name += ".gz"
	}
	return filepath.Join(dir, name)
}

// writeArtifact writes v as JSON (optionally gzipped) at path. Callers
// treat failures as best-effort: a broken artifact write never aborts a
// cycle.
func writeArtifact(path string, v any, compress bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	if compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return fmt.Errorf("compress artifact: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress artifact: %w", err)
		}
		data = buf.Bytes()
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}
