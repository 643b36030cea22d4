// Package bus implements the append-only JSONL message bus used between
// chatrig processes. Writers append whole records in a single write ending
// in '\n'; readers track a byte offset and consume only complete lines.
// The byte offset is the correctness boundary: after a crash and restart a
// reader resumes exactly where it left off and never re-consumes a record.
package bus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/chatrig/chatrig/internal/util"
)

// Append serialises rec and appends it to path as one newline-terminated
// line. The parent directory is created if missing. The record is written in
// a single call so concurrent readers never observe a torn line.
func Append(path string, rec interface{}) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := util.EnsureFile(path); err != nil {
		return fmt.Errorf("ensure %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

// ReadNew reads complete lines from path starting at offset and returns the
// well-formed JSON records plus the advanced offset. Empty and malformed
// lines are skipped but still advance the offset. A missing file reads as
// empty. A trailing partial line (no terminator yet) is left for the next
// poll.
func ReadNew(path string, offset int64) ([]json.RawMessage, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, fmt.Errorf("stat %s: %w", path, err)
	}
	if offset < 0 || offset > info.Size() {
		// Stale cursor (file replaced or cursor corrupted): start over
		// rather than silently reading nothing forever.
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seek %s: %w", path, err)
	}

	var recs []json.RawMessage
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			// Incomplete final line; the writer hasn't finished it.
			break
		}
		if err != nil {
			return recs, offset, fmt.Errorf("read %s: %w", path, err)
		}
		offset += int64(len(line))

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 || !json.Valid(trimmed) {
			continue
		}
		rec := make(json.RawMessage, len(trimmed))
		copy(rec, trimmed)
		recs = append(recs, rec)
	}
	return recs, offset, nil
}

// Trim rewrites path keeping only the newest max lines, once the file has
// grown past max+50. This is the one sanctioned break from append-only and
// applies only to overlay files, which no cursor reader tails.
func Trim(path string, max int) error {
	if max <= 0 {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	lines := splitLines(data)
	if len(lines) <= max+50 {
		return nil
	}

	keep := lines[len(lines)-max:]
	var buf bytes.Buffer
	for _, ln := range keep {
		buf.Write(ln)
		buf.WriteByte('\n')
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0644)
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	for _, ln := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(ln)) == 0 {
			continue
		}
		lines = append(lines, ln)
	}
	return lines
}
