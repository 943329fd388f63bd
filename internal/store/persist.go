package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// errNotLogFile is returned when a file doesn't contain a valid tab meta header.
var errNotLogFile = errors.New("not a tab log file")

const metaType = "alive_tab_meta"

// tabMeta is the first line of every tab log file.
type tabMeta struct {
	Type    string    `json:"type"`
	Version int       `json:"version"`
	Tab     string    `json:"tab"`
	SavedAt time.Time `json:"savedAt"`
}

// Save writes one JSONL log per tab into dir: a meta header line followed by
// one message per line in sequence order.
func (s *Store) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.tabs {
		if err := writeTabLog(filepath.Join(dir, name+".jsonl"), name, t.msgs); err != nil {
			return err
		}
	}
	return nil
}

func writeTabLog(path, tab string, msgs []*Message) (retErr error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create tab log: %w", err)
	}
	defer func() {
		if err := f.Close(); retErr == nil {
			retErr = err
		}
	}()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	if err := enc.Encode(tabMeta{Type: metaType, Version: 1, Tab: tab, SavedAt: time.Now().UTC()}); err != nil {
		return err
	}
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
	}
	return w.Flush()
}

// Load scans dir for *.jsonl and *.jsonl.zst files and restores their tabs.
// Files without a valid meta header are skipped with a warning. Existing tabs
// with the same name are replaced.
func (s *Store) Load(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".jsonl") && !strings.HasSuffix(name, ".jsonl.zst")) {
			continue
		}
		if err := s.loadTabLog(filepath.Join(dir, name)); err != nil {
			if !errors.Is(err, errNotLogFile) {
				slog.Warn("skipping tab log", "file", name, "err", err)
			}
			continue
		}
	}
	return nil
}

func (s *Store) loadTabLog(path string) (retErr error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() {
		if err := f.Close(); retErr == nil {
			retErr = err
		}
	}()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f, zstd.WithDecoderMaxMemory(64<<20))
		if err != nil {
			return fmt.Errorf("open zstd: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<20)
	if !sc.Scan() {
		return errNotLogFile
	}
	var meta tabMeta
	if err := json.Unmarshal(sc.Bytes(), &meta); err != nil || meta.Type != metaType {
		return errNotLogFile
	}
	if meta.Version != 1 {
		return fmt.Errorf("unsupported tab log version %d", meta.Version)
	}

	t := &tabState{
		byID:      make(map[string]*Message),
		nextSeq:   1,
		toolNames: make(map[string]string),
	}
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		m := &Message{}
		if err := json.Unmarshal(sc.Bytes(), m); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		// A message persisted mid-stream means the process died before the
		// terminal event; surface it as errored, not forever streaming.
		if m.Status == StatusPending || m.Status == StatusStreaming {
			m.Status = StatusError
		}
		t.msgs = append(t.msgs, m)
		t.byID[m.ID.String()] = m
		if m.Seq >= t.nextSeq {
			t.nextSeq = m.Seq + 1
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.tabs[meta.Tab] = t
	s.mu.Unlock()
	return nil
}

// Archive rewrites a tab's plain JSONL log as zstd-compressed and removes the
// plain file. The compressed log remains loadable.
func (s *Store) Archive(dir, tab string) (retErr error) {
	src := filepath.Join(dir, tab+".jsonl")
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return fmt.Errorf("open tab log: %w", err)
	}
	defer func() {
		if err := in.Close(); retErr == nil {
			retErr = err
		}
	}()

	out, err := os.Create(src + ".zst")
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		return fmt.Errorf("compress tab log: %w", err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
