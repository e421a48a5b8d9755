// Package audit keeps the append-only, hash-chained record of every
// evaluation and builds human-readable explanations for decisions.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClosed         = errors.New("audit: writer is closed")
	ErrChainBroken    = errors.New("audit: hash chain broken")
	ErrSequenceGap    = errors.New("audit: sequence gap")
	ErrHashMismatch   = errors.New("audit: entry hash mismatch")
	ErrMalformedEntry = errors.New("audit: malformed entry")
)

// PhaseResponse marks events written by the response pipeline.
const PhaseResponse = "response"

// Event is one audited evaluation.
type Event struct {
	ID          string    `json:"id"`
	Sequence    uint64    `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	Phase       string    `json:"phase"`
	Address     string    `json:"ip"`
	Window      string    `json:"window"`
	RiskScore   float64   `json:"risk_score"`
	Confidence  float64   `json:"confidence"`
	Severity    string    `json:"severity"`
	Decision    string    `json:"decision"`
	Action      string    `json:"action"`
	Executed    bool      `json:"executed"`
	Reason      string    `json:"reason"`
	Policy      string    `json:"policy,omitempty"`
	AttackCount int       `json:"attack_count"`

	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
}

// computeHash hashes every field except EntryHash in a fixed order.
func (e *Event) computeHash() string {
	h := sha256.New()
	for _, s := range []string{
		e.ID,
		strconv.FormatUint(e.Sequence, 10),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Phase,
		e.Address,
		e.Window,
		strconv.FormatFloat(e.RiskScore, 'f', -1, 64),
		strconv.FormatFloat(e.Confidence, 'f', -1, 64),
		e.Severity,
		e.Decision,
		e.Action,
		strconv.FormatBool(e.Executed),
		e.Reason,
		e.Policy,
		strconv.Itoa(e.AttackCount),
		e.PreviousHash,
	} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// GenesisHash is the PreviousHash of the first entry in a chain.
func GenesisHash() string {
	sum := sha256.Sum256([]byte("nids-responder-audit-genesis-v1"))
	return hex.EncodeToString(sum[:])
}

// Archiver receives rotated log files.
type Archiver interface {
	Archive(ctx context.Context, path string) error
}

// Config holds audit writer configuration.
type Config struct {
	Dir         string `yaml:"dir"`
	FileName    string `yaml:"file_name"`
	MaxFileSize int64  `yaml:"max_file_size"`
	SyncWrites  bool   `yaml:"sync_writes"`
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{
		Dir:         "data/audit",
		FileName:    "audit.log",
		MaxFileSize: 10 * 1024 * 1024,
		SyncWrites:  true,
	}
}

// Writer appends events to a JSONL file, chaining each entry to the
// previous one by hash. Rotation keeps the chain intact across files.
type Writer struct {
	mu       sync.Mutex
	config   Config
	path     string
	file     *os.File
	size     int64
	sequence uint64
	prevHash string
	closed   bool

	archiver Archiver
	archives sync.WaitGroup
	logger   *slog.Logger
	now      func() time.Time
}

// NewWriter opens (or creates) the audit log and recovers the chain state
// from its last entry. archiver may be nil.
func NewWriter(cfg Config, archiver Archiver, logger *slog.Logger) (*Writer, error) {
	def := DefaultConfig()
	if cfg.Dir == "" {
		cfg.Dir = def.Dir
	}
	if cfg.FileName == "" {
		cfg.FileName = def.FileName
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	w := &Writer{
		config:   cfg,
		path:     filepath.Join(cfg.Dir, cfg.FileName),
		prevHash: GenesisHash(),
		archiver: archiver,
		logger:   logger,
		now:      time.Now,
	}

	if err := w.recoverState(); err != nil {
		return nil, err
	}
	if err := w.open(); err != nil {
		return nil, err
	}

	logger.Info("audit log opened",
		"path", w.path,
		"sequence", w.sequence,
	)
	return w, nil
}

// WithClock sets the time source used for events without a timestamp.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

// Path returns the active log file.
func (w *Writer) Path() string {
	return w.path
}

// recoverState continues the chain from the newest entry on disk, looking
// at the active file first and then the newest rotated file.
func (w *Writer) recoverState() error {
	candidates := []string{w.path}
	rotated, err := w.rotatedFiles()
	if err != nil {
		return err
	}
	for i := len(rotated) - 1; i >= 0; i-- {
		candidates = append(candidates, rotated[i])
	}

	for _, path := range candidates {
		last, err := readLastEntry(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if errors.Is(err, ErrMalformedEntry) && path == w.path {
			last, err = w.repairTornTail()
		}
		if err != nil {
			return fmt.Errorf("audit: recover %s: %w", path, err)
		}
		if last != nil {
			w.sequence = last.Sequence
			w.prevHash = last.EntryHash
			return nil
		}
	}
	return nil
}

// repairTornTail handles a crash mid-write: the active file ends in a
// partial line. The file is cut back to the end of its last parseable
// entry and the torn bytes are kept next to it in <file>.torn. A bad line
// anywhere before the tail is still an error.
func (w *Writer) repairTornTail() (*Event, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, err
	}

	var (
		last    *Event
		goodEnd int64
		offset  int64
		bad     []byte
	)
	r := bufio.NewReader(f)
	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) > 0 {
			offset += int64(len(line))
			text := strings.TrimSpace(string(line))
			switch {
			case text == "":
			case bad != nil:
				f.Close()
				return nil, fmt.Errorf("%w: %s: unparseable entry before offset %d", ErrMalformedEntry, w.path, offset)
			default:
				var e Event
				if err := json.Unmarshal([]byte(text), &e); err != nil {
					bad = line
					break
				}
				last = &e
				goodEnd = offset
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			return nil, readErr
		}
	}
	f.Close()

	if bad == nil {
		return last, nil
	}

	torn, err := os.ReadFile(w.path)
	if err != nil {
		return nil, err
	}
	torn = torn[goodEnd:]
	tornPath := w.path + ".torn"
	if err := os.WriteFile(tornPath, torn, 0600); err != nil {
		return nil, fmt.Errorf("audit: save torn tail: %w", err)
	}
	if err := os.Truncate(w.path, goodEnd); err != nil {
		return nil, fmt.Errorf("audit: truncate torn tail: %w", err)
	}

	preview := string(torn)
	if len(preview) > 120 {
		preview = preview[:120] + "..."
	}
	seq := uint64(0)
	if last != nil {
		seq = last.Sequence
	}
	w.logger.Warn("discarded torn audit entry",
		"path", w.path,
		"bytes", len(torn),
		"saved_to", tornPath,
		"resume_sequence", seq,
		"tail", preview,
	)
	return last, nil
}

func (w *Writer) rotatedFiles() ([]string, error) {
	base := strings.TrimSuffix(w.config.FileName, filepath.Ext(w.config.FileName))
	files, err := filepath.Glob(filepath.Join(w.config.Dir, base+"-*"+filepath.Ext(w.config.FileName)))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (w *Writer) open() error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: open log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("audit: stat log: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Record appends one event. Sequence, hashes, and a missing ID or
// timestamp are filled in; the completed event is returned.
func (w *Writer) Record(ctx context.Context, e Event) (Event, error) {
	if err := ctx.Err(); err != nil {
		return e, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return e, ErrClosed
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = w.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Sequence = w.sequence + 1
	e.PreviousHash = w.prevHash
	e.EntryHash = e.computeHash()

	data, err := json.Marshal(e)
	if err != nil {
		return e, fmt.Errorf("audit: marshal event: %w", err)
	}
	data = append(data, '\n')

	if w.size > 0 && w.size+int64(len(data)) > w.config.MaxFileSize {
		if err := w.rotate(); err != nil {
			w.logger.Error("failed to rotate audit log", "error", err)
		}
	}

	n, err := w.file.Write(data)
	w.size += int64(n)
	if err != nil {
		return e, fmt.Errorf("audit: write event: %w", err)
	}
	if w.config.SyncWrites {
		if err := w.file.Sync(); err != nil {
			return e, fmt.Errorf("audit: sync log: %w", err)
		}
	}

	w.sequence = e.Sequence
	w.prevHash = e.EntryHash
	return e, nil
}

// rotate renames the active file and opens a fresh one. Caller holds mu.
func (w *Writer) rotate() error {
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	ext := filepath.Ext(w.config.FileName)
	base := strings.TrimSuffix(w.config.FileName, ext)
	rotated := filepath.Join(w.config.Dir,
		fmt.Sprintf("%s-%s-%012d%s", base, w.now().UTC().Format("20060102T150405"), w.sequence, ext))

	if err := os.Rename(w.path, rotated); err != nil {
		// Keep writing to the original file.
		if openErr := w.open(); openErr != nil {
			return errors.Join(err, openErr)
		}
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	w.logger.Info("rotated audit log", "rotated", rotated, "sequence", w.sequence)

	if w.archiver != nil {
		w.archives.Add(1)
		go func() {
			defer w.archives.Done()
			if err := w.archiver.Archive(context.Background(), rotated); err != nil {
				w.logger.Error("failed to archive audit log", "path", rotated, "error", err)
			}
		}()
	}
	return nil
}

// Recent returns up to n of the newest events in the active file, oldest
// first.
func (w *Writer) Recent(n int) ([]Event, error) {
	if n <= 0 {
		return []Event{}, nil
	}

	w.mu.Lock()
	path := w.path
	w.mu.Unlock()

	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Sequence returns the sequence number of the last written entry.
func (w *Writer) Sequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

// Close waits for pending archive uploads and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	err := w.file.Close()
	w.mu.Unlock()

	w.archives.Wait()
	return err
}

func readEntries(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return entries, fmt.Errorf("%w: %s line %d: %v", ErrMalformedEntry, path, line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, err
	}
	return entries, nil
}

// readLastEntry reads backwards from the end of path to find the last
// non-empty line.
func readLastEntry(path string) (*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() == 0 {
		return nil, nil
	}

	const chunk = 8192
	var tail []byte
	for offset := stat.Size(); offset > 0; {
		readSize := int64(chunk)
		if offset < readSize {
			readSize = offset
		}
		offset -= readSize

		buf := make([]byte, readSize)
		if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
			return nil, err
		}
		tail = append(buf, tail...)

		trimmed := strings.TrimRight(string(tail), "\n\r ")
		if trimmed == "" {
			continue
		}
		if i := strings.LastIndexByte(trimmed, '\n'); i >= 0 || offset == 0 {
			last := trimmed[i+1:]
			var e Event
			if err := json.Unmarshal([]byte(last), &e); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
			}
			return &e, nil
		}
	}
	return nil, nil
}
