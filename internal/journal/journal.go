// Package journal keeps an append-only record of provisioning attempts.
//
// Entries are CBOR items written back to back, so a truncated final entry
// only loses that entry.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// OutcomeWritten is the outcome of an attempt that wrote the tag. Failed
// attempts use the failure kind name.
const OutcomeWritten = "written"

// Entry is one provisioning attempt.
type Entry struct {
	Time     time.Time `cbor:"1,keyasint" json:"time"`
	Session  uint64    `cbor:"2,keyasint,omitempty" json:"session,omitempty"`
	TagUID   string    `cbor:"3,keyasint,omitempty" json:"tagUid,omitempty"`
	RecordID string    `cbor:"4,keyasint,omitempty" json:"recordId,omitempty"`
	Outcome  string    `cbor:"5,keyasint" json:"outcome"`
	Message  string    `cbor:"6,keyasint,omitempty" json:"message,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create journal CBOR encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create journal CBOR decoder mode: %v", err))
	}
}

// FileJournal appends entries to a file. It is safe for concurrent use.
type FileJournal struct {
	path    string
	file    *os.File
	encoder *cbor.Encoder
	mu      sync.Mutex
	closed  bool
}

// Open opens or creates the journal at path, creating parent directories.
func Open(path string) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &FileJournal{
		path:    path,
		file:    f,
		encoder: encMode.NewEncoder(f),
	}, nil
}

// Path returns the journal file path.
func (j *FileJournal) Path() string {
	return j.path
}

// Append writes e to the end of the journal.
func (j *FileJournal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return errors.New("journal is closed")
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	return j.encoder.Encode(e)
}

// Close closes the file. Further appends fail.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}

// ReadAll returns every entry in the journal at path, oldest first. A missing
// file is an empty journal. A truncated trailing entry is ignored.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	dec := decMode.NewDecoder(f)
	for {
		var e Entry
		err := dec.Decode(&e)
		if err == io.EOF {
			return entries, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return entries, nil
		}
		if err != nil {
			return entries, fmt.Errorf("failed to decode journal entry %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
}

// Last returns at most n of the most recent entries, newest first.
func Last(path string, n int) ([]Entry, error) {
	entries, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out, nil
}
