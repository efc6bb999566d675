package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// jsonFile is a single JSON value backed by one file, written with a
// seek-to-start/truncate/encode/fsync sequence. Grounded on the
// teacher's original PersistentStore, generalized from the
// Raft-specific PersistentState value it used to hold into a reusable
// primitive: FileLogStore uses one jsonFile for HardState, and
// FileSnapshotStore uses one for SnapshotMeta.
type jsonFile struct {
	filePath string
	file     *os.File
}

func newJSONFile(filePath string) *jsonFile {
	return &jsonFile{filePath: filePath}
}

// open creates the file if missing and initializes it with a
// zero-valued JSON encoding of initial when empty.
func (f *jsonFile) open(initial interface{}) error {
	flags := os.O_RDWR | os.O_CREATE
	file, err := os.OpenFile(f.filePath, flags, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", f.filePath, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("cannot stat %q: %w", f.filePath, err)
	}

	f.file = file

	if info.Size() == 0 {
		if err := f.write(initial); err != nil {
			file.Close()
			return fmt.Errorf("cannot write default value to %q: %w",
				f.filePath, err)
		}
	}

	return nil
}

func (f *jsonFile) close() error {
	return f.file.Close()
}

func (f *jsonFile) read(out interface{}) error {
	if _, err := f.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek %q: %w", f.filePath, err)
	}

	d := json.NewDecoder(f.file)
	if err := d.Decode(out); err != nil {
		return fmt.Errorf("%w: cannot read json data from %q: %v",
			ErrCorruption, f.filePath, err)
	}

	return nil
}

func (f *jsonFile) write(value interface{}) error {
	if _, err := f.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek %q: %w", f.filePath, err)
	}

	if err := f.file.Truncate(0); err != nil {
		return fmt.Errorf("cannot truncate %q: %w", f.filePath, err)
	}

	e := json.NewEncoder(f.file)
	if err := e.Encode(value); err != nil {
		return fmt.Errorf("cannot write json data to %q: %w", f.filePath, err)
	}

	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", f.filePath, err)
	}

	return nil
}
