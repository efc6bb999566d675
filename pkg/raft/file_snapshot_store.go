package raft

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSnapshotStore is the durable SnapshotStore used by
// cmd/passvaultd, grounded on persistent_store.go's write-then-fsync
// pattern but extended with a staging file and an atomic os.Rename
// swap: unlike the small hard-state blob a jsonFile truncates in
// place, a multi-megabyte state-machine snapshot body cannot be
// safely truncated-in-place without a crash window that leaves a
// corrupt file, so prior snapshot storage is reclaimed only after the
// new one is fully durable on disk.
type FileSnapshotStore struct {
	mu sync.Mutex

	dir      string
	metaFile *jsonFile
	bodyPath string
}

func NewFileSnapshotStore(dataDirectory string) *FileSnapshotStore {
	return &FileSnapshotStore{
		dir:      dataDirectory,
		metaFile: newJSONFile(filepath.Join(dataDirectory, "snapshot-meta.json")),
		bodyPath: filepath.Join(dataDirectory, "snapshot-body.data"),
	}
}

func (s *FileSnapshotStore) Open() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("cannot create data directory: %w", err)
	}
	return s.metaFile.open(SnapshotMeta{})
}

func (s *FileSnapshotStore) Current() (SnapshotMeta, []byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meta SnapshotMeta
	if err := s.metaFile.read(&meta); err != nil {
		return SnapshotMeta{}, nil, false, err
	}

	if meta.SnapshotId == "" {
		return SnapshotMeta{}, nil, false, nil
	}

	body, err := os.ReadFile(s.bodyPath)
	if err != nil {
		return SnapshotMeta{}, nil, false, fmt.Errorf("%w: cannot read %q: %v",
			ErrCorruption, s.bodyPath, err)
	}

	return meta, body, true, nil
}

func (s *FileSnapshotStore) Save(meta SnapshotMeta, body []byte) error {
	install, err := s.BeginInstall(meta)
	if err != nil {
		return err
	}
	if err := install.WriteChunk(body); err != nil {
		install.Discard()
		return err
	}
	return install.Commit()
}

func (s *FileSnapshotStore) BeginInstall(meta SnapshotMeta) (Install, error) {
	tmpPath := s.bodyPath + ".tmp"

	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("cannot create %q: %w", tmpPath, err)
	}

	return &fileInstall{
		store:   s,
		meta:    meta,
		tmpPath: tmpPath,
		tmp:     tmp,
	}, nil
}

func (s *FileSnapshotStore) Close() error {
	return s.metaFile.close()
}

type fileInstall struct {
	store   *FileSnapshotStore
	meta    SnapshotMeta
	tmpPath string
	tmp     *os.File
}

func (i *fileInstall) WriteChunk(data []byte) error {
	if _, err := i.tmp.Write(data); err != nil {
		return fmt.Errorf("cannot write %q: %w", i.tmpPath, err)
	}
	return nil
}

func (i *fileInstall) Commit() error {
	if err := i.tmp.Sync(); err != nil {
		i.tmp.Close()
		return fmt.Errorf("cannot sync %q: %w", i.tmpPath, err)
	}
	if err := i.tmp.Close(); err != nil {
		return fmt.Errorf("cannot close %q: %w", i.tmpPath, err)
	}

	i.store.mu.Lock()
	defer i.store.mu.Unlock()

	if err := os.Rename(i.tmpPath, i.store.bodyPath); err != nil {
		return fmt.Errorf("cannot replace %q: %w", i.store.bodyPath, err)
	}

	return i.store.metaFile.write(i.meta)
}

func (i *fileInstall) Discard() {
	i.tmp.Close()
	os.Remove(i.tmpPath)
}
