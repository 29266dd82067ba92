package host

import (
	"io"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// externalDataInfo is the location of a tensor's data stored outside the model file.
type externalDataInfo struct {
	location       string
	offset, length int64
}

func (info *externalDataInfo) set(key, value string) error {
	var err error
	switch key {
	case "location":
		info.location = value
	case "offset":
		info.offset, err = strconv.ParseInt(value, 10, 64)
	case "length":
		info.length, err = strconv.ParseInt(value, 10, 64)
	}
	if err != nil {
		return errors.Wrapf(err, "invalid external data %s %q", key, value)
	}
	return nil
}

// externalDataReader reads tensor data from files next to the model, memory-mapping each file once.
type externalDataReader struct {
	baseDir  string
	mu       sync.Mutex
	mappings map[string]*mmap.ReaderAt
}

func newExternalDataReader(baseDir string) *externalDataReader {
	return &externalDataReader{baseDir: baseDir, mappings: make(map[string]*mmap.ReaderAt)}
}

func (r *externalDataReader) mapping(location string) (*mmap.ReaderAt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reader, found := r.mappings[location]; found {
		return reader, nil
	}
	if filepath.IsAbs(location) || !filepath.IsLocal(location) {
		return nil, errors.Errorf("external data location %q must be relative to the model directory", location)
	}
	externalPath := filepath.Join(r.baseDir, location)
	reader, err := mmap.Open(externalPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap external data file %q", externalPath)
	}
	r.mappings[location] = reader
	return reader, nil
}

// readInto copies the external data described by info into dst, which must have the exact size of the tensor.
func (r *externalDataReader) readInto(info *externalDataInfo, dst []byte) error {
	if info.location == "" {
		return errors.New("external data has no location")
	}
	if info.length > 0 && info.length != int64(len(dst)) {
		return errors.Errorf("external data length %d doesn't match tensor size %d", info.length, len(dst))
	}
	reader, err := r.mapping(info.location)
	if err != nil {
		return err
	}
	n, err := reader.ReadAt(dst, info.offset)
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "failed to read %d bytes at offset %d from external data file %q",
			len(dst), info.offset, info.location)
	}
	if n != len(dst) {
		return errors.Errorf("read %d bytes but expected %d from external data file %q", n, len(dst), info.location)
	}
	return nil
}

// Close unmaps all files.
func (r *externalDataReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for location, reader := range r.mappings {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to unmap external data file %q", location)
		}
	}
	r.mappings = nil
	return firstErr
}
