package upload

import (
	"bytes"
	"io"
	"path/filepath"

	"github.com/primevod/go-ingest/upload/network/partuploader"
)

// Source is the content being uploaded.
type Source interface {
	io.ReaderAt
	// Name is the file name used to build the object key.
	Name() string
	Size() int64
}

// FileSource is a Source backed by a file on disk. It also reads its own parts.
type FileSource struct {
	*partuploader.FilePartProvider
	name string
}

var _ partuploader.PartProvider = (*FileSource)(nil)

// OpenFile opens path for upload. The caller must Close it.
func OpenFile(path string) (*FileSource, error) {
	provider, err := partuploader.NewFilePartProvider(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{FilePartProvider: provider, name: filepath.Base(path)}, nil
}

func (s *FileSource) Name() string { return s.name }

type bytesSource struct {
	*bytes.Reader
	name string
}

// NewBytesSource wraps in-memory content as a Source.
func NewBytesSource(name string, data []byte) Source {
	return bytesSource{Reader: bytes.NewReader(data), name: name}
}

func (s bytesSource) Name() string { return s.name }
