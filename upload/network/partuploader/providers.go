package partuploader

import (
	"fmt"
	"io"
	"os"
)

// ReaderAtPartProvider reads parts from any io.ReaderAt.
// Safe for parallel part reads as long as the underlying ReaderAt is.
type ReaderAtPartProvider struct {
	r    io.ReaderAt
	size int64
}

// NewReaderAtPartProvider creates a PartProvider over r, which holds size bytes.
func NewReaderAtPartProvider(r io.ReaderAt, size int64) *ReaderAtPartProvider {
	return &ReaderAtPartProvider{r: r, size: size}
}

// ReadPart returns the bytes of the given part.
// The data is read into memory to allow for retries.
func (p *ReaderAtPartProvider) ReadPart(part PartDescriptor) ([]byte, error) {
	if part.Start < 0 || part.End > p.size || part.Start > part.End {
		return nil, fmt.Errorf("part %d range [%d, %d) out of bounds [0, %d)", part.PartNumber, part.Start, part.End, p.size)
	}

	data := make([]byte, part.Size())
	n, err := io.ReadFull(io.NewSectionReader(p.r, part.Start, part.Size()), data)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read part %d: %w", part.PartNumber, err)
	}
	if int64(n) != part.Size() {
		return nil, fmt.Errorf("unexpected end of file at part %d: read %d of %d bytes", part.PartNumber, n, part.Size())
	}

	return data, nil
}

// FilePartProvider reads parts from a file on disk.
type FilePartProvider struct {
	*ReaderAtPartProvider
	file *os.File
}

// NewFilePartProvider opens path and returns a PartProvider over its contents.
func NewFilePartProvider(path string) (*FilePartProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FilePartProvider{
		ReaderAtPartProvider: NewReaderAtPartProvider(file, info.Size()),
		file:                 file,
	}, nil
}

// ReadAt reads from the underlying file.
func (p *FilePartProvider) ReadAt(b []byte, off int64) (int, error) {
	return p.file.ReadAt(b, off)
}

// Size returns the file size captured when the file was opened.
func (p *FilePartProvider) Size() int64 {
	return p.size
}

// Close closes the underlying file.
func (p *FilePartProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// BytesPartProvider provides parts from an in-memory buffer.
type BytesPartProvider struct {
	data []byte
}

// NewBytesPartProvider creates a PartProvider from a byte slice.
func NewBytesPartProvider(data []byte) *BytesPartProvider {
	return &BytesPartProvider{data: data}
}

// ReadPart returns the bytes of the given part.
func (p *BytesPartProvider) ReadPart(part PartDescriptor) ([]byte, error) {
	if part.Start < 0 || part.End > int64(len(p.data)) || part.Start > part.End {
		return nil, fmt.Errorf("part %d range [%d, %d) out of range [0, %d)", part.PartNumber, part.Start, part.End, len(p.data))
	}
	return p.data[part.Start:part.End], nil
}
