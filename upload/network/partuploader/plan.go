package partuploader

import (
	"fmt"
)

const (
	// MinPartSizeBytes is the smallest part size accepted by S3 for every part but the last.
	MinPartSizeBytes int64 = 5 * 1024 * 1024
	// MaxPartSizeBytes caps the part size picked by OptimalPartSizeBytes.
	MaxPartSizeBytes int64 = 100 * 1024 * 1024
	// MaxParts is the S3 limit on the number of parts in a multipart upload.
	MaxParts = 10000
	// MaxObjectSizeBytes is the S3 limit on the size of an uploaded object.
	MaxObjectSizeBytes int64 = 5 * 1024 * 1024 * 1024 * 1024
)

// PartCount returns ceil(fileSize / partSize).
func PartCount(fileSizeBytes, partSizeBytes int64) int {
	if fileSizeBytes <= 0 || partSizeBytes <= 0 {
		return 0
	}
	return int((fileSizeBytes + partSizeBytes - 1) / partSizeBytes)
}

// Plan partitions [0, fileSizeBytes) into contiguous, half-open parts numbered from 1.
// Every part is partSizeBytes long except the last, which may be shorter.
// A zero-byte file yields no parts.
func Plan(fileSizeBytes, partSizeBytes int64) ([]PartDescriptor, error) {
	if partSizeBytes <= 0 {
		return nil, fmt.Errorf("part size must be positive, got %d", partSizeBytes)
	}
	if fileSizeBytes < 0 {
		return nil, fmt.Errorf("file size must not be negative, got %d", fileSizeBytes)
	}

	count := PartCount(fileSizeBytes, partSizeBytes)
	parts := make([]PartDescriptor, 0, count)
	for i := 0; i < count; i++ {
		start := int64(i) * partSizeBytes
		end := start + partSizeBytes
		if end > fileSizeBytes {
			end = fileSizeBytes
		}
		parts = append(parts, PartDescriptor{
			PartNumber: i + 1,
			Start:      start,
			End:        end,
		})
	}

	return parts, nil
}

// OptimalPartSizeBytes calculates a part size based on total size and concurrency,
// keeping the part count within MaxParts.
func OptimalPartSizeBytes(totalSize int64, concurrency int) int64 {
	if concurrency < 1 {
		concurrency = 1
	}
	ps := totalSize / int64(concurrency)

	// Reduce part size for very large parts to improve parallelism
	if ps >= MaxPartSizeBytes {
		ps = ps / 2
	}

	if ps < MinPartSizeBytes {
		ps = MinPartSizeBytes
	}

	if ps > MaxPartSizeBytes {
		ps = MaxPartSizeBytes
	}

	if PartCount(totalSize, ps) > MaxParts {
		ps = (totalSize + MaxParts - 1) / MaxParts
	}

	return ps
}
