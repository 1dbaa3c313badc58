package log

import (
	"fmt"
	"io"
	"time"
)

// ProgressReader wraps an io.Reader and periodically logs how many bytes
// have passed through it. Used by guest file transfers, where a single
// upload or download can run for minutes.
type ProgressReader struct {
	reader      io.Reader
	totalSize   int64
	written     int64
	label       string
	lastLogTime time.Time
	logInterval time.Duration
}

// NewProgressReader creates a progress reader. totalSize <= 0 means the
// total is unknown and only absolute byte counts are logged.
func NewProgressReader(reader io.Reader, totalSize int64, label string) *ProgressReader {
	return &ProgressReader{
		reader:      reader,
		totalSize:   totalSize,
		label:       label,
		lastLogTime: time.Now(),
		logInterval: 10 * time.Second,
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.written += int64(n)

		now := time.Now()
		if now.Sub(pr.lastLogTime) >= pr.logInterval {
			if pr.totalSize > 0 {
				progress := float64(pr.written) / float64(pr.totalSize) * 100
				Infof("Transfer progress for %s: %.1f%% (%s/%s)", pr.label, progress,
					FormatSize(pr.written), FormatSize(pr.totalSize))
			} else {
				Infof("Transfer progress for %s: %s", pr.label, FormatSize(pr.written))
			}
			pr.lastLogTime = now
		}
	}
	return n, err
}

// Written returns the number of bytes read through the reader so far.
func (pr *ProgressReader) Written() int64 {
	return pr.written
}

// FormatSize formats a size in bytes to a human-readable string
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
