// Package progress carries the byte-count side channel from the transports
// to whatever wants to render it. The contract is periodic
// (bytesTransferred, bytesTotal) samples; rendering is someone else's job.
package progress

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// Func receives periodic byte-count updates for a single transfer.
type Func func(transferred, total int64)

// sampleEvery is how often a Meter reports at most. Transports read in small
// chunks, so without batching the callback would fire per read.
const sampleEvery = 500 * time.Millisecond

// Meter wraps a reader and reports cumulative transferred bytes through the
// callback, batched to at most one call per sampleEvery plus a final call
// when the stream ends.
type Meter struct {
	r           io.Reader
	total       int64
	transferred int64
	fn          Func
	lastSample  time.Time
}

// NewMeter constructs a Meter. fn may be nil, making the Meter transparent.
func NewMeter(r io.Reader, total int64, fn Func) *Meter {
	return &Meter{r: r, total: total, fn: fn}
}

func (m *Meter) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		m.transferred += int64(n)
	}
	if m.fn != nil {
		now := time.Now()
		if err != nil || now.Sub(m.lastSample) >= sampleEvery {
			m.lastSample = now
			m.fn(m.transferred, m.total)
		}
	}
	return n, err
}

// Transferred returns the number of bytes read so far.
func (m *Meter) Transferred() int64 {
	return m.transferred
}

// Sample is one run-level progress observation. Counters are eventually
// consistent with the true transferred totals: tasks report asynchronously.
type Sample struct {
	BytesDone  int64
	BytesTotal int64
	FilesDone  int64
	FilesTotal int64
}

// Tracker aggregates per-file byte deltas into run totals.
type Tracker struct {
	bytesDone  atomic.Int64
	filesDone  atomic.Int64
	bytesTotal int64
	filesTotal int64
}

// NewTracker constructs a Tracker for a run of known size.
func NewTracker(filesTotal, bytesTotal int64) *Tracker {
	return &Tracker{bytesTotal: bytesTotal, filesTotal: filesTotal}
}

// AddBytes records transferred bytes.
func (t *Tracker) AddBytes(delta int64) {
	t.bytesDone.Add(delta)
}

// FileDone records one finished file.
func (t *Tracker) FileDone() {
	t.filesDone.Add(1)
}

// Snapshot returns the current totals.
func (t *Tracker) Snapshot() Sample {
	return Sample{
		BytesDone:  t.bytesDone.Load(),
		BytesTotal: t.bytesTotal,
		FilesDone:  t.filesDone.Load(),
		FilesTotal: t.filesTotal,
	}
}

// Watch emits a snapshot on every tick until the context is cancelled. The
// channel is closed on return so consumers can range over it.
func (t *Tracker) Watch(ctx context.Context, interval time.Duration) <-chan Sample {
	out := make(chan Sample, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case out <- t.Snapshot():
				default:
					// Slow consumer: drop the sample, the next one
					// carries fresher totals anyway.
				}
			}
		}
	}()
	return out
}

// FormatGiB renders a byte count as gibibytes with two decimals.
func FormatGiB(n int64) string {
	return fmt.Sprintf("%.2f GiB", float64(n)/(1<<30))
}
