package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/erezsh/reladiff/pkg/types"
)

// streamBuffer is how many rows a producing worker may run ahead of the
// consumer before it blocks.
const streamBuffer = 512

// RowStream is a pull-based row iterator backed by a worker goroutine
// filling a bounded channel. Consumers pull at their own pace; the worker
// blocks once the buffer is full. Closing the stream cancels the producer.
type RowStream struct {
	rows   chan types.Row
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// Producer is the sending half handed to the query worker.
type Producer struct {
	s   *RowStream
	ctx context.Context
}

// NewRowStream returns a stream and the producer side for it. The returned
// context governs the producer; Close (or the parent context) cancels it.
func NewRowStream(ctx context.Context) (*RowStream, *Producer) {
	ctx, cancel := context.WithCancel(ctx)
	s := &RowStream{
		rows:   make(chan types.Row, streamBuffer),
		cancel: cancel,
	}
	return s, &Producer{s: s, ctx: ctx}
}

// Ctx is the producer-side context. Query execution should pass it to the
// driver so cancelling the stream cancels the query.
func (p *Producer) Ctx() context.Context { return p.ctx }

// Send delivers one row to the consumer, blocking while the buffer is full.
// It reports false when the stream was closed and production should stop.
func (p *Producer) Send(row types.Row) bool {
	select {
	case p.s.rows <- row:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// Finish ends production. A non-nil err (other than the producer's own
// cancellation) is surfaced to the consumer via Err.
func (p *Producer) Finish(err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		p.s.mu.Lock()
		if p.s.err == nil {
			p.s.err = err
		}
		p.s.mu.Unlock()
	}
	close(p.s.rows)
}

// Next pulls the next row. ok is false once the stream is exhausted or
// failed; check Err afterwards.
func (s *RowStream) Next() (row types.Row, ok bool) {
	row, ok = <-s.rows
	return row, ok
}

// Err reports the first production error, if any.
func (s *RowStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the producer and drains any buffered rows so its worker can
// exit. Safe to call more than once.
func (s *RowStream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		go func() {
			for range s.rows {
			}
		}()
	})
}

// Collect drains the stream into a slice. The stream is closed afterwards.
func (s *RowStream) Collect() ([]types.Row, error) {
	defer s.Close()
	var out []types.Row
	for {
		row, ok := s.Next()
		if !ok {
			break
		}
		out = append(out, row)
	}
	return out, s.Err()
}
