package cli

import (
	"os"
	"sync/atomic"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// segmentBar renders interactive progress over segment checksums. The total
// grows as the bisection discovers more segments.
type segmentBar struct {
	p     *mpb.Progress
	bar   *mpb.Bar
	total atomic.Int64
}

func newSegmentBar() *segmentBar {
	p := mpb.New(mpb.WithOutput(os.Stderr))
	bar := p.AddBar(0,
		mpb.PrependDecorators(
			decor.Name("Diffing segments: ", decor.WC{W: 18}),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.Elapsed(decor.ET_STYLE_GO),
			decor.Name(" | "),
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done"),
		),
	)
	return &segmentBar{p: p, bar: bar}
}

func (s *segmentBar) AddSegments(n int) {
	s.bar.SetTotal(s.total.Add(int64(n)), false)
}

func (s *segmentBar) SegmentDone() {
	s.bar.Increment()
}

// Finish completes the bar and waits for the render goroutine.
func (s *segmentBar) Finish() {
	s.bar.SetTotal(s.total.Load(), true)
	s.p.Wait()
}
