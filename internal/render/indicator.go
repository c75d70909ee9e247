package render

import (
	"sync"
	"time"
)

// IndicatorInterval is the delay between startup animation frames.
const IndicatorInterval = 500 * time.Millisecond

// IndicatorFrames is the startup animation.
var IndicatorFrames = []string{"●○○", "○●○", "○○●"}

// Indicator prints the startup animation until stopped.
type Indicator struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartIndicator prints the first frame before returning and then one frame
// per interval.
func StartIndicator(out *Output, interval time.Duration) *Indicator {
	ind := &Indicator{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	_ = out.Line(IndicatorFrames[0])
	go ind.run(out, interval)
	return ind
}

func (i *Indicator) run(out *Output, interval time.Duration) {
	defer close(i.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for frame := 1; ; frame++ {
		select {
		case <-i.stop:
			return
		case <-ticker.C:
		}
		_ = out.Line(IndicatorFrames[frame%len(IndicatorFrames)])
	}
}

// Stop ends the animation and waits until no further frame can be written.
// It is safe to call more than once.
func (i *Indicator) Stop() {
	i.stopOnce.Do(func() { close(i.stop) })
	<-i.done
}
