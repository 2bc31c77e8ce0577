package main

import (
	"fmt"
	"sync"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// countdownPrinter shows a single-line countdown while a bounded
// operation (the scan window) runs. Single-use: Start at most once,
// Stop exactly once.
type countdownPrinter struct {
	prefix   string
	duration time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newCountdownPrinter(prefix string, duration time.Duration) *countdownPrinter {
	return &countdownPrinter{
		prefix:   prefix,
		duration: duration,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the countdown display in a background goroutine.
func (p *countdownPrinter) Start() {
	start := time.Now()
	fmt.Printf("\r%s (%ds)   ", p.prefix, int(p.duration.Seconds()+0.5))

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				remaining := p.duration - time.Since(start)
				if remaining < 0 {
					remaining = 0
				}
				// Round to the nearest second for a steady countdown.
				fmt.Printf("\r%s (%ds)   ", p.prefix, int(remaining.Seconds()+0.5))
			}
		}
	}()
}

// Stop ends the countdown and clears the line. Safe to call multiple
// times.
func (p *countdownPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		<-p.done
		fmt.Print(clearLineSequence)
	})
}
