package katportal

import "time"

// ReconnectDelayStrategy controls the delay between reconnect attempts.
type ReconnectDelayStrategy interface {
	GetConnectWaitDuration(uri string) (time.Duration, error)
	Reset()
}

// FixedDelayStrategy stores reconnect delay parameters. katportal reconnects
// at a fixed interval without exponential growth.
type FixedDelayStrategy struct {
	Delay time.Duration
}

// NewFixedDelayStrategy returns a new FixedDelayStrategy.
func NewFixedDelayStrategy(delay time.Duration) *FixedDelayStrategy {
	if delay < 0 {
		delay = 0
	}
	return &FixedDelayStrategy{Delay: delay}
}

// GetConnectWaitDuration returns the current connect wait duration value.
func (strategy *FixedDelayStrategy) GetConnectWaitDuration(uri string) (time.Duration, error) {
	if strategy == nil {
		return 0, nil
	}
	return strategy.Delay, nil
}

// Reset is a no-op; the delay never grows.
func (strategy *FixedDelayStrategy) Reset() {
	if strategy == nil {
		return
	}
}
