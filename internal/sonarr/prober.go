package sonarr

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ProbeInterval is how often the background prober checks the backend.
const ProbeInterval = 60 * time.Second

// Prober runs the health probe on a ticker. It is also triggered
// imperatively when the configured URL or token changes.
type Prober struct {
	client   *Client
	interval time.Duration
	logger   zerolog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewProber creates a health prober for the given client.
func NewProber(client *Client, logger zerolog.Logger) *Prober {
	return &Prober{
		client:   client,
		interval: ProbeInterval,
		logger:   logger.With().Str("component", "sonarr-prober").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start probes immediately and then on every tick until Stop is called.
func (p *Prober) Start() {
	go func() {
		defer close(p.done)

		_ = p.client.Probe(context.Background())

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = p.client.Probe(context.Background())
			case <-p.stop:
				return
			}
		}
	}()
	p.logger.Debug().Dur("interval", p.interval).Msg("health prober started")
}

// TriggerProbe invalidates cached health and probes asynchronously.
func (p *Prober) TriggerProbe() {
	p.client.InvalidateHealth()
	go func() {
		_ = p.client.Probe(context.Background())
	}()
}

// Stop stops the ticker and waits for the probe loop to exit.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}
