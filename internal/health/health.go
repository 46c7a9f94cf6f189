// Package health aggregates component probes into a single report: state
// store round-trip, a cheap liveness check per database, and config-presence
// checks for the notification channels.
package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sqlwatch/sqlwatch/internal/alerting"
	"github.com/sqlwatch/sqlwatch/internal/notify"
	"github.com/sqlwatch/sqlwatch/internal/query"
	"github.com/sqlwatch/sqlwatch/internal/store"
)

// Status grades one component or the aggregate.
type Status string

const (
	StatusHealthy       Status = "healthy"
	StatusDegraded      Status = "degraded"
	StatusUnhealthy     Status = "unhealthy"
	StatusNotConfigured Status = "not_configured"
)

// degradedLatency marks a responsive but slow state store.
const degradedLatency = 500 * time.Millisecond

// defaultProbeTimeout bounds each individual probe.
const defaultProbeTimeout = 5 * time.Second

// ComponentHealth is one probed component.
type ComponentHealth struct {
	Status    Status   `json:"status"`
	LatencyMS *float64 `json:"latency_ms,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Report is the full health document served on /healthz.
type Report struct {
	Overall    Status                     `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// Adapters is the slice of the query pool the prober needs.
type Adapters interface {
	Refs() []string
	Get(ref string) (query.Adapter, bool)
}

// Prober checks every dependency the daemon needs to do its job.
type Prober struct {
	Store    store.Store
	Pool     Adapters
	SMTP     notify.SMTPConfig
	Channels map[alerting.Channel]bool // channels referenced by the active config
	Timeout  time.Duration
}

// ChannelsOf collects which notification channels a set of definitions uses.
func ChannelsOf(defs []*alerting.Definition) map[alerting.Channel]bool {
	used := make(map[alerting.Channel]bool)
	for _, def := range defs {
		for _, target := range def.Targets {
			used[target.Channel] = true
		}
	}
	return used
}

// Check probes everything and aggregates. Overall is the worst component
// status; not_configured never pulls the aggregate down.
func (p *Prober) Check(ctx context.Context) Report {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	components := map[string]ComponentHealth{
		"state_store": p.probeStore(ctx, timeout),
	}

	if p.Pool != nil {
		refs := p.Pool.Refs()
		sort.Strings(refs)
		for _, ref := range refs {
			components["database:"+ref] = p.probeDatabase(ctx, ref, timeout)
		}
	}

	for name, ch := range map[string]alerting.Channel{
		"channel:email":   alerting.ChannelEmail,
		"channel:slack":   alerting.ChannelSlack,
		"channel:webhook": alerting.ChannelWebhook,
	} {
		components[name] = p.probeChannel(ch)
	}

	return Report{Overall: overall(components), Components: components}
}

func (p *Prober) probeStore(ctx context.Context, timeout time.Duration) ComponentHealth {
	if p.Store == nil {
		return ComponentHealth{Status: StatusNotConfigured}
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	latency, err := p.Store.Health(probeCtx)
	if err != nil {
		return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
	}
	out := ComponentHealth{Status: StatusHealthy, LatencyMS: millis(latency)}
	if latency > degradedLatency {
		out.Status = StatusDegraded
		out.Message = fmt.Sprintf("state store slow: %s", latency.Round(time.Millisecond))
	}
	return out
}

func (p *Prober) probeDatabase(ctx context.Context, ref string, timeout time.Duration) ComponentHealth {
	adapter, ok := p.Pool.Get(ref)
	if !ok {
		return ComponentHealth{Status: StatusNotConfigured}
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := adapter.Ping(probeCtx); err != nil {
		return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
	}
	return ComponentHealth{Status: StatusHealthy, LatencyMS: millis(time.Since(start))}
}

// probeChannel is config-presence only; no live sends from the health path.
func (p *Prober) probeChannel(ch alerting.Channel) ComponentHealth {
	if !p.Channels[ch] {
		return ComponentHealth{Status: StatusNotConfigured}
	}
	if ch == alerting.ChannelEmail && !p.SMTP.Configured() {
		return ComponentHealth{
			Status:  StatusUnhealthy,
			Message: "email targets configured but smtp transport is not",
		}
	}
	return ComponentHealth{Status: StatusHealthy}
}

func overall(components map[string]ComponentHealth) Status {
	worst := StatusHealthy
	for _, c := range components {
		switch c.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			worst = StatusDegraded
		}
	}
	return worst
}

func millis(d time.Duration) *float64 {
	ms := float64(d.Microseconds()) / 1000
	return &ms
}
