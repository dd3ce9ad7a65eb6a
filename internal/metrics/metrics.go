package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of calls in progress.
type ActiveCallsProvider interface {
	ActiveCount() int
}

// DialogCounter exposes the number of active SIP dialogs (caller legs
// plus connected transfer legs).
type DialogCounter interface {
	Count() int
}

// MediaLinkProvider reports whether the media server control socket is
// up.
type MediaLinkProvider interface {
	Active() bool
}

// CallDirectionCounter returns completed call counts grouped by
// direction.
type CallDirectionCounter interface {
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers gateway metrics at
// scrape time.
type Collector struct {
	sessions  ActiveCallsProvider
	dialogs   DialogCounter
	media     MediaLinkProvider
	calls     CallDirectionCounter
	startTime time.Time

	// Metric descriptors.
	activeCallsDesc   *prometheus.Desc
	activeDialogsDesc *prometheus.Desc
	mediaLinkDesc     *prometheus.Desc
	callsTotalDesc    *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil
// if unavailable.
func NewCollector(
	sessions ActiveCallsProvider,
	dialogs DialogCounter,
	media MediaLinkProvider,
	calls CallDirectionCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		sessions:  sessions,
		dialogs:   dialogs,
		media:     media,
		calls:     calls,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voxgate_active_calls",
			"Number of call sessions currently in progress",
			nil, nil,
		),
		activeDialogsDesc: prometheus.NewDesc(
			"voxgate_active_dialogs",
			"Number of active SIP dialogs, including transfer legs",
			nil, nil,
		),
		mediaLinkDesc: prometheus.NewDesc(
			"voxgate_media_link_up",
			"Whether the media server control socket is connected (1=up, 0=down)",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"voxgate_calls_total",
			"Total number of completed calls",
			[]string{"direction"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voxgate_uptime_seconds",
			"Seconds since the gateway process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.activeDialogsDesc
	ch <- c.mediaLinkDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.sessions.ActiveCount()),
		)
	}

	if c.dialogs != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeDialogsDesc, prometheus.GaugeValue,
			float64(c.dialogs.Count()),
		)
	}

	if c.media != nil {
		up := 0.0
		if c.media.Active() {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.mediaLinkDesc, prometheus.GaugeValue, up,
		)
	}

	if c.calls != nil {
		counts, err := c.calls.CountByDirection(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by direction", "error", err)
		} else {
			for _, dir := range []string{"inbound", "outbound"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[dir]), dir,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
