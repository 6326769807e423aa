package metrics

import (
	"net/http"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nostr-relay-tray/nrt/common/config"
	"nostr-relay-tray/nrt/common/logx"
)

var log = logx.New(logx.WithPrefix("metrics"))

const namespace = "nostr_relay_tray"

// Recorder publishes admission, federation and trust metrics to prometheus
// and, when configured, to InfluxDB. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	admissions   *prometheus.CounterVec
	admitLatency *prometheus.HistogramVec
	linkState    *prometheus.GaugeVec
	linkChanges  *prometheus.CounterVec
	wotRefreshes *prometheus.CounterVec
	wotTrusted   prometheus.Gauge
	messages     *prometheus.CounterVec

	influx influxdb2.Client
	write  api.WriteAPI
}

func New(cfg config.MetricsCfg) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by message source and outcome.",
		}, []string{"source", "outcome"}),
		admitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "duration_seconds",
			Help:      "Time spent deciding one event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		linkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "link_state",
			Help:      "Link state: 0 disconnected, 1 connecting, 2 connected.",
		}, []string{"link"}),
		linkChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "state_changes_total",
			Help:      "Link state transitions.",
		}, []string{"link", "state"}),
		wotRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wot",
			Name:      "refreshes_total",
			Help:      "Trust set refreshes by result.",
		}, []string{"result"}),
		wotTrusted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "wot",
			Name:      "trusted_pubkeys",
			Help:      "Size of the current trusted pubkey set.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Inbound relay messages by type.",
		}, []string{"source", "type"}),
	}
	r.registry.MustRegister(
		r.admissions, r.admitLatency, r.linkState, r.linkChanges,
		r.wotRefreshes, r.wotTrusted, r.messages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if in := cfg.Influx; in.BaseURL != "" && in.Bucket != "" {
		r.influx = influxdb2.NewClientWithOptions(in.BaseURL, in.Token,
			influxdb2.DefaultOptions().SetBatchSize(200).SetFlushInterval(5000))
		r.write = r.influx.WriteAPI(in.Org, in.Bucket)
		go func(errs <-chan error) {
			for err := range errs {
				log.Warnf("influx write: %v", err)
			}
		}(r.write.Errors())
		log.Infof("influx sink enabled: %s bucket=%s", in.BaseURL, in.Bucket)
	}
	return r
}

// Handler serves the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

/******** recording ********/

// Admission records one decision; outcome is "accepted" or the reject reason.
func (r *Recorder) Admission(source, outcome string, took time.Duration) {
	if r == nil {
		return
	}
	r.admissions.WithLabelValues(source, outcome).Inc()
	r.admitLatency.WithLabelValues(source).Observe(took.Seconds())
	r.point("admission", map[string]string{"source": source, "outcome": outcome},
		map[string]any{"count": 1, "duration_ms": float64(took.Microseconds()) / 1000})
}

func (r *Recorder) Message(source, typ string) {
	if r == nil {
		return
	}
	r.messages.WithLabelValues(source, typ).Inc()
}

// LinkState takes the numeric state and its name.
func (r *Recorder) LinkState(link string, state int, name string) {
	if r == nil {
		return
	}
	r.linkState.WithLabelValues(link).Set(float64(state))
	r.linkChanges.WithLabelValues(link, name).Inc()
	r.point("federation", map[string]string{"link": link}, map[string]any{"state": state, "name": name})
}

// WotRefresh records a refresh outcome: "ok", "error" or "skipped".
func (r *Recorder) WotRefresh(result string, trusted int) {
	if r == nil {
		return
	}
	r.wotRefreshes.WithLabelValues(result).Inc()
	if result == "ok" {
		r.wotTrusted.Set(float64(trusted))
	}
	r.point("wot", map[string]string{"result": result}, map[string]any{"trusted": trusted})
}

func (r *Recorder) point(measurement string, tags map[string]string, fields map[string]any) {
	if r.write == nil {
		return
	}
	r.write.WritePoint(influxdb2.NewPoint(measurement, tags, fields, time.Now()))
}

func (r *Recorder) Close() {
	if r == nil || r.influx == nil {
		return
	}
	r.write.Flush()
	r.influx.Close()
}
