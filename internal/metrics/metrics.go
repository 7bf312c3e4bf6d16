// Package metrics provides Prometheus instrumentation for device client.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hubdevice"

// Device holds collectors of one device client.
// nil *Device is valid and records nothing.
type Device struct {
	State           prometheus.Gauge
	Transitions     *prometheus.CounterVec
	ConnectResults  *prometheus.CounterVec
	Sent            prometheus.Counter
	SendErrors      prometheus.Counter
	PublishAcks     prometheus.Counter
	Received        prometheus.Counter
	Dropped         prometheus.Counter
	TransportErrors prometheus.Counter
}

func NewDevice(deviceID string) *Device {
	labels := prometheus.Labels{"device": deviceID}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: labels,
		})
	}
	return &Device{
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_state", ConstLabels: labels,
			Help: "Current connection state: 0=disconnected 1=connecting 2=connected 3=disconnecting",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "state_transitions_total", ConstLabels: labels,
			Help: "Connection state transitions",
		}, []string{"from", "to"}),
		ConnectResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connect_results_total", ConstLabels: labels,
			Help: "Transport connect result codes",
		}, []string{"code"}),
		Sent:            counter("messages_sent_total", "Telemetry messages handed to transport"),
		SendErrors:      counter("send_errors_total", "Telemetry messages rejected by transport"),
		PublishAcks:     counter("publish_acks_total", "Publish acknowledgements from hub"),
		Received:        counter("messages_received_total", "Inbound messages delivered to observer"),
		Dropped:         counter("messages_dropped_total", "Inbound messages dropped without observer"),
		TransportErrors: counter("transport_errors_total", "Errors logged by transport"),
	}
}

func (d *Device) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		d.State, d.Transitions, d.ConnectResults,
		d.Sent, d.SendErrors, d.PublishAcks,
		d.Received, d.Dropped, d.TransportErrors,
	}
}

func (d *Device) Register(r prometheus.Registerer) error {
	for _, c := range d.Collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) Transition(from, to string, toIndex int) {
	if d == nil {
		return
	}
	d.Transitions.WithLabelValues(from, to).Inc()
	d.State.Set(float64(toIndex))
}

func (d *Device) ConnectResult(code byte) {
	if d == nil {
		return
	}
	d.ConnectResults.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

func (d *Device) IncSent()           { d.inc(func(d *Device) prometheus.Counter { return d.Sent }) }
func (d *Device) IncSendError()      { d.inc(func(d *Device) prometheus.Counter { return d.SendErrors }) }
func (d *Device) IncPublishAck()     { d.inc(func(d *Device) prometheus.Counter { return d.PublishAcks }) }
func (d *Device) IncReceived()       { d.inc(func(d *Device) prometheus.Counter { return d.Received }) }
func (d *Device) IncDropped()        { d.inc(func(d *Device) prometheus.Counter { return d.Dropped }) }
func (d *Device) IncTransportError() { d.inc(func(d *Device) prometheus.Counter { return d.TransportErrors }) }

func (d *Device) inc(get func(*Device) prometheus.Counter) {
	if d != nil {
		get(d).Inc()
	}
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
