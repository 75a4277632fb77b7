package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New(Config{Registry: prometheus.NewRegistry()})

	m.FrameSent("client", 6)
	m.FrameSent("client", 4)
	m.FrameReceived("server", 6)
	m.Disconnected("server", ReasonError)
	m.Relistened()
	m.ServicesVisible(3)

	if got := testutil.ToFloat64(m.framesSent.WithLabelValues("client")); got != 2 {
		t.Errorf("frames_sent_total{client} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.bytesSent.WithLabelValues("client")); got != 10 {
		t.Errorf("body_bytes_sent_total{client} = %v, want 10", got)
	}
	if got := testutil.ToFloat64(m.framesReceived.WithLabelValues("server")); got != 1 {
		t.Errorf("frames_received_total{server} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.disconnects.WithLabelValues("server", ReasonError)); got != 1 {
		t.Errorf("disconnects_total{server,error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.relistens); got != 1 {
		t.Errorf("relistens_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.servicesVisible); got != 3 {
		t.Errorf("services_visible = %v, want 3", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.FrameSent("client", 1)
	m.FrameReceived("client", 1)
	m.Connected("client")
	m.Disconnected("client", ReasonClean)
	m.DecodeError("client")
	m.Relistened()
	m.DiscoveryRestarted()
	m.ServicesVisible(1)
}
