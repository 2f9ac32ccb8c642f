package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestGatewayMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGatewayMetrics(reg)

	m.ObserveWebhook("accepted")
	m.ObserveWebhook("accepted")
	m.ObserveWebhook("duplicate")
	m.ObserveJob("high", "ok", 0.8)
	m.ObserveSend("ok", true)
	m.ObservePick("round_robin")
	m.ObserveAlert()
	m.ObserveSequenceStep("check_phone", "ok")
	m.ObserveBackendLatency(1.2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	if got := counterValue(t, families, "gateway_webhook_inbound_total", "status", "accepted"); got != 2 {
		t.Fatalf("accepted webhooks = %v, want 2", got)
	}
	if got := counterValue(t, families, "gateway_webhook_inbound_total", "status", "duplicate"); got != 1 {
		t.Fatalf("duplicate webhooks = %v, want 1", got)
	}
	if got := counterValue(t, families, "gateway_balancer_alerts_total", "", ""); got != 1 {
		t.Fatalf("alerts = %v, want 1", got)
	}
}

func TestGatewayMetricsNilSafe(t *testing.T) {
	var m *GatewayMetrics
	m.ObserveWebhook("accepted")
	m.ObserveJob("high", "ok", 0.1)
	m.ObserveSend("ok", false)
	m.ObservePick("least_loaded")
	m.ObserveAlert()
	m.ObserveSequenceStep("verify_email", "error")
	m.ObserveBackendLatency(0.1)
}

func counterValue(t *testing.T, families []*dto.MetricFamily, name, labelName, labelValue string) float64 {
	t.Helper()
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if labelName == "" {
				return metric.GetCounter().GetValue()
			}
			for _, label := range metric.GetLabel() {
				if label.GetName() == labelName && label.GetValue() == labelValue {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{%s=%q} not found", name, labelName, labelValue)
	return 0
}
