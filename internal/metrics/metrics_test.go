package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/cognigate/backend/internal/escalation"
	"github.com/cognigate/backend/internal/proofchain"
)

var (
	_ proofchain.Observer = (*Metrics)(nil)
	_ escalation.Observer = (*Metrics)(nil)
)

func TestEscalationLifecycleCounters(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.EscalationOpened("high")
	m.EscalationOpened("high")
	m.EscalationOpened("low")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EscalationTotal.WithLabelValues("high")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EscalationOpen.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EscalationOpen.WithLabelValues("low")))

	m.EscalationDecided("high", "approved")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EscalationOpen.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EscalationResolved.WithLabelValues("approved")))

	m.EscalationLapsed("low")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.EscalationOpen.WithLabelValues("low")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EscalationExpired))
}

func TestChainObserverCounters(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.AppendRecorded(7)
	m.AppendRecorded(8)
	m.ConflictRetried()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChainAppends))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.ChainLength))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChainConflicts))
}
