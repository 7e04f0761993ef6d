package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/simptcp/internal/ccb"
)

type fakeSource struct {
	ids   []int
	stats map[int]ccb.Stats
	state map[int]ccb.State
}

func (f *fakeSource) Descriptors() []int { return f.ids }

func (f *fakeSource) Stats(id int) (ccb.Stats, ccb.State, bool) {
	s, ok := f.stats[id]
	return s, f.state[id], ok
}

func TestCollectorExposesSocketCounters(t *testing.T) {
	src := &fakeSource{
		ids: []int{0, 1},
		stats: map[int]ccb.Stats{
			0: {PDUsSent: 3, PDUsReceived: 2, Retransmissions: 1},
			1: {PDUsSent: 7, PDUsReceived: 7},
		},
		state: map[int]ccb.State{
			0: ccb.StateEstablished,
			1: ccb.StateTimeWait,
		},
	}

	c := NewCollector(src)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	var foundSent, foundOpen bool
	for _, fam := range families {
		switch fam.GetName() {
		case "simptcp_pdus_sent_total":
			foundSent = true
			assert.Len(t, fam.GetMetric(), 2)
		case "simptcp_open_sockets":
			foundOpen = true
			require.Len(t, fam.GetMetric(), 1)
			assert.Equal(t, float64(2), fam.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, foundSent, "simptcp_pdus_sent_total not exported")
	assert.True(t, foundOpen, "simptcp_open_sockets not exported")
}

func TestCollectorSkipsUnknownDescriptor(t *testing.T) {
	src := &fakeSource{ids: []int{5}, stats: map[int]ccb.Stats{}, state: map[int]ccb.State{}}
	c := NewCollector(src)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, fam := range families {
		if fam.GetName() == "simptcp_pdus_sent_total" {
			assert.Empty(t, fam.GetMetric())
		}
	}
}
