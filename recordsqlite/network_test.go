package recordsqlite

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNetworkMonitorNotifiesOnRealChanges(t *testing.T) {
	m := NewNetworkMonitor()
	require.Equal(t, NetworkUnknown, m.State())
	require.False(t, m.Available())

	var transitions [][2]NetworkState
	m.OnChange(func(old, new NetworkState) {
		transitions = append(transitions, [2]NetworkState{old, new})
	})

	m.SetAvailable(true)
	m.SetAvailable(true)
	m.SetAvailable(false)

	require.Equal(t, [][2]NetworkState{
		{NetworkUnknown, NetworkAvailable},
		{NetworkAvailable, NetworkUnavailable},
	}, transitions)
	require.Equal(t, "unavailable", m.State().String())
}

func TestNetworkMonitorProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewNetworkMonitor()
	ctx := context.Background()

	require.NoError(t, m.Probe(ctx, srv.Client(), srv.URL))
	require.True(t, m.Available())

	healthy.Store(false)
	err := m.Probe(ctx, srv.Client(), srv.URL)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, http.StatusServiceUnavailable, re.StatusCode)
	require.Equal(t, NetworkUnavailable, m.State())

	srv.Close()
	m.SetAvailable(true)
	require.Error(t, m.Probe(ctx, nil, srv.URL))
	require.False(t, m.Available())
}
