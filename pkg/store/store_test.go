package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshgate/pkg/model"
)

func backends(t *testing.T) map[string]EnrollmentStore {
	t.Helper()
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]EnrollmentStore{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func TestEnrollmentRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.GetEnrollment("100.64.0.5")
			require.NoError(t, err)
			assert.False(t, ok)

			e := model.Enrollment{
				ID:         "enr-1",
				PeerAddr:   "100.64.0.5",
				EndpointID: "sg-1",
				TableID:    142,
				State:      model.StateApplied,
				Enabled:    true,
			}
			require.NoError(t, s.SaveEnrollment(e))

			got, ok, err := s.GetEnrollment("100.64.0.5")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, e.EndpointID, got.EndpointID)
			assert.Equal(t, e.TableID, got.TableID)
			assert.False(t, got.UpdatedAt.IsZero())

			// save is an upsert keyed by peer
			e.EndpointID = "de-2"
			require.NoError(t, s.SaveEnrollment(e))
			list, err := s.ListEnrollments()
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "de-2", list[0].EndpointID)

			require.NoError(t, s.DeleteEnrollment("100.64.0.5"))
			_, ok, err = s.GetEnrollment("100.64.0.5")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestEndpointReplaceIsWholesale(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.ReplaceEndpoints([]model.TunnelEndpoint{
				{ID: "sg-1", Name: "Singapore"},
				{ID: "de-2", Name: "Frankfurt"},
			}))
			require.NoError(t, s.ReplaceEndpoints([]model.TunnelEndpoint{
				{ID: "us-3", Name: "New York"},
			}))
			eps, err := s.ListEndpoints()
			require.NoError(t, err)
			require.Len(t, eps, 1)
			assert.Equal(t, "us-3", eps[0].ID)

			_, ok, err := s.GetEndpoint("sg-1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestEventLogOrderAndBound(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now()
			for i := 0; i < 10; i++ {
				require.NoError(t, s.AppendEvent(model.Event{
					Type:      "applied",
					Message:   string(rune('a' + i)),
					Severity:  "info",
					Timestamp: base.Add(time.Duration(i) * time.Second),
				}))
			}
			evs, err := s.ListEvents(3)
			require.NoError(t, err)
			require.Len(t, evs, 3)
			assert.Equal(t, "h", evs[0].Message)
			assert.Equal(t, "j", evs[2].Message)
		})
	}
}

func TestSettingsDefaultThenUpdate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st, err := s.GetSettings()
			require.NoError(t, err)
			assert.Equal(t, model.DefaultSettings(), st)

			st.Reconcile.FailThreshold = 7
			require.NoError(t, s.UpdateSettings(st))
			got, err := s.GetSettings()
			require.NoError(t, err)
			assert.Equal(t, 7, got.Reconcile.FailThreshold)
		})
	}
}
