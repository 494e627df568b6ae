package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestProviderCounters(t *testing.T) {
	p := Init(Config{Version: "test"})
	p.Units.Add(3)
	p.Skipped.WithLabelValues("invalid_source").Inc()
	p.Skipped.WithLabelValues("invalid_source").Inc()
	p.Skipped.WithLabelValues("reprojection_failed").Inc()

	require.Equal(t, 3.0, testutil.ToFloat64(p.Units))
	require.Equal(t, 2.0, testutil.ToFloat64(p.Skipped.WithLabelValues("invalid_source")))
	require.Equal(t, 2, testutil.CollectAndCount(p.Skipped))

	families, err := p.Gatherer().Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	require.Contains(t, names, "tilegeo_build_info")
	require.Contains(t, names, "tilegeo_units_total")
}

func TestPushDisabled(t *testing.T) {
	p := Init(Config{})
	require.False(t, p.Enabled())
	require.NoError(t, p.Push(context.Background(), "ingest"))
}

func TestPush(t *testing.T) {
	var path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := Init(Config{Pushgateway: srv.URL, Job: "tilegeo_test"})
	p.Indexed.Add(7)
	require.NoError(t, p.Push(context.Background(), "index"))
	require.Equal(t, "/metrics/job/tilegeo_test/component/index", path)
	require.True(t, strings.Contains(body, "tilegeo_tiles_indexed_total"))
}
