package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordCrawl(t *testing.T) {
	before := testutil.ToFloat64(CrawlsTotal.WithLabelValues("test_outcome"))
	RecordCrawl("test_outcome", time.Now().Add(-time.Second))
	after := testutil.ToFloat64(CrawlsTotal.WithLabelValues("test_outcome"))
	require.Equal(t, before+1, after)
}

func TestHttpRequestsByCode(t *testing.T) {
	HttpRequestsTotal.WithLabelValues("404").Inc()
	HttpRequestsTotal.WithLabelValues("404").Inc()
	require.GreaterOrEqual(t, testutil.ToFloat64(HttpRequestsTotal.WithLabelValues("404")), 2.0)
}
