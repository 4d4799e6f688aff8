// SPDX-License-Identifier: MIT

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueHelpers(t *testing.T) {
	QueueOperations.Reset()
	QueueSize.Reset()

	IncQueueOperation("ch-1", "add")
	IncQueueOperation("ch-1", "add")
	IncQueueOperation("ch-1", "skip")
	SetQueueSize("ch-1", 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(QueueOperations.WithLabelValues("ch-1", "add")))
	assert.Equal(t, 1.0, testutil.ToFloat64(QueueOperations.WithLabelValues("ch-1", "skip")))
	assert.Equal(t, 7.0, testutil.ToFloat64(QueueSize.WithLabelValues("ch-1")))
}

func TestContractSeriesNamesHaveNoPrefix(t *testing.T) {
	StreamListeners.Reset()
	SetListeners("ch-9", 25)

	// promauto registers on the default registry under the bare contract
	// name, not a prefixed one.
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "stream_listeners")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 25.0, testutil.ToFloat64(StreamListeners.WithLabelValues("ch-9")))
}

func TestObserveHTTPRequest(t *testing.T) {
	HTTPRequests.Reset()
	HTTPRequestDuration.Reset()

	ObserveHTTPRequest("GET", "/api/status/{channelID}", "2xx", 15*time.Millisecond)
	ObserveHTTPRequest("GET", "/api/status/{channelID}", "2xx", 30*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(HTTPRequests.WithLabelValues("GET", "/api/status/{channelID}", "2xx")))

	// One label set means one series; the observation count lives in the
	// histogram's sample count.
	assert.Equal(t, 1, testutil.CollectAndCount(HTTPRequestDuration, "http_request_duration_seconds"))
	obs, err := HTTPRequestDuration.GetMetricWithLabelValues("GET", "/api/status/{channelID}", "2xx")
	require.NoError(t, err)
	var m dto.Metric
	require.NoError(t, obs.(prometheus.Metric).Write(&m))
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
}

func TestForgetChannel(t *testing.T) {
	StreamListeners.Reset()
	QueueSize.Reset()

	SetListeners("gone", 3)
	SetQueueSize("gone", 4)
	ForgetChannel("gone")

	assert.Zero(t, testutil.CollectAndCount(StreamListeners, "stream_listeners"))
	assert.Zero(t, testutil.CollectAndCount(QueueSize, "queue_size"))
}
