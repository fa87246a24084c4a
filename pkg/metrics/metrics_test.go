package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gathered returns the sample values of a metric family keyed by the joined label values.
func gathered(t *testing.T, c *Collector, name string) map[string]float64 {
	t.Helper()
	families, err := c.registry.Gather()
	require.NoError(t, err)

	out := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			key := ""
			for _, lp := range m.GetLabel() {
				key += lp.GetValue() + "|"
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestCollectorRecords(t *testing.T) {
	c := NewCollector("chat")

	c.ObserveIngest("indexed")
	c.ObserveIngest("indexed")
	c.ObserveIngest("duplicate")
	c.ObserveBlock(42, 10*time.Millisecond)
	c.ObserveQuery("list_chats", time.Millisecond)
	c.ObserveHTTP("GET", "/api/chatrooms/{address}", "200", time.Millisecond)

	assert.Equal(t, map[string]float64{"duplicate|": 1, "indexed|": 2}, gathered(t, c, "chat_ingested_transactions_total"))
	assert.Equal(t, map[string]float64{"": 42}, gathered(t, c, "chat_feed_height"))
	assert.Equal(t, map[string]float64{"": 1}, gathered(t, c, "chat_block_ingest_duration_seconds"))
	assert.Equal(t, map[string]float64{"list_chats|": 1}, gathered(t, c, "chat_query_duration_seconds"))
	assert.Equal(t, map[string]float64{"GET|/api/chatrooms/{address}|200|": 1}, gathered(t, c, "chat_http_requests_total"))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveIngest("indexed")
		c.ObserveBlock(1, time.Second)
		c.ObserveQuery("list_messages", time.Second)
		c.ObserveHTTP("GET", "/", "200", time.Second)
	})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerServesTextFormat(t *testing.T) {
	c := NewCollector("chat")
	c.ObserveIngest("skipped")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `chat_ingested_transactions_total{result="skipped"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
