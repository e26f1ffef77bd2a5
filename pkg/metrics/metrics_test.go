package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionMetrics(t *testing.T) {
	ConnectionsTotal.Reset()
	ConnectionsCurrent.Reset()
	AuthenticationAttempts.Reset()

	ConnectionsTotal.WithLabelValues("imap").Inc()
	ConnectionsCurrent.WithLabelValues("pop3").Set(5)
	AuthenticationAttempts.WithLabelValues("imap", "success").Inc()
	AuthenticationAttempts.WithLabelValues("imap", "failure").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(ConnectionsTotal.WithLabelValues("imap")))
	assert.Equal(t, 5.0, testutil.ToFloat64(ConnectionsCurrent.WithLabelValues("pop3")))
	assert.Equal(t, 1.0, testutil.ToFloat64(AuthenticationAttempts.WithLabelValues("imap", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(AuthenticationAttempts.WithLabelValues("imap", "failure")))
}

func TestDeliveryMetrics(t *testing.T) {
	DeliveriesTotal.Reset()
	RecipientsRejectedTotal.Reset()

	DeliveriesTotal.WithLabelValues("success").Inc()
	RecipientsRejectedTotal.WithLabelValues("domain").Inc()
	RecipientsRejectedTotal.WithLabelValues("unknown_user").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(DeliveriesTotal.WithLabelValues("success")))
	assert.Equal(t, 2, testutil.CollectAndCount(RecipientsRejectedTotal))
}

type fakeCache struct {
	hits, misses uint64
	size         int
}

func (f fakeCache) GetStats() (uint64, uint64, int) {
	return f.hits, f.misses, f.size
}

type fakeServer struct{ total, auth int64 }

func (f fakeServer) GetTotalConnections() int64         { return f.total }
func (f fakeServer) GetAuthenticatedConnections() int64 { return f.auth }

func TestCollectorSamplesCache(t *testing.T) {
	collector := NewCollector(fakeCache{hits: 3, misses: 1, size: 7}, 50*time.Millisecond)
	collector.AddServer("imap", fakeServer{total: 2, auth: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(done)
	}()
	<-done

	assert.Equal(t, 7.0, testutil.ToFloat64(MessageCacheEntries))
	assert.Equal(t, 0.75, testutil.ToFloat64(MessageCacheHitRatio))
}

func TestCollectorStop(t *testing.T) {
	collector := NewCollector(nil, time.Hour)

	done := make(chan struct{})
	go func() {
		collector.Start(context.Background())
		close(done)
	}()

	collector.Stop()
	collector.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestNewCollectorDefaultInterval(t *testing.T) {
	collector := NewCollector(nil, 0)
	assert.Equal(t, 60*time.Second, collector.interval)
}

func TestPrometheusHandlerExposesMetrics(t *testing.T) {
	CommandsTotal.WithLabelValues("pop3", "RETR", "ok").Inc()

	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, "mailgate_commands_total"))
	assert.Contains(t, text, `command="RETR"`)
}
