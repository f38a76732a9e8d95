package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DPMI/libcap-utils-sub001/pkg/log"
)

func TestServerExportsCounters(t *testing.T) {
	s := NewServer("127.0.0.1:0", "/stats", log.Discard())
	assert.Nil(t, s.Addr())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	StreamDesyncTotal.WithLabelValues("file://server-test").Inc()
	MarcDroppedTotal.WithLabelValues("server-test").Add(2)

	resp, err := http.Get("http://" + s.Addr().String() + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `caputils_stream_desync_total{stream="file://server-test"} 1`)
	assert.Contains(t, string(body), `caputils_marc_dropped_total{reason="server-test"} 2`)
}

func TestServerStopBeforeStart(t *testing.T) {
	assert.NoError(t, NewServer(":0", "", nil).Stop(context.Background()))
}

func TestServerListenError(t *testing.T) {
	s := NewServer("256.0.0.1:0", "", log.Discard())
	assert.Error(t, s.Start(context.Background()))
}
