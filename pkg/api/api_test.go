package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/queue"
)

func TestRootReturnsMessage(t *testing.T) {
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer q.Close()

	srv := httptest.NewServer(Router(q))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDnsmasqCheckinEnqueuesAndAlwaysReturns200(t *testing.T) {
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer q.Close()

	srv := httptest.NewServer(Router(q))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/checkin/dnsmasq", "application/json", strings.NewReader(`not-json`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	depth, err := q.Depth()
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}
