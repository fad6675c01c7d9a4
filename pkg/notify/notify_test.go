package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/config"
)

func TestSendSubstitutesIconAndMessage(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(config.NotifyConfig{
		Enabled: true,
		URI:     srv.URL,
		Action:  "post",
		Icons:   map[string]string{"success": "[OK]"},
		Body:    map[string]string{"text": "{icon} {message}"},
	})

	n.Send(context.Background(), StatusSuccess, "cluster1 bootstrapped")
	require.Equal(t, "[OK] cluster1 bootstrapped", got["text"])
}

func TestSendNoopWhenDisabled(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	n := New(config.NotifyConfig{Enabled: false, URI: srv.URL})
	n.Send(context.Background(), StatusInfo, "should not be sent")
	require.False(t, called)
}

func TestSendDoesNotPanicOnFailure(t *testing.T) {
	n := New(config.NotifyConfig{Enabled: true, URI: "http://127.0.0.1:1/nope", Action: "post"})
	require.NotPanics(t, func() {
		n.Send(context.Background(), StatusFailure, "unreachable endpoint")
	})
}
