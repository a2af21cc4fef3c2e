package netclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"adaptivecore/internal/apperr"
	"adaptivecore/internal/netclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := netclient.New(netclient.DefaultConfig(), nil)
	resp, err := c.Fetch(context.Background(), &netclient.Request{Type: netclient.RequestSegment, URI: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestFetchRetriesOnTransientStatusThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := netclient.DefaultConfig()
	cfg.Retry[netclient.RequestSegment] = netclient.RetryParameters{
		MaxAttempts: 3, BaseDelay: time.Millisecond, BackoffFactor: 1, FuzzFactor: 0, Timeout: time.Second,
	}
	c := netclient.New(cfg, nil)
	resp, err := c.Fetch(context.Background(), &netclient.Request{Type: netclient.RequestSegment, URI: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(3), calls)
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := netclient.DefaultConfig()
	cfg.Retry[netclient.RequestSegment] = netclient.RetryParameters{
		MaxAttempts: 2, BaseDelay: time.Millisecond, BackoffFactor: 1, FuzzFactor: 0, Timeout: time.Second,
	}
	c := netclient.New(cfg, nil)
	_, err := c.Fetch(context.Background(), &netclient.Request{Type: netclient.RequestSegment, URI: srv.URL})
	require.Error(t, err)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.CodeHTTPError, ae.Code)
}

func TestFetchClassifiesPermanentClientErrorWithoutRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := netclient.DefaultConfig()
	cfg.Retry[netclient.RequestSegment] = netclient.RetryParameters{
		MaxAttempts: 3, BaseDelay: time.Millisecond, BackoffFactor: 1, FuzzFactor: 0, Timeout: time.Second,
	}
	c := netclient.New(cfg, nil)
	_, err := c.Fetch(context.Background(), &netclient.Request{Type: netclient.RequestSegment, URI: srv.URL})
	require.Error(t, err)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.CodeHTTPError, ae.Code, "a 4xx stops the retry loop at once and is wrapped, as the cause, in the loop's HTTP_ERROR give-up error")
	assert.Equal(t, int32(1), calls, "4xx is not transient and should not be retried")
}

func TestRequestFilterCanRejectBeforeNetworkCall(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c := netclient.New(netclient.DefaultConfig(), nil)
	c.AddRequestFilter(func(r *netclient.Request) error { return assert.AnError })

	_, err := c.Fetch(context.Background(), &netclient.Request{Type: netclient.RequestApp, URI: srv.URL})
	require.Error(t, err)
	assert.Equal(t, int32(0), calls)
}
