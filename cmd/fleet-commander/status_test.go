// ABOUTME: Tests for the status and health client commands
// ABOUTME: Runs against an httptest server standing in for a commander

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-commander/internal/fleet"
)

func TestListenAddrURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"0.0.0.0:19999", "http://127.0.0.1:19999"},
		{":8080", "http://127.0.0.1:8080"},
		{"[::]:8080", "http://[::1]:8080"},
		{"10.0.0.5:9000", "http://10.0.0.5:9000"},
	}
	for _, tt := range tests {
		got, err := listenAddrURL(tt.addr)
		require.NoError(t, err, tt.addr)
		assert.Equal(t, tt.want, got)
	}

	_, err := listenAddrURL("no-port")
	assert.Error(t, err)
}

func TestFetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"fleet-a-0","fleet_id":"fleet-a","port":20000,"ipv6":"2001:db8::1","pid":4242,"status":"Running","uptime_secs":90},
			{"id":"fleet-a-1","fleet_id":"fleet-a","port":20100,"ipv6":null,"pid":null,"status":"Stopped","uptime_secs":0}
		]`))
	}))
	defer srv.Close()

	records, err := fetchStatus(context.Background(), srv.Client(), srv.URL)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, fleet.StatusRunning, records[0].Status)
	require.NotNil(t, records[0].PID)
	assert.Equal(t, 4242, *records[0].PID)
	assert.Nil(t, records[1].IPv6)
}

func TestFetchStatus_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := fetchStatus(context.Background(), srv.Client(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "boom")
}

func TestRenderStatus(t *testing.T) {
	noColor(t)
	pid := 4242
	ip := "2001:db8::1"
	var buf bytes.Buffer
	renderStatus(&buf, []fleet.StatusRecord{
		{ID: "fleet-a-0", Port: 20000, IPv6: &ip, PID: &pid, Status: fleet.StatusRunning, UptimeSecs: 90},
		{ID: "fleet-a-1", Port: 20100, Status: fleet.StatusFailed},
	})

	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "fleet-a-0")
	assert.Contains(t, out, "4242")
	assert.Contains(t, out, "2001:db8::1")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "Failed")
}

func TestRenderStatus_Empty(t *testing.T) {
	var buf bytes.Buffer
	renderStatus(&buf, nil)
	assert.Contains(t, buf.String(), "No agents.")
}

func TestCheckHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	}))
	defer srv.Close()

	body, err := checkHealth(context.Background(), srv.Client(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", body)

	_, err = checkHealth(context.Background(), srv.Client(), srv.URL+"/missing")
	assert.Error(t, err)
}
