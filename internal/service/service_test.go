package service

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/castor/internal/config"
	"github.com/dreamware/castor/internal/coordinator"
	"github.com/dreamware/castor/internal/protocol"
	"github.com/dreamware/castor/internal/storage"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = freePort(t)
	cfg.RetentionSeconds = 60
	cfg.Workers = 3
	cfg.IdleTick = 10 * time.Millisecond
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.MonitorInterval = 50 * time.Millisecond
	return cfg
}

func startService(t *testing.T, cfg config.Config) *Service {
	t.Helper()
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
	})
	return s
}

// registerRaw speaks the wire protocol directly and returns the command and
// message channels.
func registerRaw(t *testing.T, addr string, id int64) (cmd, msg *protocol.Conn) {
	t.Helper()
	ctx := context.Background()
	cmd, err := protocol.Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cmd.Close() })
	require.NoError(t, cmd.WriteClientID(id))

	port := freePort(t)
	require.NoError(t, cmd.WriteString("register "+strconv.Itoa(port)+" "+strconv.FormatInt(id, 10)))
	require.NoError(t, cmd.SetReadDeadline(time.Now().Add(3*time.Second)))
	tok, err := cmd.ReadString()
	require.NoError(t, err)
	require.Equal(t, protocol.AckOK, tok)

	msg, err = protocol.Dial(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = msg.Close() })
	tok, err = cmd.ReadString()
	require.NoError(t, err)
	require.Equal(t, protocol.AckOK, tok)
	return cmd, msg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 0
	_, err := New(cfg, zerolog.Nop())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestStartBindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig(t)
	cfg.Port = taken.Addr().(*net.TCPAddr).Port
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Error(t, s.Start(context.Background()))
	assert.Nil(t, s.Addr())
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestServiceMulticast(t *testing.T) {
	s := startService(t, testConfig(t))
	addr := s.Addr().String()

	_, msgA := registerRaw(t, addr, 100)
	cmdB, msgB := registerRaw(t, addr, 200)

	require.NoError(t, cmdB.WriteString("msend hello"))
	tok, err := cmdB.ReadString()
	require.NoError(t, err)
	assert.Equal(t, protocol.AckOK, tok)

	for _, msg := range []*protocol.Conn{msgA, msgB} {
		require.NoError(t, msg.SetReadDeadline(time.Now().Add(3*time.Second)))
		got, err := msg.ReadString()
		require.NoError(t, err)
		assert.Equal(t, "hello", got)
	}
	assert.Equal(t, 2, s.Registry().Len())
	assert.Equal(t, 1, s.Log().Len())
}

func TestAdminServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.Addr = "127.0.0.1:0"
	s := startService(t, cfg)
	require.NotNil(t, s.AdminAddr())

	resp, err := http.Get("http://" + s.AdminAddr().String() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminClients(t *testing.T) {
	s := startService(t, testConfig(t))
	registerRaw(t, s.Addr().String(), 42)
	router := s.Router()

	rec := get(t, router, "/clients")
	require.Equal(t, http.StatusOK, rec.Code)
	var list listClientsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, 1, list.States["connected"])
	assert.Equal(t, 0, list.States["disconnected"])

	rec = get(t, router, "/clients/42")
	require.Equal(t, http.StatusOK, rec.Code)
	var info coordinator.ClientInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, int64(42), info.ProvidedID)
	assert.Equal(t, uint64(1), info.AssignedID)
	assert.Equal(t, 1, info.Shard)
	assert.Equal(t, "connected", info.State)

	assert.Equal(t, http.StatusNotFound, get(t, router, "/clients/43").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, router, "/clients/abc").Code)
}

func TestAdminLogAndWorkers(t *testing.T) {
	s := startService(t, testConfig(t))
	cmd, _ := registerRaw(t, s.Addr().String(), 1)
	require.NoError(t, cmd.WriteString("msend one"))
	_, err := cmd.ReadString()
	require.NoError(t, err)
	router := s.Router()

	rec := get(t, router, "/log")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats storage.LogStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, uint64(1), stats.Appended)
	assert.Equal(t, 60*time.Second, stats.Retention)

	require.Eventually(t, func() bool {
		var body struct {
			Items []workerItem `json:"items"`
			Total int          `json:"total"`
		}
		rec := get(t, router, "/workers")
		if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &body) != nil {
			return false
		}
		if body.Total != 3 {
			return false
		}
		for _, w := range body.Items {
			if w.Health == nil || w.Health.Status != coordinator.StatusHealthy {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond)
}

func TestAdminMetrics(t *testing.T) {
	s := startService(t, testConfig(t))
	cmd, _ := registerRaw(t, s.Addr().String(), 5)
	require.NoError(t, cmd.WriteString("msend m"))
	_, err := cmd.ReadString()
	require.NoError(t, err)

	rec := get(t, s.Router(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "castor_worker_commands_total"), "commands counter exported")
	assert.True(t, strings.Contains(body, "go_goroutines"), "runtime collector registered")
}

func TestAdminHealthDegraded(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	s.monitor.SetCheckFunction(func(coordinator.WorkerInfo) error { return assert.AnError })
	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown(context.Background())

	require.Eventually(t, func() bool {
		return get(t, s.Router(), "/health").Code == http.StatusServiceUnavailable
	}, 3*time.Second, 20*time.Millisecond)
}
