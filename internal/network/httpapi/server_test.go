package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilestream/internal/backing"
	"tilestream/internal/cache"
	"tilestream/internal/device"
	"tilestream/internal/logging"
	"tilestream/internal/position"
	"tilestream/internal/procedural"
	"tilestream/internal/world"
)

func newTestServer(t *testing.T) (*httptest.Server, *cache.ResourceCache) {
	t.Helper()
	gen := procedural.NewGenerator(8)
	c, err := cache.New(device.NewSoftware(8), backing.NewProcedural(gen, 0), gen, cache.Options{
		MaxDeviceResources: 4,
		MaxHostResources:   4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	chunks := world.NewChunkStore(world.Generator{Seed: 1, Size: 4, TileKinds: 4})
	policy, err := world.NewPolicy(world.Radii{Immediate: 0, Preload: 1, Cache: 2}, chunks, c)
	require.NoError(t, err)
	streamer := world.NewStreamer(policy)
	streamer.Update(context.Background(), position.ChunkPos{})
	streamer.Wait()

	s := NewServer(Options{
		NodeID:       "test-node",
		Cache:        c,
		Chunks:       chunks,
		Streamer:     streamer,
		PushInterval: 10 * time.Millisecond,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, c
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	var body map[string]interface{}
	resp := getJSON(t, ts.URL+"/health", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test-node", body["node_id"])
	assert.NotEmpty(t, resp.Header.Get(logging.HeaderCorrelationID))
}

func TestStats(t *testing.T) {
	ts, _ := newTestServer(t)

	var body StatsResponse
	resp := getJSON(t, ts.URL+"/api/stats", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test-node", body.NodeID)
	assert.Equal(t, 1, body.Cache.DeviceEntries)
	assert.Equal(t, int64(1), body.Cache.Loads)
	assert.Equal(t, 25, body.Chunks)
	assert.Equal(t, int64(1), body.Passes)
	require.NotNil(t, body.LastPass)
	assert.Equal(t, 1+9+25, body.LastPass.Total())
}

func TestResource(t *testing.T) {
	ts, _ := newTestServer(t)

	var found ResourceResponse
	resp := getJSON(t, ts.URL+"/api/resources/chunk_0_0", &found)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "chunk_0_0", found.Record.ID)
	assert.Equal(t, cache.TierDevice, found.Record.Tier)
	assert.True(t, found.Resident)

	var missing map[string]interface{}
	resp = getJSON(t, ts.URL+"/api/resources/chunk_9_9", &missing)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "chunk_9_9", missing["id"])
}

func TestResourceTierIsText(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/resources/chunk_0_0")
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw struct {
		Record map[string]interface{} `json:"record"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, "device", raw.Record["tier"])
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/stats", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatsStream(t *testing.T) {
	ts, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/stats"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg StatsResponse
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "test-node", msg.NodeID)
		assert.Equal(t, 25, msg.Chunks)
	}
}
