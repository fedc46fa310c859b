package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/battlewatch/tracker/internal/batch"
	"github.com/battlewatch/tracker/internal/queue/memory"
	"github.com/battlewatch/tracker/internal/schedule"
	"github.com/battlewatch/tracker/internal/tracker"
)

type testEnv struct {
	ts    *httptest.Server
	coord *schedule.Coordinator
	queue *memory.Queue
}

func newTestEnv(t *testing.T, throttle int, start, end int64, refill time.Duration) *testEnv {
	t.Helper()

	gen, err := batch.New([]batch.RealmRange{
		{Realm: tracker.RealmXbox, Start: start, End: end},
	}, 100)
	require.NoError(t, err)

	policy := &schedule.ClientPolicy{
		Entries: map[string]schedule.PolicyEntry{
			schedule.CatchAllEntry: {Key: "demo", Throttle: throttle},
		},
	}
	q := memory.NewQueue(16)
	coord := schedule.New(gen, q, policy, schedule.Config{LeaseTimeout: time.Hour}, zap.NewNop())

	runDone := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		coord.Run(ctx)
		close(runDone)
	}()

	srv := NewServer(coord, policy, q, refill, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-runDone
	})
	return &testEnv{ts: ts, coord: coord, queue: q}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/wswork"
}

func (e *testEnv) preregister(t *testing.T) {
	t.Helper()
	resp, err := http.Post(e.ts.URL+"/setup", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestSetupResolvesWorkerConfig(t *testing.T) {
	env := newTestEnv(t, 2, 5000, 5300, 25*time.Millisecond)

	resp, err := http.Get(env.ts.URL + "/setup")
	require.NoError(t, err)
	body := decodeBody(t, resp)

	assert.Equal(t, "demo", body["application_id"])
	assert.Equal(t, float64(2), body["throttle"])
	// The worker id is a stable function of the caller's address.
	want := uuid.NewSHA1(uuid.NameSpaceDNS, []byte("127.0.0.1")).String()
	assert.Equal(t, want, body["worker_id"])
}

func TestWsWorkRejectsUnregisteredClient(t *testing.T) {
	env := newTestEnv(t, 2, 5000, 5300, 25*time.Millisecond)

	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWsWorkRejectsDuplicateConnection(t *testing.T) {
	env := newTestEnv(t, 2, 5000, 6000, 25*time.Millisecond)
	env.preregister(t)

	first, _, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
	require.NoError(t, err)
	defer first.Close()

	// Wait until the first session is registered before dialing again.
	require.Eventually(t, func() bool {
		st, err := env.coord.Stats()
		return err == nil && len(st.Connected) == 1
	}, 2*time.Second, 10*time.Millisecond)

	second, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
	require.Error(t, err)
	if second != nil {
		second.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWsWorkDistributesUntilDone(t *testing.T) {
	env := newTestEnv(t, 2, 5000, 5300, 25*time.Millisecond)
	env.preregister(t)

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// A frame with a bad version must be dropped without killing the session.
	require.NoError(t, conn.WriteJSON(Envelope{V: 99, Type: MessageResult}))

	seen := map[uint64]bool{}
	done := false
	for !done {
		var frame Envelope
		require.NoError(t, conn.ReadJSON(&frame))
		switch frame.Type {
		case MessageAssign:
			for _, b := range frame.Batches {
				require.False(t, seen[b.ID], "batch %d assigned twice", b.ID)
				seen[b.ID] = true
				res := tracker.Result{BatchID: b.ID, Realm: b.Realm, PulledAt: time.Now().Unix()}
				require.NoError(t, conn.WriteJSON(Envelope{
					V:      ProtocolVersion,
					Type:   MessageResult,
					Result: &res,
				}))
			}
		case MessageDone:
			done = true
		default:
			t.Fatalf("unexpected message type %q", frame.Type)
		}
	}

	assert.Len(t, seen, 3, "all three batches were delivered exactly once")
	require.Eventually(t, func() bool { return env.queue.Depth() == 3 },
		2*time.Second, 10*time.Millisecond, "results reached the ingestion queue")

	select {
	case <-env.coord.Done():
	default:
		t.Fatal("coordinator did not flag completion")
	}
}

func TestResultTriggersImmediateRefill(t *testing.T) {
	// With the refill ticker effectively disabled, the next batch must
	// arrive on the strength of the result message alone.
	env := newTestEnv(t, 2, 5000, 5300, time.Hour)
	env.preregister(t)

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var first Envelope
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, MessageAssign, first.Type)
	require.Len(t, first.Batches, 2)

	res := tracker.Result{BatchID: first.Batches[0].ID, Realm: first.Batches[0].Realm}
	require.NoError(t, conn.WriteJSON(Envelope{
		V:      ProtocolVersion,
		Type:   MessageResult,
		Result: &res,
	}))

	var second Envelope
	require.NoError(t, conn.ReadJSON(&second), "no assignment followed the result")
	require.Equal(t, MessageAssign, second.Type)
	require.Len(t, second.Batches, 1)
	assert.Equal(t, uint64(3), second.Batches[0].ID)

	// Reporting the rest completes the run without a single tick.
	for _, id := range []uint64{first.Batches[1].ID, second.Batches[0].ID} {
		res := tracker.Result{BatchID: id, Realm: tracker.RealmXbox}
		require.NoError(t, conn.WriteJSON(Envelope{
			V:      ProtocolVersion,
			Type:   MessageResult,
			Result: &res,
		}))
	}
	var last Envelope
	require.NoError(t, conn.ReadJSON(&last))
	require.Equal(t, MessageDone, last.Type)
}

func TestDebugEndpoint(t *testing.T) {
	env := newTestEnv(t, 2, 5000, 5300, 25*time.Millisecond)

	resp, err := http.Get(env.ts.URL + "/debug/wrong")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = http.Get(env.ts.URL + "/debug/demo")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(3), body["total_batches"])
	assert.Equal(t, float64(0), body["results_queued"])
	assert.Equal(t, false, body["done"])
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, 1, 0, 100, 25*time.Millisecond)

	for _, path := range []string{"/healthz", "/readyz", "/"} {
		resp, err := http.Get(env.ts.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
