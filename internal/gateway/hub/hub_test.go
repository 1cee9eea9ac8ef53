// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/overseer/internal/gateway/store"
	"github.com/tombee/overseer/internal/log"
)

// dialTestHub starts an httptest server around the hub's WebSocket handler
// and returns a connected viewer.
func dialTestHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

// subscribe issues a subscribe request and consumes the ack.
func subscribe(t *testing.T, conn *websocket.Conn, runID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(viewerRequest{Type: "subscribe", RunID: runID}))

	var push Push
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&push))
	require.Equal(t, TypeSubscribed, push.Type)
	require.Equal(t, runID, push.RunID)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	h := New(nil, log.New(nil))
	conn := dialTestHub(t, h)

	subscribe(t, conn, "run-1")
	waitForSubscribers(t, h, "run-1", 1)

	h.PublishEvent(&store.Event{ID: 7, RunID: "run-1", Type: store.EventStdout, Data: "hello"})

	var push Push
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&push))
	assert.Equal(t, TypeEvent, push.Type)
	assert.Equal(t, "run-1", push.RunID)
	require.NotNil(t, push.Event)
	assert.Equal(t, int64(7), push.Event.ID)
	assert.Equal(t, "hello", push.Event.Data)
}

func TestEventsScopedToSubscribedRun(t *testing.T) {
	h := New(nil, log.New(nil))
	conn := dialTestHub(t, h)

	subscribe(t, conn, "run-1")
	waitForSubscribers(t, h, "run-1", 1)

	h.PublishEvent(&store.Event{RunID: "run-other", Type: store.EventStdout, Data: "noise"})
	h.PublishEvent(&store.Event{RunID: "run-1", Type: store.EventStdout, Data: "signal"})

	var push Push
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&push))
	assert.Equal(t, "run-1", push.RunID)
	assert.Equal(t, "signal", push.Event.Data)
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	h := New(nil, log.New(nil))
	conn := dialTestHub(t, h)

	subscribe(t, conn, "run-1")
	waitForSubscribers(t, h, "run-1", 1)

	require.NoError(t, conn.WriteJSON(viewerRequest{Type: "unsubscribe", RunID: "run-1"}))
	var push Push
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&push))
	require.Equal(t, TypeUnsubscribed, push.Type)
	waitForSubscribers(t, h, "run-1", 0)

	h.PublishEvent(&store.Event{RunID: "run-1", Type: store.EventStdout, Data: "dropped"})

	// Only the ping response should arrive.
	require.NoError(t, conn.WriteJSON(viewerRequest{Type: "ping"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&push))
	assert.Equal(t, TypePong, push.Type)
}

func TestCommandCompletedPush(t *testing.T) {
	h := New(nil, log.New(nil))
	conn := dialTestHub(t, h)

	subscribe(t, conn, "run-1")
	waitForSubscribers(t, h, "run-1", 1)

	h.PublishCommandCompleted(&store.Command{
		ID: "cmd-1", RunID: "run-1", Status: store.CommandAcked, Result: "ok",
	})

	var push Push
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&push))
	assert.Equal(t, TypeCommandCompleted, push.Type)
	require.NotNil(t, push.Command)
	assert.Equal(t, "cmd-1", push.Command.ID)
}

func TestAlertBroadcast(t *testing.T) {
	h := New(nil, log.New(nil))
	conn := dialTestHub(t, h)

	// No subscription needed; alerts go to everyone.
	waitForViewers(t, h, 1)
	h.PublishAlert(&store.Alert{ID: "alert-1", Severity: store.AlertWarning, Message: "heartbeat lost"})

	var push Push
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&push))
	assert.Equal(t, TypeNewAlert, push.Type)
	require.NotNil(t, push.Alert)
	assert.Equal(t, "alert-1", push.Alert.ID)
}

func TestSlowViewerDropsMessages(t *testing.T) {
	h := New(nil, log.New(nil))
	v := &Viewer{hub: h, out: make(chan []byte, 1), done: make(chan struct{})}
	h.register(v)
	h.subscribe(v, "run-1")

	data, err := json.Marshal(&Push{Type: TypeEvent, RunID: "run-1"})
	require.NoError(t, err)

	assert.True(t, v.send(data))
	// Buffer full now; the publisher must not block.
	assert.False(t, v.send(data))
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	h := New(nil, log.New(nil))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			v := &Viewer{hub: h, out: make(chan []byte, 1), done: make(chan struct{})}
			h.register(v)
			h.subscribe(v, "run-1")
			h.unregister(v)
		}
	}()

	for i := 0; i < 200; i++ {
		h.PublishEvent(&store.Event{RunID: "run-1", Type: store.EventStdout, Data: "tick"})
		h.PublishAlert(&store.Alert{ID: "alert-1", Severity: store.AlertWarning, Message: "tick"})
	}
	<-done
}

func TestUnregisterRemovesSubscriptions(t *testing.T) {
	h := New(nil, log.New(nil))
	v := &Viewer{hub: h, out: make(chan []byte, 1), done: make(chan struct{})}
	h.register(v)
	h.subscribe(v, "run-1")
	require.Equal(t, 1, h.SubscriberCount("run-1"))

	h.unregister(v)
	assert.Equal(t, 0, h.SubscriberCount("run-1"))
}

func waitForSubscribers(t *testing.T, h *Hub, runID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.SubscriberCount(runID) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d subscribers on %s", want, runID)
}

func waitForViewers(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		n := len(h.viewers)
		h.mu.RUnlock()
		if n == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d viewers", want)
}
