package minerclient

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
	"go.uber.org/zap"

	"github.com/backend-developers-ltd/compute-horde-executor/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeMiner is a minimal test double for the Miner's side of the connection:
// an HTTP test server that upgrades to a WebSocket and exposes the raw
// *websocket.Conn so the test can script exact inbound frames and assert on
// outbound ones.
type fakeMiner struct {
	server *httptest.Server
	connCh chan *websocket.Conn
}

func newFakeMiner(t *testing.T) *fakeMiner {
	t.Helper()
	m := &fakeMiner{connCh: make(chan *websocket.Conn, 1)}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		m.connCh <- conn
	}))
	t.Cleanup(m.server.Close)
	return m
}

func (m *fakeMiner) wsURL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *fakeMiner) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-m.connCh:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for executor to connect")
		return nil
	}
}

func dialTestClient(t *testing.T, m *fakeMiner) *Client {
	t.Helper()
	c, err := Dial(context.Background(), m.wsURL(), "tok-123", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() }) //nolint:errcheck
	return c
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestURL_BuildsExpectedPath(t *testing.T) {
	assert.Equal(t, "ws://host:1234/v0/executor_interface/tok", URL("ws://host:1234", "tok"))
	assert.Equal(t, "ws://host:1234/v0/executor_interface/tok", URL("ws://host:1234/", "tok"))
}

func TestClient_InitialThenFullPayload_Sequencing(t *testing.T) {
	m := newFakeMiner(t)
	client := dialTestClient(t, m)
	serverConn := m.accept(t)
	defer serverConn.Close() //nolint:errcheck

	require.NoError(t, serverConn.WriteJSON(protocol.PrepareJobRequest{
		MessageType:         protocol.TypePrepareJobRequest,
		JobUUID:             "job-1",
		BaseDockerImageName: "alpine:3.19",
		VolumeType:          protocol.VolumeTypeInline,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	initial, err := client.AwaitInitial(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", initial.JobUUID)
	assert.Equal(t, "job-1", client.JobUUID())

	require.NoError(t, serverConn.WriteJSON(protocol.RunJobRequest{
		MessageType:            protocol.TypeRunJobRequest,
		JobUUID:                "job-1",
		DockerImageName:        "alpine:3.19",
		DockerRunOptionsPreset: protocol.PresetNone,
	}))

	full, err := client.AwaitFullPayload(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", full.JobUUID)
}

func TestClient_FullPayloadBeforeInitial_RejectedWithGenericError(t *testing.T) {
	m := newFakeMiner(t)
	client := dialTestClient(t, m)
	serverConn := m.accept(t)
	defer serverConn.Close() //nolint:errcheck

	require.NoError(t, serverConn.WriteJSON(protocol.RunJobRequest{
		MessageType: protocol.TypeRunJobRequest,
		JobUUID:     "job-1",
	}))

	var reply protocol.GenericError
	readJSON(t, serverConn, &reply)
	assert.Equal(t, protocol.TypeGenericError, reply.MessageType)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := client.AwaitFullPayload(ctx)
	assert.Error(t, err, "full payload must not complete since it arrived before any initial message")
}

func TestClient_DuplicateInitial_RejectedWithGenericError(t *testing.T) {
	m := newFakeMiner(t)
	client := dialTestClient(t, m)
	serverConn := m.accept(t)
	defer serverConn.Close() //nolint:errcheck

	require.NoError(t, serverConn.WriteJSON(protocol.PrepareJobRequest{
		MessageType: protocol.TypePrepareJobRequest,
		JobUUID:     "job-1",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first, err := client.AwaitInitial(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", first.JobUUID)

	require.NoError(t, serverConn.WriteJSON(protocol.PrepareJobRequest{
		MessageType: protocol.TypePrepareJobRequest,
		JobUUID:     "job-2",
	}))

	var reply protocol.GenericError
	readJSON(t, serverConn, &reply)
	assert.Equal(t, protocol.TypeGenericError, reply.MessageType)
	assert.Contains(t, reply.Details, "duplicate initial job request")

	assert.Equal(t, "job-1", client.JobUUID(), "the first initial message remains authoritative")
}

func TestClient_FullPayloadWithMismatchedJobUUID_Rejected(t *testing.T) {
	m := newFakeMiner(t)
	client := dialTestClient(t, m)
	serverConn := m.accept(t)
	defer serverConn.Close() //nolint:errcheck

	require.NoError(t, serverConn.WriteJSON(protocol.PrepareJobRequest{
		MessageType: protocol.TypePrepareJobRequest,
		JobUUID:     "job-1",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.AwaitInitial(ctx)
	require.NoError(t, err)

	require.NoError(t, serverConn.WriteJSON(protocol.RunJobRequest{
		MessageType: protocol.TypeRunJobRequest,
		JobUUID:     "some-other-job",
	}))

	var reply protocol.GenericError
	readJSON(t, serverConn, &reply)
	assert.Contains(t, reply.Details, "unknown job")

	shortCtx, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	_, err = client.AwaitFullPayload(shortCtx)
	assert.Error(t, err)
}

func TestClient_SendReady_DeliversReadyRequest(t *testing.T) {
	m := newFakeMiner(t)
	client := dialTestClient(t, m)
	serverConn := m.accept(t)
	defer serverConn.Close() //nolint:errcheck

	client.SendReady("job-1")

	var reply protocol.ReadyRequest
	readJSON(t, serverConn, &reply)
	assert.Equal(t, protocol.TypeReadyRequest, reply.MessageType)
	assert.Equal(t, "job-1", reply.JobUUID)
}

func TestClient_SendSync_WritesDirectly(t *testing.T) {
	m := newFakeMiner(t)
	client := dialTestClient(t, m)
	serverConn := m.accept(t)
	defer serverConn.Close() //nolint:errcheck

	require.NoError(t, client.SendSync(protocol.NewGenericError("Unexpected error")))

	var reply protocol.GenericError
	readJSON(t, serverConn, &reply)
	assert.Equal(t, "Unexpected error", reply.Details)
}

func TestClient_UnknownMessageType_AnswersGenericErrorAndDoesNotCloseConnection(t *testing.T) {
	m := newFakeMiner(t)
	client := dialTestClient(t, m)
	serverConn := m.accept(t)
	defer serverConn.Close() //nolint:errcheck

	require.NoError(t, serverConn.WriteJSON(map[string]string{"message_type": "V99SomethingUnknown"}))

	var reply protocol.GenericError
	readJSON(t, serverConn, &reply)
	assert.Equal(t, protocol.TypeGenericError, reply.MessageType)
	assert.Contains(t, reply.Details, "unsupported message type")

	// The connection should still be usable afterwards.
	require.NoError(t, serverConn.WriteJSON(protocol.PrepareJobRequest{
		MessageType: protocol.TypePrepareJobRequest,
		JobUUID:     "job-1",
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.AwaitInitial(ctx)
	require.NoError(t, err)
}
