// Package minerclient implements the executor's side of the full-duplex
// message protocol with the Miner: a persistent WebSocket connection at
// {miner_address}/v0/executor_interface/{token} carrying JSON frames
// discriminated by message_type.
//
// Inbound dispatch is exhaustive variant matching over a closed sum
// (initial job request | full job request | generic error); anything else
// is a protocol violation answered with an outbound GenericError and
// dropped, never fatal to the connection.
//
// The client exposes two one-shot awaitables, AwaitInitial and
// AwaitFullPayload, each completed by the first valid message of its kind.
// Duplicate and out-of-order delivery are rejected under a mutual-exclusion
// region per awaitable so check-then-set is atomic against concurrent
// arrivals from the receive goroutine.
package minerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/backend-developers-ltd/compute-horde-executor/internal/protocol"
)

// sendQueueSize is generous relative to the handful of messages this client
// ever sends in one job's lifetime (at most one Ready, a few GenericErrors
// for rejected duplicates, and one terminal message) — large enough that
// Send never has to block the receive goroutine that calls it.
const sendQueueSize = 16

// onceValue is a promise completed by whichever caller wins a race to call
// trySet first. Further trySet calls are rejected (return false) instead of
// overwriting the value — this is the primitive behind AwaitInitial and
// AwaitFullPayload's duplicate-rejection contract.
type onceValue[T any] struct {
	mu   sync.Mutex
	ch   chan struct{}
	val  T
	done bool
}

func newOnceValue[T any]() *onceValue[T] {
	return &onceValue[T]{ch: make(chan struct{})}
}

// trySet atomically checks-and-sets: it sets val and reports true only if no
// prior call has succeeded.
func (o *onceValue[T]) trySet(v T) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return false
	}
	o.val = v
	o.done = true
	close(o.ch)
	return true
}

func (o *onceValue[T]) isDone() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

func (o *onceValue[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-o.ch:
		o.mu.Lock()
		v := o.val
		o.mu.Unlock()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Client is a single-use connection to one Miner for one job. Create with
// Dial; tear down with Close (deferred by the caller so it runs on every
// exit path).
type Client struct {
	logger *zap.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex
	sendCh  chan any

	jobUUIDMu sync.Mutex
	jobUUID   string

	initial *onceValue[protocol.PrepareJobRequest]
	full    *onceValue[protocol.RunJobRequest]

	receiverDone chan struct{}
	closeOnce    sync.Once
}

// URL builds the executor_interface WebSocket URL for the given base address
// and token.
func URL(minerAddress, token string) string {
	base := strings.TrimRight(minerAddress, "/")
	return fmt.Sprintf("%s/v0/executor_interface/%s", base, url.PathEscape(token))
}

// Dial establishes the WebSocket connection and spawns the background
// receive and write goroutines. This is the "scoped acquisition" from
// spec.md §4.1 — entering establishes the stream, and the caller is
// expected to defer Close() to guarantee teardown on every exit path.
func Dial(ctx context.Context, minerAddress, token string, logger *zap.Logger) (*Client, error) {
	wsURL := URL(minerAddress, token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("minerclient: failed to connect to miner: %w", err)
	}

	c := &Client{
		logger:       logger.Named("minerclient"),
		conn:         conn,
		sendCh:       make(chan any, sendQueueSize),
		initial:      newOnceValue[protocol.PrepareJobRequest](),
		full:         newOnceValue[protocol.RunJobRequest](),
		receiverDone: make(chan struct{}),
	}

	go c.writeLoop()
	go c.receiveLoop()

	return c, nil
}

// Close cancels the receiver and closes the connection. Idempotent and safe
// to call multiple times (e.g. once via defer and once explicitly).
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.sendCh)
		err = c.conn.Close()
		<-c.receiverDone
	})
	return err
}

// JobUUID returns the job_uuid recorded from the initial message, or "" if
// none has arrived yet.
func (c *Client) JobUUID() string {
	c.jobUUIDMu.Lock()
	defer c.jobUUIDMu.Unlock()
	return c.jobUUID
}

// AwaitInitial blocks until the first V0PrepareJobRequest arrives or ctx is
// cancelled.
func (c *Client) AwaitInitial(ctx context.Context) (protocol.PrepareJobRequest, error) {
	return c.initial.wait(ctx)
}

// AwaitFullPayload blocks until the first (accepted) V0RunJobRequest arrives
// or ctx is cancelled.
func (c *Client) AwaitFullPayload(ctx context.Context) (protocol.RunJobRequest, error) {
	return c.full.wait(ctx)
}

// Send queues an outbound message for the write goroutine. This is the
// "deferred" send path — suitable for every outbound message except the
// final GenericError("Unexpected error"), which must use SendSync instead
// (see package doc on minerclient and spec.md's Design Notes on deferred vs
// synchronous sends).
func (c *Client) Send(msg any) {
	defer func() {
		// The channel may already be closed if Close() raced with a
		// protocol-violation GenericError emitted from the receive loop
		// during teardown; dropping the send is correct in that case.
		recover() //nolint:errcheck
	}()
	c.sendCh <- msg
}

// SendSync writes msg directly to the connection, bypassing the send queue,
// and blocks until the write completes (or fails). The Executor Loop must
// use this for the final GenericError it emits on an unhandled error,
// because the process exits immediately after and a queued send would never
// flush.
func (c *Client) SendSync(msg any) error {
	return c.writeOne(msg)
}

// SendReady announces that prepare() succeeded.
func (c *Client) SendReady(jobUUID string) {
	c.Send(protocol.NewReadyRequest(jobUUID))
}

// SendFinished reports a successful job.
func (c *Client) SendFinished(jobUUID, stdout, stderr string) {
	c.Send(protocol.NewFinishedRequest(jobUUID, stdout, stderr))
}

// SendFailed reports a failed job.
func (c *Client) SendFailed(jobUUID string, exitStatus *int, timeout bool, stdout, stderr string) {
	c.Send(protocol.NewFailedRequest(jobUUID, exitStatus, timeout, stdout, stderr))
}

// SendFailedToPrepare reports that prepare() (including the CVE
// precondition) failed.
func (c *Client) SendFailedToPrepare(jobUUID string) {
	c.Send(protocol.NewFailedToPrepare(jobUUID))
}

// writeLoop drains sendCh and writes each message to the wire. It is the
// only deferred-path writer — SendSync bypasses it but shares writeOne's
// mutex so the two never interleave a single frame.
func (c *Client) writeLoop() {
	for msg := range c.sendCh {
		if err := c.writeOne(msg); err != nil {
			c.logger.Warn("minerclient: failed to send message", zap.Error(err))
		}
	}
}

func (c *Client) writeOne(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// receiveLoop reads frames until the connection closes or errors, dispatching
// each to the appropriate handler.
func (c *Client) receiveLoop() {
	defer close(c.receiverDone)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug("minerclient: receive loop ending", zap.Error(err))
			return
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	msgType, err := protocol.PeekType(raw)
	if err != nil {
		c.logger.Warn("minerclient: received malformed message", zap.Error(err))
		c.Send(protocol.NewGenericError(fmt.Sprintf("malformed message: %s", err)))
		return
	}

	switch msgType {
	case protocol.TypePrepareJobRequest:
		var msg protocol.PrepareJobRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.Send(protocol.NewGenericError(fmt.Sprintf("malformed %s: %s", msgType, err)))
			return
		}
		c.handlePrepareJobRequest(msg)

	case protocol.TypeRunJobRequest:
		var msg protocol.RunJobRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.Send(protocol.NewGenericError(fmt.Sprintf("malformed %s: %s", msgType, err)))
			return
		}
		c.handleRunJobRequest(msg)

	case protocol.TypeGenericError:
		var msg protocol.InboundGenericError
		if err := json.Unmarshal(raw, &msg); err == nil {
			c.logger.Warn("minerclient: miner reported a generic error", zap.String("details", msg.Details))
		}

	default:
		details := fmt.Sprintf("unsupported message type: %q", msgType)
		c.logger.Error("minerclient: " + details)
		c.Send(protocol.NewGenericError(details))
	}
}

func (c *Client) handlePrepareJobRequest(msg protocol.PrepareJobRequest) {
	if !c.initial.trySet(msg) {
		details := fmt.Sprintf(
			"received duplicate initial job request: first job_uuid=%s and then job_uuid=%s",
			c.JobUUID(), msg.JobUUID,
		)
		c.logger.Error("minerclient: " + details)
		c.Send(protocol.NewGenericError(details))
		return
	}

	c.jobUUIDMu.Lock()
	c.jobUUID = msg.JobUUID
	c.jobUUIDMu.Unlock()

	c.logger.Debug("minerclient: received initial job request", zap.String("job_uuid", msg.JobUUID))
}

func (c *Client) handleRunJobRequest(msg protocol.RunJobRequest) {
	if !c.initial.isDone() {
		details := fmt.Sprintf("received job request before an initial job request: job_uuid=%s", msg.JobUUID)
		c.logger.Error("minerclient: " + details)
		c.Send(protocol.NewGenericError(details))
		return
	}

	if expected := c.JobUUID(); msg.JobUUID != expected {
		details := fmt.Sprintf(
			"received job request for unknown job: expected job_uuid=%s got job_uuid=%s",
			expected, msg.JobUUID,
		)
		c.logger.Error("minerclient: " + details)
		c.Send(protocol.NewGenericError(details))
		return
	}

	if !c.full.trySet(msg) {
		details := fmt.Sprintf("received duplicate full job payload request: job_uuid=%s", msg.JobUUID)
		c.logger.Error("minerclient: " + details)
		c.Send(protocol.NewGenericError(details))
		return
	}

	c.logger.Debug("minerclient: received full job payload request", zap.String("job_uuid", msg.JobUUID))
}
