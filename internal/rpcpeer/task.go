// Package rpcpeer manages a single outbound connection to a peer raftlog
// node: dial, authenticate, send a framed request, wait for its framed
// response, and reconnect with jittered exponential backoff when the
// connection drops. It models the connection as an Idle/Connecting/Open/
// Backoff state machine so a caller (raftpull) can poll State() for status
// reporting without caring about the retry internals.
package rpcpeer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"
)

// State is where a Task's connection currently sits.
type State int

const (
	// Idle means no connection exists and none is being attempted.
	Idle State = iota
	// Connecting means a dial attempt is in flight.
	Connecting
	// Open means a connection is established, authenticated, and ready
	// for traffic.
	Open
	// Backoff means a dial or auth attempt failed and the task is
	// sleeping before the next one.
	Backoff
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Backoff:
		return "backoff"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned by Send once Close has been called.
	ErrClosed = errors.New("rpcpeer: task closed")
	// ErrMaxAttemptsExceeded is returned when every reconnect attempt
	// in a call to Send fails.
	ErrMaxAttemptsExceeded = errors.New("rpcpeer: max reconnect attempts exceeded")
	// ErrAuthFailed is returned when a dialed peer doesn't answer the
	// auth handshake with Pong, or when an accepted connection's auth
	// frame doesn't carry the expected key.
	ErrAuthFailed = errors.New("rpcpeer: auth failed")
)

// Dialer opens a connection to a peer address. A net.Dialer's DialContext
// satisfies this; tests substitute one that returns an in-memory pipe.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Defaults mirror internal/blob.HTTPBlobClient's retry shape: a handful
// of attempts at an exponentially growing, jittered delay, capped so a
// dead peer doesn't stall a caller for minutes.
const (
	DefaultMaxBackoff  = 30 * time.Second
	DefaultMaxAttempts = 5
	DefaultIdleTimeout = 2 * time.Minute
	// jitterWindow is the upper bound (exclusive) of the uniform jitter
	// added to every backoff delay, per §4.8's `2^attempt + U[0,1000)ms`.
	jitterWindow = 1000 * time.Millisecond
)

// Task owns one outbound connection to a single peer address. It is safe
// for concurrent use; Send calls on the same Task serialize onto the one
// underlying connection, since nothing here multiplexes independent
// requests over it.
type Task struct {
	address     string
	dial        Dialer
	sleep       func(d time.Duration, gossip <-chan struct{}) (wokeEarly bool)
	jitter      func() time.Duration
	maxBackoff  time.Duration
	maxAttempts int
	idleTimeout time.Duration

	peerID  string
	authKey string

	mu           sync.Mutex
	state        State
	conn         net.Conn
	nextID       uint64
	lastActivity time.Time
	closed       bool

	sendMu sync.Mutex

	online *onlineWatch
	gossip chan struct{}
}

// New returns a Task that dials address on demand. A nil dial uses
// net.Dialer.DialContext against a TCP address.
func New(address string, dial Dialer) *Task {
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	return &Task{
		address:     address,
		dial:        dial,
		sleep:       defaultSleep,
		jitter:      defaultJitter,
		maxBackoff:  DefaultMaxBackoff,
		maxAttempts: DefaultMaxAttempts,
		idleTimeout: DefaultIdleTimeout,
		state:       Idle,
		online:      newOnlineWatch(),
		gossip:      make(chan struct{}, 1),
	}
}

// SetAuth configures the credentials this task presents in the Auth frame
// sent immediately after each dial, before any other traffic. It should be
// called once, before the task's first Send.
func (t *Task) SetAuth(peerID, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerID = peerID
	t.authKey = key
}

// State reports the task's current connection state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Online reports whether the task currently believes its connection is up.
// It mirrors the watch channel described in §5: the peer task is the sole
// producer, and any number of observers may read it.
func (t *Task) Online() bool {
	v, _ := t.online.get()
	return v
}

// WatchOnline returns the task's current online status along with a
// channel that closes the next time that status changes, so an observer
// can select on it instead of polling Online in a loop.
func (t *Task) WatchOnline() (bool, <-chan struct{}) {
	return t.online.get()
}

// NotifyGossip hints that the peer may have come back up (e.g. a gossip
// round saw it, or another path delivered a Ping/UpdatePeers for it).
// If the task is currently sleeping out a backoff delay, it wakes
// immediately, resets its attempt count to zero, and retries without
// waiting out the rest of the delay, per §4.8's Backoff transition.
func (t *Task) NotifyGossip() {
	select {
	case t.gossip <- struct{}{}:
	default:
	}
}

// Close tears down the underlying connection, if any, and makes every
// future Send fail with ErrClosed.
func (t *Task) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.online.set(false)
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.state = Idle
	return err
}

// IdleFor reports how long the connection has carried no traffic. It
// returns 0 when there is no open connection.
func (t *Task) IdleFor() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return 0
	}
	return time.Since(t.lastActivity)
}

// ShouldTeardown reports whether the connection has sat idle past
// idleTimeout, the signal a caller uses to decide to Close it and free
// the socket rather than hold it open indefinitely.
func (t *Task) ShouldTeardown() bool {
	return t.IdleFor() > t.idleTimeout
}

// backoffDelay computes the delay before the next dial attempt: attempt is
// the 1-based count of failures so far, matching §4.8's
// `min(2^attempt + U[0,1000)ms, MAX_BACKOFF_MS)`.
func backoffDelay(attempt int, maxBackoff time.Duration, jitter func() time.Duration) time.Duration {
	delay := (time.Duration(1) << uint(attempt)) * time.Millisecond
	delay += jitter()
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

func defaultJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(jitterWindow)))
}

// defaultSleep blocks for d, or until gossip delivers a hint, whichever
// comes first.
func defaultSleep(d time.Duration, gossip <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-gossip:
		return true
	}
}

// connect returns the current connection, dialing and authenticating
// (with retry) if one doesn't already exist. A failed cycle of
// maxAttempts dials reports the failure exactly once, as the returned
// error, matching §8 scenario 8's failed()-exactly-once requirement.
func (t *Task) connect(ctx context.Context) (net.Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.conn != nil {
		conn := t.conn
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	t.setState(Connecting)
	var lastErr error
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			t.setState(Backoff)
			delay := backoffDelay(attempt, t.maxBackoff, t.jitter)
			if woke := t.sleep(delay, t.gossip); woke {
				// A gossip hint arrived: the peer may be back, so retry
				// immediately instead of waiting out the rest of delay.
				attempt = 0
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			t.setState(Connecting)
		}

		conn, err := t.dial(ctx, "tcp", t.address)
		if err != nil {
			lastErr = err
			continue
		}

		if err := t.authenticate(ctx, conn); err != nil {
			conn.Close()
			lastErr = err
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.lastActivity = time.Now()
		t.mu.Unlock()
		t.setState(Open)
		t.online.set(true)
		return conn, nil
	}

	t.setState(Idle)
	t.online.set(false)
	if lastErr == nil {
		lastErr = ErrMaxAttemptsExceeded
	}
	return nil, fmt.Errorf("rpcpeer: dial %s: %w", t.address, lastErr)
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Task) dropConn() {
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.state = Idle
	t.mu.Unlock()
	t.online.set(false)
}

func (t *Task) touch() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// Envelope is one frame exchanged with a peer. NeedsResponse marks a
// request that expects a matching Envelope back with the same ID;
// fire-and-forget requests leave it false and Send returns as soon as
// the frame is written.
type Envelope struct {
	ID            uint64
	Kind          FrameKind
	NeedsResponse bool
	Payload       []byte
}

// FrameKind marks what an Envelope's Payload carries, so the auth
// handshake can ride the same length-prefixed frame format as ordinary
// RPC requests without an ordinary handler mistaking it for one.
type FrameKind int

const (
	// KindData is an ordinary RPC request/response; Payload is
	// application-defined bytes.
	KindData FrameKind = iota
	// KindAuth carries a gob-encoded AuthFrame, sent once immediately
	// after dial, before any other traffic.
	KindAuth
	// KindPong is the only acceptable reply to a KindAuth frame.
	KindPong
)

// AuthFrame is the credential payload carried by a KindAuth Envelope.
type AuthFrame struct {
	PeerID string
	Key    string
}

// EncodeAuthFrame gob-encodes f for use as an Envelope's Payload.
func EncodeAuthFrame(f AuthFrame) []byte {
	var buf bytes.Buffer
	// AuthFrame is a plain struct of strings; gob encoding it cannot fail.
	_ = gob.NewEncoder(&buf).Encode(f)
	return buf.Bytes()
}

// DecodeAuthFrame decodes an AuthFrame previously produced by
// EncodeAuthFrame.
func DecodeAuthFrame(data []byte) (AuthFrame, error) {
	var f AuthFrame
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&f)
	return f, err
}

// authenticate sends this task's Auth frame over conn and requires a
// KindPong reply before any other traffic crosses the connection;
// anything else, including a transport error, is an auth failure and the
// caller must tear the connection down.
func (t *Task) authenticate(ctx context.Context, conn net.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	t.mu.Lock()
	auth := AuthFrame{PeerID: t.peerID, Key: t.authKey}
	t.mu.Unlock()

	req := Envelope{Kind: KindAuth, NeedsResponse: true, Payload: EncodeAuthFrame(auth)}
	if err := writeEnvelope(conn, req); err != nil {
		return fmt.Errorf("rpcpeer: send auth frame: %w", err)
	}
	reply, err := readEnvelope(conn)
	if err != nil {
		return fmt.Errorf("rpcpeer: read auth reply: %w", err)
	}
	if reply.Kind != KindPong {
		return ErrAuthFailed
	}
	return nil
}

// Authenticate is the serving-side half of the handshake authenticate
// performs: it reads the first frame off conn, requires it to be a
// KindAuth frame whose Key matches expectedKey, and replies KindPong. Any
// other frame, or a key mismatch, is ErrAuthFailed and the caller should
// close conn without proceeding to the regular request loop.
func Authenticate(conn net.Conn, expectedKey string) (peerID string, err error) {
	req, err := readEnvelope(conn)
	if err != nil {
		return "", fmt.Errorf("rpcpeer: read auth frame: %w", err)
	}
	if req.Kind != KindAuth {
		return "", ErrAuthFailed
	}
	auth, err := DecodeAuthFrame(req.Payload)
	if err != nil || auth.Key != expectedKey {
		return "", ErrAuthFailed
	}
	if err := writeEnvelope(conn, Envelope{ID: req.ID, Kind: KindPong}); err != nil {
		return "", fmt.Errorf("rpcpeer: send pong: %w", err)
	}
	return auth.PeerID, nil
}

// Send delivers payload to the peer, dialing/reconnecting as needed. If
// needsResponse it blocks for the peer's matching reply and returns its
// payload; otherwise it returns nil as soon as the frame is flushed.
func (t *Task) Send(ctx context.Context, payload []byte, needsResponse bool) ([]byte, error) {
	conn, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.mu.Unlock()

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	env := Envelope{ID: id, NeedsResponse: needsResponse, Payload: payload}
	if err := writeEnvelope(conn, env); err != nil {
		t.dropConn()
		return nil, fmt.Errorf("rpcpeer: write: %w", err)
	}
	t.touch()

	if !needsResponse {
		return nil, nil
	}

	reply, err := readEnvelope(conn)
	if err != nil {
		t.dropConn()
		return nil, fmt.Errorf("rpcpeer: read response: %w", err)
	}
	t.touch()
	if reply.ID != id {
		return nil, fmt.Errorf("rpcpeer: response id mismatch: got %d, want %d", reply.ID, id)
	}
	return reply.Payload, nil
}

// Reply writes a response envelope back to the peer that sent req, for
// use by the serving side of a connection (raftpull's leader-side handler).
func Reply(w io.Writer, req Envelope, payload []byte) error {
	return writeEnvelope(w, Envelope{ID: req.ID, Payload: payload})
}

// ReadRequest reads the next request envelope off conn, for the serving
// side of a connection.
func ReadRequest(r io.Reader) (Envelope, error) {
	return readEnvelope(r)
}

const maxFrameSize = 64 << 20 // guards against a corrupt length prefix allocating unbounded memory

func writeEnvelope(w io.Writer, env Envelope) error {
	buf, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func readEnvelope(r io.Reader) (Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return Envelope{}, fmt.Errorf("rpcpeer: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, err
	}
	return decodeEnvelope(buf)
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// onlineWatch is a single-producer, many-observer broadcast of a Task's
// connectivity: the peer online flag described in §5. Observers call get,
// remember the channel, and select on it to learn the value changed
// rather than polling.
type onlineWatch struct {
	mu    sync.Mutex
	value bool
	ch    chan struct{}
}

func newOnlineWatch() *onlineWatch {
	return &onlineWatch{ch: make(chan struct{})}
}

func (w *onlineWatch) set(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.value == v {
		return
	}
	w.value = v
	close(w.ch)
	w.ch = make(chan struct{})
}

func (w *onlineWatch) get() (bool, <-chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value, w.ch
}
