// Copyright (c) 2012, Sean Treadway, SoundCloud Ltd.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/streadway/amqp

package amqp

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConnectionTimeout = 30 * time.Second
	defaultLocale            = "en_US"

	product        = "lagoonmq-amqp"
	productVersion = "0.9.1"
)

// Connection lifecycle states.
const (
	stateConnecting int32 = iota
	stateOpen
	stateClosing
	stateClosed
)

// Config is used in Dial and Open to specify the credentials and desired
// tuning parameters for the connection open handshake.  The negotiated
// tuning is stored in the returned connection's Config field.
type Config struct {
	// The SASL mechanisms to try in the client request.  When nil, one is
	// built from Login, Password and LoginMethod.
	SASL []Authentication

	Login       string
	Password    string
	LoginMethod string // "AMQPLAIN" (default) or "PLAIN"

	// Vhost specifies the namespace of permissions, exchanges, queues and
	// bindings on the server.
	Vhost string

	ChannelMax int           // 0 max channels means no client limit
	FrameSize  int           // 0 max bytes means no client limit
	Heartbeat  time.Duration // less than 1s means no client limit; the server's interval is used

	// Locale requested in start-ok; defaults to the server's first
	// announced locale, or en_US.
	Locale string

	// Insist is passed through in connection.open.
	Insist bool

	// ClientProperties is merged over the default client property table.
	ClientProperties Table

	// OnError is invoked on its own goroutine with the cause when the
	// connection terminates abnormally.
	OnError func(error)

	// TLSClientConfig enables TLS on the transport dialed by Dial.
	TLSClientConfig *tls.Config

	// ConnectionTimeout bounds the TCP dial and the initial read during
	// the handshake, before heartbeats take over liveness.
	ConnectionTimeout time.Duration
}

// Connection manages the serialization and deserialization of frames from
// IO, drives the open and close handshakes, and dispatches inbound frames
// to the appropriate channel.  All channels are multiplexed on the single
// underlying stream.
type Connection struct {
	destructor sync.Once  // shutdown once
	sendM      sync.Mutex // conn writer mutex, serializes all frame writes
	m          sync.Mutex // struct field mutex

	conn io.ReadWriteCloser

	id     uuid.UUID
	logger zerolog.Logger

	rpc    chan message
	writer *writer

	state  int32 // one of stateConnecting..stateClosed, read atomically
	closed chan struct{}

	lastSend atomic.Int64 // unix seconds of the last successful write
	lastRecv atomic.Int64 // unix seconds of the last successful read

	allocator channelAllocator
	channels  map[uint16]*Channel

	hbStop  chan struct{}
	workers errgroup.Group

	noNotify bool // true when we will never notify again
	closes   []chan *Error
	blocks   []chan Blocking

	errors chan *Error

	Config Config // The negotiated Config after connection.open

	Major      int   // Server's major version
	Minor      int   // Server's minor version
	Properties Table // Server properties
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

// Dial connects to addr over TCP (and TLS when Config.TLSClientConfig is
// set), then runs the opening handshake.  It returns once the connection
// reached Open, or with the failure that prevented it.
func Dial(addr string, config Config) (*Connection, error) {
	timeout := config.ConnectionTimeout
	if timeout <= 0 {
		timeout = defaultConnectionTimeout
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}

	// Heartbeating hasn't started yet, don't stall forever on a dead server.
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, err
	}

	if config.TLSClientConfig != nil {
		tlsConfig := config.TLSClientConfig
		if tlsConfig.ServerName == "" {
			if host, _, err := net.SplitHostPort(addr); err == nil {
				// Copy so the caller's config is not mutated.
				clone := tlsConfig.Clone()
				clone.ServerName = host
				tlsConfig = clone
			}
		}

		client := tls.Client(conn, tlsConfig)
		if err := client.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}

		return Open(client, config)
	}

	return Open(conn, config)
}

// Open accepts an already established connection, or other
// io.ReadWriteCloser as a transport, and runs the opening handshake.
func Open(conn io.ReadWriteCloser, config Config) (*Connection, error) {
	c := newConnection(conn)
	go c.dispatcher()

	if err := c.open(config); err != nil {
		// Release the transport and the dispatcher; shutdown is a no-op
		// when the failure already tore the connection down.
		if ae, ok := err.(*Error); ok {
			c.shutdown(ae)
		} else {
			c.shutdown(&Error{Code: internalError, Reason: err.Error()})
		}
		return nil, err
	}

	// The watchdog owns liveness from here on.
	if d, ok := conn.(readDeadliner); ok {
		d.SetReadDeadline(time.Time{})
	}

	return c, nil
}

func newConnection(conn io.ReadWriteCloser) *Connection {
	id := uuid.New()
	return &Connection{
		conn:     conn,
		id:       id,
		logger:   log.With().Str("conn", id.String()[:8]).Logger(),
		writer:   &writer{bufio.NewWriter(conn)},
		channels: make(map[uint16]*Channel),
		rpc:      make(chan message, 1),
		errors:   make(chan *Error, 1),
		closed:   make(chan struct{}),
		hbStop:   make(chan struct{}),
		state:    stateConnecting,
	}
}

func (c *Connection) getState() int32 {
	return atomic.LoadInt32(&c.state)
}

func (c *Connection) setState(s int32) {
	atomic.StoreInt32(&c.state, s)
}

// IsClosed reports whether the connection reached its terminal state.
func (c *Connection) IsClosed() bool {
	return c.getState() == stateClosed
}

// ensureOpen fails an operation attempted outside the Open state.  A
// close already in flight is allowed to finish first.
func (c *Connection) ensureOpen() error {
	switch c.getState() {
	case stateOpen:
		return nil
	case stateClosed:
		return ErrClosed
	case stateClosing:
		<-c.closed
		return ErrClosed
	default:
		return ErrNotEstablished
	}
}

// NotifyClose registers a listener for close events either initiated by
// an error accompanying a connection.close method or by a normal
// shutdown.  On normal shutdowns, the chan will be closed.
func (c *Connection) NotifyClose(ch chan *Error) chan *Error {
	c.m.Lock()
	defer c.m.Unlock()

	if c.noNotify {
		close(ch)
	} else {
		c.closes = append(c.closes, ch)
	}

	return ch
}

// NotifyBlocked registers a listener for the RabbitMQ flow control
// extension methods connection.blocked and connection.unblocked.
func (c *Connection) NotifyBlocked(ch chan Blocking) chan Blocking {
	c.m.Lock()
	defer c.m.Unlock()

	if c.noNotify {
		close(ch)
	} else {
		c.blocks = append(c.blocks, ch)
	}

	return ch
}

// Close requests a clean shutdown and waits until the closing handshake
// finishes and the transport is released.
func (c *Connection) Close() error {
	return c.close(false, 0)
}

// CloseTimeout is Close bounded by a deadline.  On timeout control
// returns to the caller with ErrWaitTimeout; the dispatcher still
// completes the close if the peer replies.
func (c *Connection) CloseTimeout(timeout time.Duration) error {
	return c.close(false, timeout)
}

// CloseNoWait sends connection.close without waiting for close-ok.
func (c *Connection) CloseNoWait() error {
	return c.close(true, 0)
}

func (c *Connection) close(noWait bool, timeout time.Duration) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}

	c.setState(stateClosing)

	err := c.send(&methodFrame{
		ChannelId: 0,
		Method: &connectionClose{
			ReplyCode: replySuccess,
			ReplyText: "kthxbai",
		},
	})
	if err != nil {
		return err
	}

	if noWait {
		return nil
	}
	return c.WaitClosed(timeout)
}

// WaitClosed resolves once the connection reached Closed and its worker
// goroutines returned.  A timeout of zero waits forever; expiry returns
// ErrWaitTimeout without aborting the close in progress.
func (c *Connection) WaitClosed(timeout time.Duration) error {
	if timeout > 0 {
		select {
		case <-c.closed:
		case <-time.After(timeout):
			return ErrWaitTimeout
		}
	} else {
		<-c.closed
	}

	c.workers.Wait()
	return nil
}

// closeWith terminates the connection after a local protocol violation,
// telling the server why.
func (c *Connection) closeWith(err *Error) error {
	defer c.shutdown(err)

	c.setState(stateClosing)
	return c.send(&methodFrame{
		ChannelId: 0,
		Method: &connectionClose{
			ReplyCode: uint16(err.Code),
			ReplyText: err.Reason,
		},
	})
}

// send writes one frame under the writer lock and stamps the send clock,
// which suppresses the next idle heartbeat.
func (c *Connection) send(f frame) error {
	c.sendM.Lock()
	err := c.writer.WriteFrame(f)
	c.sendM.Unlock()

	if err != nil {
		// shutdown could be re-entrant from signaling notify chans
		c.shutdown(&Error{
			Code:   frameError,
			Reason: err.Error(),
		})
	} else {
		c.lastSend.Store(time.Now().Unix())
	}

	return err
}

// sendSequence writes a composed frame sequence while holding the writer
// lock across every write and flush.  AMQP forbids interleaving the
// frames of one content composition with another on the same channel.
func (c *Connection) sendSequence(frames ...frame) error {
	c.sendM.Lock()
	var err error
	for _, f := range frames {
		if err = c.writer.WriteFrame(f); err != nil {
			break
		}
	}
	c.sendM.Unlock()

	if err != nil {
		c.shutdown(&Error{
			Code:   frameError,
			Reason: err.Error(),
		})
	} else {
		c.lastSend.Store(time.Now().Unix())
	}

	return err
}

// shutdown is the single terminal transition.  It cascades the cause to
// every channel and listener, releases the transport and signals the
// closed event.  Safe to call from any goroutine, any number of times.
func (c *Connection) shutdown(err *Error) {
	c.destructor.Do(func() {
		c.m.Lock()
		defer c.m.Unlock()

		c.setState(stateClosed)
		close(c.hbStop)

		if err != nil {
			for _, ch := range c.closes {
				ch <- err
			}
		}

		for id, ch := range c.channels {
			delete(c.channels, id)
			ch.connectionClosed(err)
		}

		if err != nil {
			c.errors <- err
		}

		c.conn.Close()
		close(c.closed)

		if err != nil && c.Config.OnError != nil {
			hook := c.Config.OnError
			go hook(err)
		}

		for _, ch := range c.closes {
			close(ch)
		}

		for _, ch := range c.blocks {
			close(ch)
		}

		c.noNotify = true

		if err != nil {
			c.logger.Warn().Int("code", err.Code).Str("reason", err.Reason).Msg("connection closed")
		} else {
			c.logger.Info().Msg("connection closed")
		}
	})
}

// recvClockReader stamps the receive clock on every successful read, so
// even a malformed frame counts as traffic for the watchdog.
type recvClockReader struct {
	c *Connection
	r io.Reader
}

func (r *recvClockReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.c.lastRecv.Store(time.Now().Unix())
	}
	return n, err
}

// dispatcher reads each frame off the IO and hands it off to demux, which
// routes to one of the opened channels or handles it on channel 0.  It is
// the only reader of the transport.
func (c *Connection) dispatcher() {
	buf := bufio.NewReader(&recvClockReader{c: c, r: c.conn})
	frames := &reader{buf}

	for {
		frame, err := frames.ReadFrame()
		if err != nil {
			c.shutdown(&Error{Code: frameError, Reason: err.Error()})
			return
		}

		c.demux(frame)

		if c.getState() == stateClosed {
			return
		}
	}
}

func (c *Connection) demux(f frame) {
	if _, ok := f.(*heartbeatFrame); ok {
		// The read path already stamped the receive clock.
		return
	}

	if f.channel() == 0 {
		c.dispatch0(f)
	} else {
		c.dispatchN(f)
	}
}

func (c *Connection) dispatch0(f frame) {
	switch mf := f.(type) {
	case *methodFrame:
		switch m := mf.Method.(type) {
		case *connectionClose:
			c.serverClose(m)

		case *connectionCloseOk:
			// Our close handshake completed.
			c.logger.Info().Msg("recv close-ok")
			c.shutdown(nil)

		case *connectionBlocked:
			c.m.Lock()
			blocks := c.blocks
			c.m.Unlock()
			for _, ch := range blocks {
				ch <- Blocking{Active: true, Reason: m.Reason}
			}

		case *connectionUnblocked:
			c.m.Lock()
			blocks := c.blocks
			c.m.Unlock()
			for _, ch := range blocks {
				ch <- Blocking{Active: false}
			}

		case *unknownMethod:
			c.logger.Info().Uint16("class", m.classId).Uint16("method", m.methodId).
				Msg("method is not handled, dropping")

		default:
			// Handshake replies: start, tune, open-ok.  The buffered rpc
			// chan decouples us from the caller; anything arriving with
			// no call in flight is out of sequence and dropped.
			select {
			case c.rpc <- mf.Method:
			default:
				c.logger.Info().Uint16("class", mf.ClassId).Uint16("method", mf.MethodId).
					Msg("no pending call for method, dropping")
			}
		}

	default:
		// channel 0 only carries methods and heartbeats
		c.closeWith(ErrUnexpectedFrame)
	}
}

func (c *Connection) dispatchN(f frame) {
	c.m.Lock()
	channel := c.channels[f.channel()]
	c.m.Unlock()

	if channel != nil {
		channel.recv(f)
		return
	}

	// Channels close asynchronously; frames racing the release are
	// expected and must not tear the connection down.
	c.logger.Info().Uint16("channel", f.channel()).Msg("frame for unknown channel, dropping")
}

// serverClose handles a connection.close from the peer: cascade the
// reason to every channel, reply close-ok and release the transport.
func (c *Connection) serverClose(m *connectionClose) {
	c.setState(stateClosing)
	c.logger.Warn().Uint16("code", m.ReplyCode).Str("reason", m.ReplyText).
		Msg("server closed connection")

	// Send immediately as shutdown will close our side of the writer.
	c.send(&methodFrame{
		ChannelId: 0,
		Method:    &connectionCloseOk{},
	})

	c.shutdown(newError(m.ReplyCode, m.ReplyText))
}

// Channel allocates an id, opens the channel with the broker and returns
// the handle.  Freed ids are reused before the id space grows; the call
// fails with ErrNoChannelAvailable once the negotiated channel-max is
// reached.
func (c *Connection) Channel() (*Channel, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}

	c.m.Lock()
	id, err := c.allocator.next()
	if err != nil {
		c.m.Unlock()
		return nil, err
	}
	channel := newChannel(c, id)
	c.channels[id] = channel
	c.m.Unlock()

	if err := channel.open(); err != nil {
		c.releaseChannelId(id)
		return nil, err
	}
	return channel, nil
}

// releaseChannelId removes the channel from the table and recycles its
// id.  Called once a channel's own close handshake completed.
func (c *Connection) releaseChannelId(id uint16) {
	c.m.Lock()
	delete(c.channels, id)
	c.allocator.release(id)
	c.m.Unlock()
}

// startHeartbeats resets both clocks and launches the sender and the
// receive watchdog.  Only called when the negotiated interval is
// non-zero.
func (c *Connection) startHeartbeats(seconds uint16) {
	now := time.Now().Unix()
	c.lastSend.Store(now)
	c.lastRecv.Store(now)

	interval := time.Duration(seconds) * time.Second

	c.workers.Go(func() error {
		c.heartbeatSender(interval)
		return nil
	})
	c.workers.Go(func() error {
		c.heartbeatWatchdog(interval)
		return nil
	})
}

// heartbeatSender emits a heartbeat frame whenever nothing was written
// for a full interval.  Any frame write suppresses it.
func (c *Connection) heartbeatSender(interval time.Duration) {
	seconds := int64(interval / time.Second)

	tick := time.NewTicker(pollInterval(interval))
	defer tick.Stop()

	for {
		select {
		case <-c.hbStop:
			return
		case at := <-tick.C:
			if at.Unix()-c.lastSend.Load() >= seconds {
				if err := c.send(&heartbeatFrame{}); err != nil {
					// send already shut the connection down
					return
				}
			}
		}
	}
}

// heartbeatWatchdog closes the transport once nothing was read for two
// intervals.  Per 4.2.7 the Close/Close-Ok handshake is skipped, the
// peer is presumed dead.
func (c *Connection) heartbeatWatchdog(interval time.Duration) {
	seconds := int64(interval / time.Second)

	tick := time.NewTicker(pollInterval(interval))
	defer tick.Stop()

	for {
		select {
		case <-c.hbStop:
			return
		case at := <-tick.C:
			if at.Unix()-c.lastRecv.Load() >= 2*seconds {
				c.logger.Warn().Msg("heartbeat timeout, dropping connection")
				c.shutdown(ErrHeartbeatTimeout)
				return
			}
		}
	}
}

func pollInterval(interval time.Duration) time.Duration {
	poll := interval / 2
	if poll < 50*time.Millisecond {
		poll = 50 * time.Millisecond
	}
	return poll
}

// isCapable inspects Properties["capabilities"] for server identified
// capabilities like "basic.nack" or "consumer_cancel_notify".
func (c *Connection) isCapable(featureName string) bool {
	capabilities, _ := c.Properties["capabilities"].(Table)
	hasFeature, _ := capabilities[featureName].(bool)
	return hasFeature
}

// call sends req on channel 0 when non-nil and waits for a reply matching
// one of the res types, or for the connection to die.
func (c *Connection) call(req message, res ...message) error {
	// Special case for when the protocol header frame is sent instead of
	// a request method.
	if req != nil {
		if err := c.send(&methodFrame{ChannelId: 0, Method: req}); err != nil {
			return err
		}
	}

	select {
	case err := <-c.errors:
		return err

	case msg := <-c.rpc:
		// Try to match one of the result types
		for _, try := range res {
			if reflect.TypeOf(msg) == reflect.TypeOf(try) {
				// *res = *msg
				vres := reflect.ValueOf(try).Elem()
				vmsg := reflect.ValueOf(msg).Elem()
				vres.Set(vmsg)
				return nil
			}
		}
		return ErrCommandInvalid
	}
}

//    Connection          = open-Connection *use-Connection close-Connection
//    open-Connection     = C:protocol-header
//                          S:START C:START-OK
//                          *challenge
//                          S:TUNE C:TUNE-OK
//                          C:OPEN S:OPEN-OK
//    challenge           = S:SECURE C:SECURE-OK
//    use-Connection      = *channel
//    close-Connection    = C:CLOSE S:CLOSE-OK
//                        / S:CLOSE C:CLOSE-OK
func (c *Connection) open(config Config) error {
	if err := c.send(&protocolHeader{}); err != nil {
		return err
	}

	return c.openStart(config)
}

func (c *Connection) openStart(config Config) error {
	start := &connectionStart{}

	if err := c.call(nil, start); err != nil {
		return err
	}

	c.Major = int(start.VersionMajor)
	c.Minor = int(start.VersionMinor)
	c.Properties = start.ServerProperties

	sasl := config.SASL
	if sasl == nil {
		sasl = []Authentication{authFromLoginMethod(config.LoginMethod, config.Login, config.Password)}
	}

	auth, ok := pickSASLMechanism(sasl, strings.Split(start.Mechanisms, " "))
	if !ok {
		return ErrSASL
	}

	// Save this mechanism off as the one we chose
	c.Config.SASL = []Authentication{auth}

	locale := config.Locale
	if locale == "" {
		if locales := strings.Split(start.Locales, " "); len(locales) > 0 && locales[0] != "" {
			locale = locales[0]
		} else {
			locale = defaultLocale
		}
	}

	return c.openTune(config, auth, locale)
}

func (c *Connection) openTune(config Config, auth Authentication, locale string) error {
	clientProperties := Table{
		"product":         product,
		"product_version": productVersion,
		"connection_name": c.id.String(),
		"capabilities": Table{
			"consumer_cancel_notify": true,
			"connection.blocked":     false,
		},
	}
	for k, v := range config.ClientProperties {
		clientProperties[k] = v
	}

	ok := &connectionStartOk{
		ClientProperties: clientProperties,
		Mechanism:        auth.Mechanism(),
		Response:         auth.Response(),
		Locale:           locale,
	}
	tune := &connectionTune{}

	if err := c.call(ok, tune); err != nil {
		// per spec, a connection can only be closed when it has been
		// opened, so at this point we know it's an auth problem whether
		// the server said 403 or just closed the socket
		return ErrCredentials
	}

	// Each tuning field goes to the bounded side; when both sides are
	// bounded the minimum wins.
	c.Config.ChannelMax = pick(config.ChannelMax, int(tune.ChannelMax))
	c.Config.FrameSize = pick(config.FrameSize, int(tune.FrameMax))
	c.Config.Heartbeat = time.Second * time.Duration(pick(
		int(config.Heartbeat/time.Second),
		int(tune.Heartbeat)))

	c.m.Lock()
	c.allocator = channelAllocator{max: uint16(c.Config.ChannelMax)}
	c.m.Unlock()

	if err := c.send(&methodFrame{
		ChannelId: 0,
		Method: &connectionTuneOk{
			ChannelMax: uint16(c.Config.ChannelMax),
			FrameMax:   uint32(c.Config.FrameSize),
			Heartbeat:  uint16(c.Config.Heartbeat / time.Second),
		},
	}); err != nil {
		return err
	}

	// "The client should start sending heartbeats after receiving a
	// Connection.Tune method"
	if c.Config.Heartbeat > 0 {
		c.startHeartbeats(uint16(c.Config.Heartbeat / time.Second))
	}

	return c.openVhost(config)
}

func (c *Connection) openVhost(config Config) error {
	req := &connectionOpen{
		VirtualHost: config.Vhost,
		Insist:      config.Insist,
	}
	res := &connectionOpenOk{}

	if err := c.call(req, res); err != nil {
		// Cannot be closed yet, but we know it's a vhost problem
		return ErrVhost
	}

	c.Config.Vhost = config.Vhost

	c.m.Lock()
	c.Config.OnError = config.OnError
	c.m.Unlock()

	c.setState(stateOpen)
	c.logger.Info().Str("vhost", config.Vhost).Msg("connection open")

	return nil
}

func pick(client, server int) int {
	if client == 0 || server == 0 {
		// the unbounded side defers to the other
		if client > server {
			return client
		}
		return server
	}
	if client > server {
		return server
	}
	return client
}
