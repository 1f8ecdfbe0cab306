// Copyright (c) 2012, Sean Treadway, SoundCloud Ltd.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/streadway/amqp

package amqp

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer drives the broker side of a net.Pipe.  The handshake runs on
// the test goroutine; serveLoop takes over the read side afterwards and
// captures every inbound frame.
type testServer struct {
	t *testing.T
	c net.Conn
	r reader
	w writer

	frames chan frame

	startOk *connectionStartOk
	tuneOk  *connectionTuneOk
	open    *connectionOpen
}

func newTestServer(t *testing.T) (*testServer, net.Conn) {
	srvConn, cliConn := net.Pipe()
	srv := &testServer{
		t:      t,
		c:      srvConn,
		r:      reader{srvConn},
		w:      writer{srvConn},
		frames: make(chan frame, 256),
	}
	return srv, cliConn
}

func (s *testServer) expectHeader() {
	buf := make([]byte, 8)
	_, err := io.ReadFull(s.c, buf)
	require.NoError(s.t, err)
	require.Equal(s.t, protocolHeaderBytes, buf)
}

func (s *testServer) send(channel uint16, m message) {
	require.NoError(s.t, s.w.WriteFrame(&methodFrame{ChannelId: channel, Method: m}))
}

func (s *testServer) recvMethod() message {
	for {
		f, err := s.r.ReadFrame()
		require.NoError(s.t, err)
		if mf, ok := f.(*methodFrame); ok {
			return mf.Method
		}
	}
}

func (s *testServer) handshake(tune *connectionTune) {
	s.expectHeader()

	s.send(0, &connectionStart{
		VersionMajor: 0,
		VersionMinor: 9,
		ServerProperties: Table{
			"product":      "RabbitMQ",
			"capabilities": Table{"basic.nack": true},
		},
		Mechanisms: "AMQPLAIN PLAIN",
		Locales:    "en_US",
	})

	m := s.recvMethod()
	require.IsType(s.t, &connectionStartOk{}, m)
	s.startOk = m.(*connectionStartOk)

	s.send(0, tune)

	m = s.recvMethod()
	require.IsType(s.t, &connectionTuneOk{}, m)
	s.tuneOk = m.(*connectionTuneOk)

	m = s.recvMethod()
	require.IsType(s.t, &connectionOpen{}, m)
	s.open = m.(*connectionOpen)

	s.send(0, &connectionOpenOk{})
}

// serveLoop owns the server read side: every frame is captured, and the
// handshakes a well-behaved broker answers mechanically are answered.
func (s *testServer) serveLoop() {
	go func() {
		for {
			f, err := s.r.ReadFrame()
			if err != nil {
				return
			}

			if mf, ok := f.(*methodFrame); ok {
				switch mf.Method.(type) {
				case *channelOpen:
					s.w.WriteFrame(&methodFrame{ChannelId: mf.ChannelId, Method: &channelOpenOk{}})
				case *channelClose:
					s.w.WriteFrame(&methodFrame{ChannelId: mf.ChannelId, Method: &channelCloseOk{}})
				case *connectionClose:
					s.w.WriteFrame(&methodFrame{ChannelId: 0, Method: &connectionCloseOk{}})
				}
			}

			s.frames <- f
		}
	}()
}

// serveQuiet drains frames without answering anything.
func (s *testServer) serveQuiet() {
	go func() {
		for {
			f, err := s.r.ReadFrame()
			if err != nil {
				return
			}
			s.frames <- f
		}
	}()
}

func (s *testServer) awaitFrame(timeout time.Duration, match func(frame) bool) frame {
	deadline := time.After(timeout)
	for {
		select {
		case f := <-s.frames:
			if match(f) {
				return f
			}
		case <-deadline:
			s.t.Fatal("timed out waiting for frame")
			return nil
		}
	}
}

func isCloseOk(f frame) bool {
	mf, ok := f.(*methodFrame)
	if !ok {
		return false
	}
	_, ok = mf.Method.(*connectionCloseOk)
	return ok
}

func dialPipe(t *testing.T, config Config, tune *connectionTune) (*Connection, *testServer) {
	t.Helper()

	srv, cliConn := newTestServer(t)

	type dialed struct {
		conn *Connection
		err  error
	}
	done := make(chan dialed, 1)
	go func() {
		conn, err := Open(cliConn, config)
		done <- dialed{conn, err}
	}()

	srv.handshake(tune)

	res := <-done
	require.NoError(t, res.err)
	return res.conn, srv
}

func TestOpenHandshake(t *testing.T) {
	conn, srv := dialPipe(t,
		Config{Vhost: "/", Login: "guest", Password: "guest"},
		&connectionTune{ChannelMax: 2047, FrameMax: 131072, Heartbeat: 60},
	)

	assert.Equal(t, 0, conn.Major)
	assert.Equal(t, 9, conn.Minor)
	assert.Equal(t, 2047, conn.Config.ChannelMax)
	assert.Equal(t, 131072, conn.Config.FrameSize)
	assert.Equal(t, 60*time.Second, conn.Config.Heartbeat)
	assert.False(t, conn.IsClosed())
	assert.True(t, conn.isCapable("basic.nack"))
	assert.False(t, conn.isCapable("per_consumer_qos"))

	// defaults announced in start-ok
	assert.Equal(t, "AMQPLAIN", srv.startOk.Mechanism)
	assert.NotEmpty(t, srv.startOk.Response)
	assert.Equal(t, "en_US", srv.startOk.Locale)
	assert.Equal(t, product, srv.startOk.ClientProperties["product"])
	caps, _ := srv.startOk.ClientProperties["capabilities"].(Table)
	assert.Equal(t, true, caps["consumer_cancel_notify"])

	assert.Equal(t, "/", srv.open.VirtualHost)

	srv.serveLoop()
	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())

	// a second close finds the terminal state
	assert.ErrorIs(t, conn.Close(), ErrClosed)
}

func TestTuneNegotiationTakesMinimum(t *testing.T) {
	conn, srv := dialPipe(t,
		Config{
			ChannelMax: 100,
			FrameSize:  4096,
			Heartbeat:  10 * time.Second,
		},
		&connectionTune{ChannelMax: 2047, FrameMax: 131072, Heartbeat: 60},
	)
	defer conn.shutdown(nil)

	assert.Equal(t, 100, conn.Config.ChannelMax)
	assert.Equal(t, 4096, conn.Config.FrameSize)
	assert.Equal(t, 10*time.Second, conn.Config.Heartbeat)

	assert.Equal(t, uint16(100), srv.tuneOk.ChannelMax)
	assert.Equal(t, uint32(4096), srv.tuneOk.FrameMax)
	assert.Equal(t, uint16(10), srv.tuneOk.Heartbeat)
}

func TestTuneNegotiationUnboundedClient(t *testing.T) {
	conn, srv := dialPipe(t,
		Config{},
		&connectionTune{ChannelMax: 2047, FrameMax: 131072, Heartbeat: 0},
	)
	defer conn.shutdown(nil)

	// the bounded side wins when the other is unlimited
	assert.Equal(t, 2047, conn.Config.ChannelMax)
	assert.Equal(t, 131072, conn.Config.FrameSize)
	assert.Equal(t, time.Duration(0), conn.Config.Heartbeat)
	assert.Equal(t, uint16(2047), srv.tuneOk.ChannelMax)
}

func TestProtocolHeaderReject(t *testing.T) {
	srvConn, cliConn := net.Pipe()

	go func() {
		buf := make([]byte, 8)
		io.ReadFull(srvConn, buf)
		srvConn.Close()
	}()

	conn, err := Open(cliConn, Config{})
	require.Error(t, err)
	assert.Nil(t, conn)

	var amqpErr *Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, frameError, amqpErr.Code)
}

func TestNotEstablished(t *testing.T) {
	srvConn, cliConn := net.Pipe()
	defer srvConn.Close()
	defer cliConn.Close()

	c := newConnection(cliConn)

	_, err := c.Channel()
	assert.ErrorIs(t, err, ErrNotEstablished)
}

func TestChannelAllocationCap(t *testing.T) {
	conn, srv := dialPipe(t,
		Config{},
		&connectionTune{ChannelMax: 2, FrameMax: 131072, Heartbeat: 0},
	)
	srv.serveLoop()

	ch1, err := conn.Channel()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), ch1.ID())

	ch2, err := conn.Channel()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), ch2.ID())

	_, err = conn.Channel()
	assert.ErrorIs(t, err, ErrNoChannelAvailable)

	// releasing an id makes it immediately reusable
	require.NoError(t, ch2.Close())
	assert.True(t, ch2.IsClosed())

	ch3, err := conn.Channel()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), ch3.ID())

	require.NoError(t, conn.Close())
}

func TestServerInitiatedClose(t *testing.T) {
	hookErr := make(chan error, 1)

	conn, srv := dialPipe(t,
		Config{OnError: func(err error) { hookErr <- err }},
		&connectionTune{ChannelMax: 0, FrameMax: 0, Heartbeat: 0},
	)
	srv.serveLoop()

	closeErrs := conn.NotifyClose(make(chan *Error, 1))

	ch, err := conn.Channel()
	require.NoError(t, err)

	srv.send(0, &connectionClose{ReplyCode: 320, ReplyText: "CONNECTION_FORCED"})

	// the client must answer close-ok before dropping the transport
	srv.awaitFrame(2*time.Second, isCloseOk)

	require.NoError(t, conn.WaitClosed(2*time.Second))

	closeErr := <-closeErrs
	require.NotNil(t, closeErr)
	assert.Equal(t, 320, closeErr.Code)
	assert.Equal(t, "CONNECTION_FORCED", closeErr.Reason)
	assert.True(t, closeErr.Server)

	// the close cascaded into the open channel
	assert.True(t, ch.IsClosed())
	require.NotNil(t, ch.CloseReason())
	assert.Equal(t, 320, ch.CloseReason().Code)
	assert.Equal(t, "CONNECTION_FORCED", ch.CloseReason().Reason)

	// the error hook fired with the same cause
	select {
	case err := <-hookErr:
		var amqpErr *Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, 320, amqpErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("on-error hook was not invoked")
	}

	// every further operation finds the terminal state
	_, err = conn.Channel()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, conn.Close(), ErrClosed)
}

func TestCloseTimeoutReturnsButCloseCompletes(t *testing.T) {
	conn, srv := dialPipe(t,
		Config{},
		&connectionTune{ChannelMax: 0, FrameMax: 0, Heartbeat: 0},
	)
	srv.serveQuiet()

	err := conn.CloseTimeout(200 * time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.False(t, conn.IsClosed())

	// an operation queued while closing resolves once the close lands
	chanErr := make(chan error, 1)
	go func() {
		_, err := conn.Channel()
		chanErr <- err
	}()

	// the dispatcher still completes the handshake when the reply arrives
	srv.send(0, &connectionCloseOk{})

	require.NoError(t, conn.WaitClosed(2*time.Second))
	assert.True(t, conn.IsClosed())
	assert.ErrorIs(t, <-chanErr, ErrClosed)
}

func TestConcurrentContentSendsDoNotInterleave(t *testing.T) {
	conn, srv := dialPipe(t,
		Config{},
		&connectionTune{ChannelMax: 0, FrameMax: 0, Heartbeat: 0},
	)
	srv.serveLoop()

	ch1, err := conn.Channel()
	require.NoError(t, err)
	ch2, err := conn.Channel()
	require.NoError(t, err)

	const rounds = 10

	publish := func(ch *Channel, body []byte) {
		// basic.publish stand-in: the core treats the arguments opaquely
		method := &unknownMethod{classId: 60, methodId: 40, body: []byte{0, 0, 0, 0, 0}}
		for i := 0; i < rounds; i++ {
			assert.NoError(t, ch.sendContent(method, nil, body))
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); publish(ch1, []byte("from one")) }()
	go func() { defer wg.Done(); publish(ch2, []byte("from two")) }()
	wg.Wait()

	// collect both channels' content frames off the wire
	var content []frame
	deadline := time.After(2 * time.Second)
	for len(content) < rounds*2*3 {
		select {
		case f := <-srv.frames:
			switch mf := f.(type) {
			case *methodFrame:
				if mf.ClassId == 60 {
					content = append(content, f)
				}
			case *headerFrame, *bodyFrame:
				content = append(content, f)
			}
		case <-deadline:
			t.Fatalf("timed out collecting frames, got %d", len(content))
		}
	}

	// every method is immediately followed by its header and body on the
	// same channel; no frame of the other composition slips in between
	for i := 0; i < len(content); i += 3 {
		mf, ok := content[i].(*methodFrame)
		require.True(t, ok, "frame %d should start a composition", i)

		hf, ok := content[i+1].(*headerFrame)
		require.True(t, ok, "frame %d should be a content header", i+1)
		require.Equal(t, mf.ChannelId, hf.ChannelId)

		bf, ok := content[i+2].(*bodyFrame)
		require.True(t, ok, "frame %d should be a content body", i+2)
		require.Equal(t, mf.ChannelId, bf.ChannelId)
	}

	require.NoError(t, conn.Close())
}

func TestUnroutableFramesDropped(t *testing.T) {
	conn, srv := dialPipe(t,
		Config{},
		&connectionTune{ChannelMax: 0, FrameMax: 0, Heartbeat: 0},
	)
	srv.serveLoop()

	ch, err := conn.Channel()
	require.NoError(t, err)

	// a frame for a channel that was never opened is dropped, the
	// connection stays up
	srv.send(42, &channelCloseOk{})

	// an unknown channel 0 method is dropped as well
	srv.send(0, &unknownMethod{classId: 10, methodId: 70})

	require.NoError(t, ch.Close())
	require.NoError(t, conn.Close())
}
