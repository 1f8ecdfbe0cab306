// Copyright (c) 2012, Sean Treadway, SoundCloud Ltd.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/streadway/amqp

package amqp

import (
	"reflect"
	"sync"

	"github.com/rs/zerolog"
)

// Channel is one logical subconnection multiplexed over the connection's
// transport.  The core gives a channel three things: the open and close
// handshakes, in-order delivery of inbound frames, and a serialized
// frame-send path.  Method semantics beyond that belong to the channel
// layer built on top of this type.
type Channel struct {
	connection *Connection
	id         uint16

	rpc    chan message
	errors chan *Error

	m        sync.Mutex
	closed   bool
	closeErr *Error

	logger zerolog.Logger
}

func newChannel(c *Connection, id uint16) *Channel {
	return &Channel{
		connection: c,
		id:         id,
		rpc:        make(chan message, 1),
		errors:     make(chan *Error, 1),
		logger:     c.logger.With().Uint16("channel", id).Logger(),
	}
}

// ID is the channel number negotiated with the broker.
func (ch *Channel) ID() uint16 {
	return ch.id
}

// IsClosed reports whether the channel finished its close handshake or
// was torn down with the connection.
func (ch *Channel) IsClosed() bool {
	ch.m.Lock()
	defer ch.m.Unlock()
	return ch.closed
}

// CloseReason returns the error the channel was closed with, nil for a
// clean client-initiated close or while the channel is still open.
func (ch *Channel) CloseReason() *Error {
	ch.m.Lock()
	defer ch.m.Unlock()
	return ch.closeErr
}

// open performs the channel.open handshake; the id is already reserved
// and published in the connection's table.
func (ch *Channel) open() error {
	return ch.call(&channelOpen{}, &channelOpenOk{})
}

// Close runs the channel.close handshake and recycles the id for the
// next Channel call.
func (ch *Channel) Close() error {
	ch.m.Lock()
	if ch.closed {
		ch.m.Unlock()
		return ErrClosed
	}
	ch.m.Unlock()

	err := ch.call(
		&channelClose{ReplyCode: replySuccess, ReplyText: "kthxbai"},
		&channelCloseOk{},
	)

	ch.markClosed(nil)
	ch.connection.releaseChannelId(ch.id)
	return err
}

// sendMethod writes one method frame on this channel.
func (ch *Channel) sendMethod(m message) error {
	if err := ch.sendable(); err != nil {
		return err
	}
	return ch.connection.send(&methodFrame{ChannelId: ch.id, Method: m})
}

// sendContent writes a method, content header and content body as one
// atomic sequence under the connection's writer lock, so frames of
// another sender can never interleave with the composition.
func (ch *Channel) sendContent(m message, properties, body []byte) error {
	if err := ch.sendable(); err != nil {
		return err
	}

	classId, _ := m.id()
	return ch.connection.sendSequence(
		&methodFrame{ChannelId: ch.id, Method: m},
		&headerFrame{ChannelId: ch.id, ClassId: classId, Size: uint64(len(body)), Properties: properties},
		&bodyFrame{ChannelId: ch.id, Body: body},
	)
}

func (ch *Channel) sendable() error {
	ch.m.Lock()
	defer ch.m.Unlock()
	if ch.closed {
		if ch.closeErr != nil {
			return ch.closeErr
		}
		return ErrClosed
	}
	return nil
}

// call mirrors Connection.call on this channel's id.
func (ch *Channel) call(req message, res ...message) error {
	if req != nil {
		if err := ch.connection.send(&methodFrame{ChannelId: ch.id, Method: req}); err != nil {
			return err
		}
	}

	select {
	case err := <-ch.errors:
		return err

	case msg := <-ch.rpc:
		for _, try := range res {
			if reflect.TypeOf(msg) == reflect.TypeOf(try) {
				vres := reflect.ValueOf(try).Elem()
				vmsg := reflect.ValueOf(msg).Elem()
				vres.Set(vmsg)
				return nil
			}
		}
		return ErrCommandInvalid
	}
}

// recv is called from the dispatcher goroutine only, so a channel sees
// its frames in wire order.
func (ch *Channel) recv(f frame) {
	switch mf := f.(type) {
	case *methodFrame:
		switch m := mf.Method.(type) {
		case *channelClose:
			// Server-initiated close: reply close-ok, surface the reason
			// and free the id.
			ch.connection.send(&methodFrame{
				ChannelId: ch.id,
				Method:    &channelCloseOk{},
			})
			ch.markClosed(newError(m.ReplyCode, m.ReplyText))
			ch.connection.releaseChannelId(ch.id)

		case *channelOpenOk, *channelCloseOk:
			select {
			case ch.rpc <- mf.Method:
			default:
				ch.logger.Info().Msgf("no pending call for %T, dropping", mf.Method)
			}

		default:
			// Methods of the channel layer (deliveries, acks, returns);
			// the core stops at routing.
			ch.logger.Debug().Uint16("class", mf.ClassId).Uint16("method", mf.MethodId).
				Msg("method left to the channel layer")
		}

	case *headerFrame, *bodyFrame:
		// Content reassembly is the channel layer's job.
		ch.logger.Debug().Msg("content frame left to the channel layer")
	}
}

// connectionClosed cascades a connection-wide termination into this
// channel.  A nil err is a clean shutdown.
func (ch *Channel) connectionClosed(err *Error) {
	if err == nil {
		err = ErrClosed
	}
	ch.markClosed(err)
}

func (ch *Channel) markClosed(err *Error) {
	ch.m.Lock()
	alreadyClosed := ch.closed
	ch.closed = true
	if err != nil && ch.closeErr == nil {
		ch.closeErr = err
	}
	ch.m.Unlock()

	if alreadyClosed {
		return
	}

	if err != nil {
		// Unblock a call in flight and keep the reason for later sends.
		select {
		case ch.errors <- err:
		default:
		}
	}
}
