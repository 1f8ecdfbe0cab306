// Copyright (c) 2012, Sean Treadway, SoundCloud Ltd.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/streadway/amqp

/*
Package amqp implements the connection-level core of an AMQP 0-9-1 client:
the binary frame codec, the opening and closing handshakes, the frame
dispatcher that demultiplexes the single TCP stream onto logical channels,
the channel id allocator, and the bidirectional heartbeat timers.

Connections are established with Dial or, when the caller owns the
transport, with Open:

	conn, err := amqp.Dial("localhost:5672", amqp.Config{
		Login:    "guest",
		Password: "guest",
		Vhost:    "/",
	})

All writes to the broker are serialized through a single writer lock so
that a composed frame sequence (method, content header, content body)
reaches the wire atomically; AMQP forbids interleaving the frames of one
content composition with another on the same channel.

Heartbeats follow AMQP 0-9-1 section 4.2.7: when the negotiated interval
H is non-zero, the client emits a heartbeat frame whenever nothing was
written for H seconds, and force-closes the transport when nothing was
read for 2H seconds.

Channel-level method semantics (publish, consume, declarations) are the
channel layer's concern; this core routes inbound frames to the owning
Channel in wire order and exposes a serialized frame-send path.
*/
package amqp
