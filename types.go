// Copyright (c) 2012, Sean Treadway, SoundCloud Ltd.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/streadway/amqp

package amqp

import (
	"io"
)

// Frame envelope types from the AMQP 0-9-1 grammar.
const (
	frameMethod    = 1
	frameHeader    = 2
	frameBody      = 3
	frameHeartbeat = 8
	frameEnd       = 0xCE
)

// protocolHeaderBytes is the 8 octet preamble that precedes the first
// frame of every connection.
var protocolHeaderBytes = []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

// Table stores the AMQP field-table type used for server properties,
// client properties and method arguments.  Values must be of the types
// accepted by writeField.
type Table map[string]interface{}

// Decimal matches the AMQP decimal type: an unscaled 32 bit value and the
// number of decimal digits to shift it by.
type Decimal struct {
	Scale uint8
	Value int32
}

// Blocking carries the payload of the connection.blocked / unblocked
// RabbitMQ extension methods.
type Blocking struct {
	Active bool
	Reason string
}

// message is one AMQP method: a (class, method) identifier pair plus the
// typed arguments that follow it in a method frame payload.
type message interface {
	id() (uint16, uint16)
	read(r io.Reader) error
	write(w io.Writer) error
}

// frame is the unit written to and read from the wire.  Each frame
// serializes its own payload and trailing frame-end octet.
type frame interface {
	write(w io.Writer) error
	channel() uint16
}

type methodFrame struct {
	ChannelId uint16
	ClassId   uint16
	MethodId  uint16
	Method    message
}

func (f *methodFrame) channel() uint16 { return f.ChannelId }

// headerFrame is a content header.  The property list is carried opaquely;
// decoding basic properties is the channel layer's job.
type headerFrame struct {
	ChannelId  uint16
	ClassId    uint16
	weight     uint16
	Size       uint64
	Properties []byte
}

func (f *headerFrame) channel() uint16 { return f.ChannelId }

type bodyFrame struct {
	ChannelId uint16
	Body      []byte
}

func (f *bodyFrame) channel() uint16 { return f.ChannelId }

type heartbeatFrame struct {
	ChannelId uint16
}

func (f *heartbeatFrame) channel() uint16 { return f.ChannelId }

// protocolHeader is not a frame but is sent on the send path like one,
// so it satisfies the frame interface.
type protocolHeader struct{}

func (*protocolHeader) channel() uint16 { return 0 }

func (*protocolHeader) write(w io.Writer) error {
	_, err := w.Write(protocolHeaderBytes)
	return err
}
