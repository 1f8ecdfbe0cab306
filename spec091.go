// Copyright (c) 2012, Sean Treadway, SoundCloud Ltd.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/streadway/amqp

package amqp

import (
	"io"
)

// Class and method identifiers the connection core recognizes.
const (
	classConnection = 10

	methodConnectionStart     = 10
	methodConnectionStartOk   = 11
	methodConnectionTune      = 30
	methodConnectionTuneOk    = 31
	methodConnectionOpen      = 40
	methodConnectionOpenOk    = 41
	methodConnectionClose     = 50
	methodConnectionCloseOk   = 51
	methodConnectionBlocked   = 60
	methodConnectionUnblocked = 61

	classChannel = 20

	methodChannelOpen    = 10
	methodChannelOpenOk  = 11
	methodChannelClose   = 40
	methodChannelCloseOk = 41
)

// newMethod maps a (class, method) pair to a fresh argument struct.  Pairs
// the core does not know decode into unknownMethod so the dispatcher can
// log and drop them instead of failing the connection.
func newMethod(classId, methodId uint16) message {
	switch classId {
	case classConnection:
		switch methodId {
		case methodConnectionStart:
			return &connectionStart{}
		case methodConnectionStartOk:
			return &connectionStartOk{}
		case methodConnectionTune:
			return &connectionTune{}
		case methodConnectionTuneOk:
			return &connectionTuneOk{}
		case methodConnectionOpen:
			return &connectionOpen{}
		case methodConnectionOpenOk:
			return &connectionOpenOk{}
		case methodConnectionClose:
			return &connectionClose{}
		case methodConnectionCloseOk:
			return &connectionCloseOk{}
		case methodConnectionBlocked:
			return &connectionBlocked{}
		case methodConnectionUnblocked:
			return &connectionUnblocked{}
		}

	case classChannel:
		switch methodId {
		case methodChannelOpen:
			return &channelOpen{}
		case methodChannelOpenOk:
			return &channelOpenOk{}
		case methodChannelClose:
			return &channelClose{}
		case methodChannelCloseOk:
			return &channelCloseOk{}
		}
	}

	return &unknownMethod{classId: classId, methodId: methodId}
}

// unknownMethod carries the raw arguments of a method the core does not
// decode.  Channel-class methods beyond the open/close handshake land
// here and are handed to the owning channel untouched.
type unknownMethod struct {
	classId  uint16
	methodId uint16
	body     []byte
}

func (m *unknownMethod) id() (uint16, uint16) { return m.classId, m.methodId }

func (m *unknownMethod) read(r io.Reader) (err error) {
	m.body, err = io.ReadAll(r)
	return
}

func (m *unknownMethod) write(w io.Writer) error {
	_, err := w.Write(m.body)
	return err
}

type connectionStart struct {
	VersionMajor     byte
	VersionMinor     byte
	ServerProperties Table
	Mechanisms       string
	Locales          string
}

func (m *connectionStart) id() (uint16, uint16) {
	return classConnection, methodConnectionStart
}

func (m *connectionStart) read(r io.Reader) (err error) {
	if m.VersionMajor, err = readOctet(r); err != nil {
		return
	}
	if m.VersionMinor, err = readOctet(r); err != nil {
		return
	}
	if m.ServerProperties, err = readTable(r); err != nil {
		return
	}
	var s []byte
	if s, err = readLongstr(r); err != nil {
		return
	}
	m.Mechanisms = string(s)
	if s, err = readLongstr(r); err != nil {
		return
	}
	m.Locales = string(s)
	return
}

func (m *connectionStart) write(w io.Writer) (err error) {
	if err = writeOctet(w, m.VersionMajor); err != nil {
		return
	}
	if err = writeOctet(w, m.VersionMinor); err != nil {
		return
	}
	if err = writeTable(w, m.ServerProperties); err != nil {
		return
	}
	if err = writeLongstr(w, []byte(m.Mechanisms)); err != nil {
		return
	}
	return writeLongstr(w, []byte(m.Locales))
}

type connectionStartOk struct {
	ClientProperties Table
	Mechanism        string
	Response         []byte
	Locale           string
}

func (m *connectionStartOk) id() (uint16, uint16) {
	return classConnection, methodConnectionStartOk
}

func (m *connectionStartOk) read(r io.Reader) (err error) {
	if m.ClientProperties, err = readTable(r); err != nil {
		return
	}
	if m.Mechanism, err = readShortstr(r); err != nil {
		return
	}
	if m.Response, err = readLongstr(r); err != nil {
		return
	}
	m.Locale, err = readShortstr(r)
	return
}

func (m *connectionStartOk) write(w io.Writer) (err error) {
	if err = writeTable(w, m.ClientProperties); err != nil {
		return
	}
	if err = writeShortstr(w, m.Mechanism); err != nil {
		return
	}
	if err = writeLongstr(w, m.Response); err != nil {
		return
	}
	return writeShortstr(w, m.Locale)
}

type connectionTune struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func (m *connectionTune) id() (uint16, uint16) {
	return classConnection, methodConnectionTune
}

func (m *connectionTune) read(r io.Reader) (err error) {
	if m.ChannelMax, err = readShort(r); err != nil {
		return
	}
	if m.FrameMax, err = readLong(r); err != nil {
		return
	}
	m.Heartbeat, err = readShort(r)
	return
}

func (m *connectionTune) write(w io.Writer) (err error) {
	if err = writeShort(w, m.ChannelMax); err != nil {
		return
	}
	if err = writeLong(w, m.FrameMax); err != nil {
		return
	}
	return writeShort(w, m.Heartbeat)
}

type connectionTuneOk struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func (m *connectionTuneOk) id() (uint16, uint16) {
	return classConnection, methodConnectionTuneOk
}

func (m *connectionTuneOk) read(r io.Reader) (err error) {
	if m.ChannelMax, err = readShort(r); err != nil {
		return
	}
	if m.FrameMax, err = readLong(r); err != nil {
		return
	}
	m.Heartbeat, err = readShort(r)
	return
}

func (m *connectionTuneOk) write(w io.Writer) (err error) {
	if err = writeShort(w, m.ChannelMax); err != nil {
		return
	}
	if err = writeLong(w, m.FrameMax); err != nil {
		return
	}
	return writeShort(w, m.Heartbeat)
}

type connectionOpen struct {
	VirtualHost  string
	Capabilities string
	Insist       bool
}

func (m *connectionOpen) id() (uint16, uint16) {
	return classConnection, methodConnectionOpen
}

func (m *connectionOpen) read(r io.Reader) (err error) {
	if m.VirtualHost, err = readShortstr(r); err != nil {
		return
	}
	if m.Capabilities, err = readShortstr(r); err != nil {
		return
	}
	var bits uint8
	if bits, err = readOctet(r); err != nil {
		return
	}
	m.Insist = bits&(1<<0) > 0
	return
}

func (m *connectionOpen) write(w io.Writer) (err error) {
	if err = writeShortstr(w, m.VirtualHost); err != nil {
		return
	}
	if err = writeShortstr(w, m.Capabilities); err != nil {
		return
	}
	var bits uint8
	if m.Insist {
		bits |= 1 << 0
	}
	return writeOctet(w, bits)
}

type connectionOpenOk struct {
	KnownHosts string
}

func (m *connectionOpenOk) id() (uint16, uint16) {
	return classConnection, methodConnectionOpenOk
}

func (m *connectionOpenOk) read(r io.Reader) (err error) {
	m.KnownHosts, err = readShortstr(r)
	return
}

func (m *connectionOpenOk) write(w io.Writer) error {
	return writeShortstr(w, m.KnownHosts)
}

type connectionClose struct {
	ReplyCode uint16
	ReplyText string
	ClassId   uint16
	MethodId  uint16
}

func (m *connectionClose) id() (uint16, uint16) {
	return classConnection, methodConnectionClose
}

func (m *connectionClose) read(r io.Reader) (err error) {
	if m.ReplyCode, err = readShort(r); err != nil {
		return
	}
	if m.ReplyText, err = readShortstr(r); err != nil {
		return
	}
	if m.ClassId, err = readShort(r); err != nil {
		return
	}
	m.MethodId, err = readShort(r)
	return
}

func (m *connectionClose) write(w io.Writer) (err error) {
	if err = writeShort(w, m.ReplyCode); err != nil {
		return
	}
	if err = writeShortstr(w, m.ReplyText); err != nil {
		return
	}
	if err = writeShort(w, m.ClassId); err != nil {
		return
	}
	return writeShort(w, m.MethodId)
}

type connectionCloseOk struct{}

func (m *connectionCloseOk) id() (uint16, uint16) {
	return classConnection, methodConnectionCloseOk
}

func (m *connectionCloseOk) read(r io.Reader) error  { return nil }
func (m *connectionCloseOk) write(w io.Writer) error { return nil }

type connectionBlocked struct {
	Reason string
}

func (m *connectionBlocked) id() (uint16, uint16) {
	return classConnection, methodConnectionBlocked
}

func (m *connectionBlocked) read(r io.Reader) (err error) {
	m.Reason, err = readShortstr(r)
	return
}

func (m *connectionBlocked) write(w io.Writer) error {
	return writeShortstr(w, m.Reason)
}

type connectionUnblocked struct{}

func (m *connectionUnblocked) id() (uint16, uint16) {
	return classConnection, methodConnectionUnblocked
}

func (m *connectionUnblocked) read(r io.Reader) error  { return nil }
func (m *connectionUnblocked) write(w io.Writer) error { return nil }

type channelOpen struct {
	reserved1 string
}

func (m *channelOpen) id() (uint16, uint16) {
	return classChannel, methodChannelOpen
}

func (m *channelOpen) read(r io.Reader) (err error) {
	m.reserved1, err = readShortstr(r)
	return
}

func (m *channelOpen) write(w io.Writer) error {
	return writeShortstr(w, m.reserved1)
}

type channelOpenOk struct {
	reserved1 string
}

func (m *channelOpenOk) id() (uint16, uint16) {
	return classChannel, methodChannelOpenOk
}

func (m *channelOpenOk) read(r io.Reader) (err error) {
	var s []byte
	if s, err = readLongstr(r); err != nil {
		return
	}
	m.reserved1 = string(s)
	return
}

func (m *channelOpenOk) write(w io.Writer) error {
	return writeLongstr(w, []byte(m.reserved1))
}

type channelClose struct {
	ReplyCode uint16
	ReplyText string
	ClassId   uint16
	MethodId  uint16
}

func (m *channelClose) id() (uint16, uint16) {
	return classChannel, methodChannelClose
}

func (m *channelClose) read(r io.Reader) (err error) {
	if m.ReplyCode, err = readShort(r); err != nil {
		return
	}
	if m.ReplyText, err = readShortstr(r); err != nil {
		return
	}
	if m.ClassId, err = readShort(r); err != nil {
		return
	}
	m.MethodId, err = readShort(r)
	return
}

func (m *channelClose) write(w io.Writer) (err error) {
	if err = writeShort(w, m.ReplyCode); err != nil {
		return
	}
	if err = writeShortstr(w, m.ReplyText); err != nil {
		return
	}
	if err = writeShort(w, m.ClassId); err != nil {
		return
	}
	return writeShort(w, m.MethodId)
}

type channelCloseOk struct{}

func (m *channelCloseOk) id() (uint16, uint16) {
	return classChannel, methodChannelCloseOk
}

func (m *channelCloseOk) read(r io.Reader) error  { return nil }
func (m *channelCloseOk) write(w io.Writer) error { return nil }
