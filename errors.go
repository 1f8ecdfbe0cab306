// Copyright (c) 2012, Sean Treadway, SoundCloud Ltd.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/streadway/amqp

package amqp

import "fmt"

// Reply codes from the AMQP 0-9-1 constant table.
const (
	replySuccess    = 200
	accessRefused   = 403
	connectionForce = 320
	frameError      = 501
	syntaxError     = 502
	commandInvalid  = 503
	channelError    = 504
	unexpectedFrame = 505
	notAllowed      = 530
	internalError   = 541
)

var (
	// ErrClosed is returned from every operation once the connection has
	// terminated, whichever side initiated it.
	ErrClosed = &Error{Code: channelError, Reason: "connection or channel is not open"}

	// ErrNotEstablished is returned when an operation is attempted before
	// the opening handshake has completed.
	ErrNotEstablished = &Error{Code: notAllowed, Reason: "connection is not established yet"}

	// ErrNoChannelAvailable is returned when the channel id space allowed
	// by the negotiated channel-max is exhausted.
	ErrNoChannelAvailable = &Error{Code: notAllowed, Reason: "no channel id available"}

	// ErrCredentials is returned when the broker rejects the
	// authentication exchange during the handshake.
	ErrCredentials = &Error{Code: accessRefused, Reason: "username or password not allowed"}

	// ErrVhost is returned when connection.open is refused for the
	// requested virtual host.
	ErrVhost = &Error{Code: accessRefused, Reason: "no access to this vhost"}

	// ErrSASL is returned when the client and server share no
	// authentication mechanism.
	ErrSASL = &Error{Code: accessRefused, Reason: "no supported authentication mechanism"}

	// ErrHeartbeatTimeout is raised by the receive watchdog when no octet
	// arrived for two heartbeat intervals.
	ErrHeartbeatTimeout = &Error{Code: connectionForce, Reason: "no heartbeat from the peer"}

	// ErrCommandInvalid is returned when the server sends a method out of
	// the expected sequence.
	ErrCommandInvalid = &Error{Code: commandInvalid, Reason: "unexpected command received"}

	// ErrUnexpectedFrame is returned when channel 0 carries anything other
	// than a method or heartbeat frame.
	ErrUnexpectedFrame = &Error{Code: unexpectedFrame, Reason: "unexpected frame received on channel 0"}

	// ErrMalformedFrame is returned by the codec when a frame does not end
	// with the frame-end octet.
	ErrMalformedFrame = &Error{Code: frameError, Reason: "frame could not be parsed"}

	// ErrFieldType is returned by the codec on an unknown table field tag.
	ErrFieldType = &Error{Code: syntaxError, Reason: "unsupported table field type"}

	// ErrStringTooLong is returned when encoding a short string longer
	// than 255 octets.
	ErrStringTooLong = &Error{Code: syntaxError, Reason: "short string is longer than 255 octets"}

	// ErrWaitTimeout is returned by WaitClosed and CloseTimeout when the
	// deadline expires; the close itself keeps running in the background.
	ErrWaitTimeout = &Error{Code: internalError, Reason: "timed out waiting for the connection to close"}
)

// Error captures the reply code and text of a connection or channel close,
// from the server or generated locally.
type Error struct {
	Code   int    // constant code from the reply-code table
	Reason string // description of the error
	Server bool   // true when initiated from the server, false when local
}

func newError(code uint16, text string) *Error {
	return &Error{
		Code:   int(code),
		Reason: text,
		Server: true,
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("Exception (%d) Reason: %q", e.Code, e.Reason)
}
