// Copyright (c) 2012, Sean Treadway, SoundCloud Ltd.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/streadway/amqp

package amqp

import (
	"bytes"

	"github.com/rs/zerolog/log"
)

// Authentication is the interface for the SASL mechanisms offered in
// connection.start-ok.
type Authentication interface {
	Mechanism() string
	Response() []byte
}

// PlainAuth implements the PLAIN mechanism: NUL login NUL password.
type PlainAuth struct {
	Username string
	Password string
}

func (auth *PlainAuth) Mechanism() string {
	return "PLAIN"
}

func (auth *PlainAuth) Response() []byte {
	return []byte("\x00" + auth.Username + "\x00" + auth.Password)
}

// AmqplainAuth implements the AMQPLAIN mechanism: the credentials are a
// bare field-table body of LOGIN and PASSWORD long strings, without the
// table length prefix.
type AmqplainAuth struct {
	Username string
	Password string
}

func (auth *AmqplainAuth) Mechanism() string {
	return "AMQPLAIN"
}

func (auth *AmqplainAuth) Response() []byte {
	var buf bytes.Buffer

	// Keys are written in a fixed order so the response is reproducible.
	writeShortstr(&buf, "LOGIN")
	writeOctet(&buf, 'S')
	writeLongstr(&buf, []byte(auth.Username))

	writeShortstr(&buf, "PASSWORD")
	writeOctet(&buf, 'S')
	writeLongstr(&buf, []byte(auth.Password))

	return buf.Bytes()
}

// authFromLoginMethod builds the mechanism named by the configuration.
// Unknown names fall back to AMQPLAIN.
func authFromLoginMethod(method, login, password string) Authentication {
	switch method {
	case "PLAIN":
		return &PlainAuth{Username: login, Password: password}
	case "AMQPLAIN", "":
		return &AmqplainAuth{Username: login, Password: password}
	}

	log.Warn().Str("login_method", method).Msg("unsupported login method, falling back to AMQPLAIN")
	return &AmqplainAuth{Username: login, Password: password}
}

// pickSASLMechanism returns the first client mechanism the server also
// announced in connection.start.
func pickSASLMechanism(client []Authentication, serverMechanisms []string) (Authentication, bool) {
	for _, auth := range client {
		for _, mech := range serverMechanisms {
			if auth.Mechanism() == mech {
				return auth, true
			}
		}
	}
	return nil, false
}
