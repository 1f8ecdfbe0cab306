// Copyright (c) 2012, Sean Treadway, SoundCloud Ltd.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/streadway/amqp

package amqp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainAuthResponse(t *testing.T) {
	auth := &PlainAuth{Username: "guest", Password: "secret"}

	assert.Equal(t, "PLAIN", auth.Mechanism())
	assert.Equal(t, []byte("\x00guest\x00secret"), auth.Response())
}

func TestAmqplainAuthResponse(t *testing.T) {
	auth := &AmqplainAuth{Username: "user", Password: "pass"}

	assert.Equal(t, "AMQPLAIN", auth.Mechanism())

	want := []byte{
		0x05, 'L', 'O', 'G', 'I', 'N',
		'S', 0x00, 0x00, 0x00, 0x04, 'u', 's', 'e', 'r',
		0x08, 'P', 'A', 'S', 'S', 'W', 'O', 'R', 'D',
		'S', 0x00, 0x00, 0x00, 0x04, 'p', 'a', 's', 's',
	}
	assert.Equal(t, want, auth.Response())
}

func TestAuthFromLoginMethod(t *testing.T) {
	auth := authFromLoginMethod("PLAIN", "u", "p")
	assert.IsType(t, &PlainAuth{}, auth)

	auth = authFromLoginMethod("AMQPLAIN", "u", "p")
	assert.IsType(t, &AmqplainAuth{}, auth)

	auth = authFromLoginMethod("", "u", "p")
	assert.IsType(t, &AmqplainAuth{}, auth)

	// unknown mechanisms fall back to AMQPLAIN
	auth = authFromLoginMethod("EXTERNAL", "u", "p")
	assert.IsType(t, &AmqplainAuth{}, auth)
}

func TestPickSASLMechanism(t *testing.T) {
	plain := &PlainAuth{}
	amqplain := &AmqplainAuth{}

	auth, ok := pickSASLMechanism([]Authentication{amqplain, plain}, []string{"AMQPLAIN", "PLAIN"})
	require.True(t, ok)
	assert.Equal(t, amqplain, auth)

	auth, ok = pickSASLMechanism([]Authentication{plain}, []string{"AMQPLAIN", "PLAIN"})
	require.True(t, ok)
	assert.Equal(t, plain, auth)

	_, ok = pickSASLMechanism([]Authentication{plain}, []string{"EXTERNAL"})
	assert.False(t, ok)
}
