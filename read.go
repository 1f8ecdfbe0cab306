// Copyright (c) 2012, Sean Treadway, SoundCloud Ltd.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/streadway/amqp

package amqp

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
)

// reader decodes AMQP frames from its stream.  It is stateless apart from
// the stream position; the connection owns exactly one and reads from it
// only in the dispatcher goroutine.
type reader struct {
	r io.Reader
}

/*
ReadFrame reads one complete frame:

	type(octet) channel(short) size(long) payload(size octets) frame-end(0xCE)

and returns the decoded envelope.  A missing frame-end octet is a framing
error, the stream is no longer aligned after it.
*/
func (r *reader) ReadFrame() (frame, error) {
	var scratch [7]byte

	if _, err := io.ReadFull(r.r, scratch[:7]); err != nil {
		return nil, err
	}

	typ := scratch[0]
	channel := binary.BigEndian.Uint16(scratch[1:3])
	size := binary.BigEndian.Uint32(scratch[3:7])

	payload := make([]byte, size+1)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, err
	}

	if payload[size] != frameEnd {
		return nil, ErrMalformedFrame
	}
	payload = payload[:size]

	switch typ {
	case frameMethod:
		return parseMethodFrame(channel, payload)

	case frameHeader:
		return parseHeaderFrame(channel, payload)

	case frameBody:
		return &bodyFrame{ChannelId: channel, Body: payload}, nil

	case frameHeartbeat:
		return &heartbeatFrame{ChannelId: channel}, nil

	default:
		return nil, errors.Wrapf(ErrMalformedFrame, "frame type %d", typ)
	}
}

func parseMethodFrame(channel uint16, payload []byte) (frame, error) {
	buf := bytes.NewReader(payload)

	classId, err := readShort(buf)
	if err != nil {
		return nil, errors.Wrap(err, "method class")
	}

	methodId, err := readShort(buf)
	if err != nil {
		return nil, errors.Wrap(err, "method id")
	}

	mf := &methodFrame{
		ChannelId: channel,
		ClassId:   classId,
		MethodId:  methodId,
		Method:    newMethod(classId, methodId),
	}
	if err := mf.Method.read(buf); err != nil {
		return nil, errors.Wrapf(err, "method %d.%d", classId, methodId)
	}
	return mf, nil
}

// parseHeaderFrame decodes the fixed part of a content header and keeps
// the property flags and list opaque for the channel layer.
func parseHeaderFrame(channel uint16, payload []byte) (frame, error) {
	buf := bytes.NewReader(payload)

	hf := &headerFrame{ChannelId: channel}

	var err error
	if hf.ClassId, err = readShort(buf); err != nil {
		return nil, errors.Wrap(err, "header class")
	}
	if hf.weight, err = readShort(buf); err != nil {
		return nil, errors.Wrap(err, "header weight")
	}
	if hf.Size, err = readLonglong(buf); err != nil {
		return nil, errors.Wrap(err, "header body size")
	}

	hf.Properties = make([]byte, buf.Len())
	if _, err = io.ReadFull(buf, hf.Properties); err != nil {
		return nil, errors.Wrap(err, "header properties")
	}
	return hf, nil
}

func readOctet(r io.Reader) (uint8, error) {
	var scratch [1]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return 0, err
	}
	return scratch[0], nil
}

func readShort(r io.Reader) (uint16, error) {
	var scratch [2]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(scratch[:]), nil
}

func readLong(r io.Reader) (uint32, error) {
	var scratch [4]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(scratch[:]), nil
}

func readLonglong(r io.Reader) (uint64, error) {
	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(scratch[:]), nil
}

func readShortstr(r io.Reader) (string, error) {
	n, err := readOctet(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readLongstr(r io.Reader) ([]byte, error) {
	n, err := readLong(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readTimestamp(r io.Reader) (time.Time, error) {
	sec, err := readLonglong(r)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(sec), 0), nil
}

func readDecimal(r io.Reader) (Decimal, error) {
	scale, err := readOctet(r)
	if err != nil {
		return Decimal{}, err
	}
	value, err := readLong(r)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{Scale: scale, Value: int32(value)}, nil
}

// readField decodes one tagged table or array value.
func readField(r io.Reader) (interface{}, error) {
	tag, err := readOctet(r)
	if err != nil {
		return nil, err
	}

	switch tag {
	case 't':
		b, err := readOctet(r)
		if err != nil {
			return nil, err
		}
		return b != 0, nil

	case 'b':
		v, err := readOctet(r)
		return int8(v), err

	case 'B':
		return readOctet(r)

	case 'U':
		v, err := readShort(r)
		return int16(v), err

	case 'u':
		return readShort(r)

	case 'I':
		v, err := readLong(r)
		return int32(v), err

	case 'i':
		return readLong(r)

	case 'L':
		v, err := readLonglong(r)
		return int64(v), err

	case 'l':
		return readLonglong(r)

	case 'f':
		v, err := readLong(r)
		return math.Float32frombits(v), err

	case 'd':
		v, err := readLonglong(r)
		return math.Float64frombits(v), err

	case 'D':
		return readDecimal(r)

	case 's':
		return readShortstr(r)

	case 'S':
		v, err := readLongstr(r)
		return string(v), err

	case 'A':
		return readArray(r)

	case 'T':
		return readTimestamp(r)

	case 'F':
		return readTable(r)

	case 'V':
		return nil, nil
	}

	return nil, errors.Wrapf(ErrFieldType, "tag %q", tag)
}

// readTable decodes a length-prefixed sequence of (shortstr key, tagged
// value) pairs.
func readTable(r io.Reader) (Table, error) {
	body, err := readLongstr(r)
	if err != nil {
		return nil, err
	}

	table := make(Table)
	buf := bytes.NewReader(body)
	for buf.Len() > 0 {
		key, err := readShortstr(buf)
		if err != nil {
			return nil, errors.Wrap(err, "table key")
		}
		value, err := readField(buf)
		if err != nil {
			return nil, errors.Wrapf(err, "table field %q", key)
		}
		table[key] = value
	}
	return table, nil
}

func readArray(r io.Reader) ([]interface{}, error) {
	body, err := readLongstr(r)
	if err != nil {
		return nil, err
	}

	array := []interface{}{}
	buf := bytes.NewReader(body)
	for buf.Len() > 0 {
		value, err := readField(buf)
		if err != nil {
			return nil, errors.Wrap(err, "array field")
		}
		array = append(array, value)
	}
	return array, nil
}
