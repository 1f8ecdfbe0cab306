// Copyright (c) 2012, Sean Treadway, SoundCloud Ltd.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/streadway/amqp

package amqp

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
)

// writer encodes frames onto the buffered transport.  The connection's
// send lock serializes callers; WriteFrame itself does not lock.
type writer struct {
	w io.Writer
}

// WriteFrame encodes one frame and flushes when the underlying writer is
// buffered.  Callers composing multi-frame sequences hold the send lock
// across all of them so the flushes cannot interleave.
func (w *writer) WriteFrame(f frame) error {
	if err := f.write(w.w); err != nil {
		return err
	}

	if buf, ok := w.w.(*bufio.Writer); ok {
		return buf.Flush()
	}
	return nil
}

func (f *methodFrame) write(w io.Writer) error {
	var payload bytes.Buffer

	if f.Method == nil {
		return errors.New("missing method in method frame")
	}

	classId, methodId := f.Method.id()

	if err := writeShort(&payload, classId); err != nil {
		return err
	}
	if err := writeShort(&payload, methodId); err != nil {
		return err
	}
	if err := f.Method.write(&payload); err != nil {
		return err
	}

	return writeFrame(w, frameMethod, f.ChannelId, payload.Bytes())
}

func (f *headerFrame) write(w io.Writer) error {
	var payload bytes.Buffer

	if err := writeShort(&payload, f.ClassId); err != nil {
		return err
	}
	if err := writeShort(&payload, f.weight); err != nil {
		return err
	}
	if err := writeLonglong(&payload, f.Size); err != nil {
		return err
	}

	// An absent property list still carries its flags word.
	if len(f.Properties) > 0 {
		if _, err := payload.Write(f.Properties); err != nil {
			return err
		}
	} else if err := writeShort(&payload, 0); err != nil {
		return err
	}

	return writeFrame(w, frameHeader, f.ChannelId, payload.Bytes())
}

func (f *bodyFrame) write(w io.Writer) error {
	return writeFrame(w, frameBody, f.ChannelId, f.Body)
}

func (f *heartbeatFrame) write(w io.Writer) error {
	return writeFrame(w, frameHeartbeat, f.ChannelId, []byte{})
}

func writeFrame(w io.Writer, typ uint8, channel uint16, payload []byte) error {
	size := uint(len(payload))

	end := []byte{frameEnd}
	header := []byte{
		typ,
		byte((channel & 0xff00) >> 8),
		byte(channel & 0x00ff),
		byte((size & 0xff000000) >> 24),
		byte((size & 0x00ff0000) >> 16),
		byte((size & 0x0000ff00) >> 8),
		byte(size & 0x000000ff),
	}

	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if _, err := w.Write(end); err != nil {
		return err
	}
	return nil
}

func writeOctet(w io.Writer, b uint8) error {
	_, err := w.Write([]byte{b})
	return err
}

func writeShort(w io.Writer, i uint16) error {
	var scratch [2]byte
	binary.BigEndian.PutUint16(scratch[:], i)
	_, err := w.Write(scratch[:])
	return err
}

func writeLong(w io.Writer, i uint32) error {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], i)
	_, err := w.Write(scratch[:])
	return err
}

func writeLonglong(w io.Writer, i uint64) error {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], i)
	_, err := w.Write(scratch[:])
	return err
}

func writeShortstr(w io.Writer, s string) error {
	if len(s) > 255 {
		return errors.Wrapf(ErrStringTooLong, "%d octets", len(s))
	}
	if err := writeOctet(w, uint8(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeLongstr(w io.Writer, s []byte) error {
	if err := writeLong(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write(s)
	return err
}

func writeTimestamp(w io.Writer, t time.Time) error {
	return writeLonglong(w, uint64(t.Unix()))
}

func writeDecimal(w io.Writer, d Decimal) error {
	if err := writeOctet(w, d.Scale); err != nil {
		return err
	}
	return writeLong(w, uint32(d.Value))
}

// writeField encodes one tagged value.  The tag for each Go type follows
// the field table of the 0-9-1 grammar.
func writeField(w io.Writer, value interface{}) error {
	switch v := value.(type) {
	case bool:
		var b byte
		if v {
			b = 1
		}
		if err := writeOctet(w, 't'); err != nil {
			return err
		}
		return writeOctet(w, b)

	case int8:
		if err := writeOctet(w, 'b'); err != nil {
			return err
		}
		return writeOctet(w, uint8(v))

	case uint8:
		if err := writeOctet(w, 'B'); err != nil {
			return err
		}
		return writeOctet(w, v)

	case int16:
		if err := writeOctet(w, 'U'); err != nil {
			return err
		}
		return writeShort(w, uint16(v))

	case uint16:
		if err := writeOctet(w, 'u'); err != nil {
			return err
		}
		return writeShort(w, v)

	case int32:
		if err := writeOctet(w, 'I'); err != nil {
			return err
		}
		return writeLong(w, uint32(v))

	case uint32:
		if err := writeOctet(w, 'i'); err != nil {
			return err
		}
		return writeLong(w, v)

	case int:
		if err := writeOctet(w, 'I'); err != nil {
			return err
		}
		return writeLong(w, uint32(int32(v)))

	case int64:
		if err := writeOctet(w, 'L'); err != nil {
			return err
		}
		return writeLonglong(w, uint64(v))

	case uint64:
		if err := writeOctet(w, 'l'); err != nil {
			return err
		}
		return writeLonglong(w, v)

	case float32:
		if err := writeOctet(w, 'f'); err != nil {
			return err
		}
		return writeLong(w, math.Float32bits(v))

	case float64:
		if err := writeOctet(w, 'd'); err != nil {
			return err
		}
		return writeLonglong(w, math.Float64bits(v))

	case Decimal:
		if err := writeOctet(w, 'D'); err != nil {
			return err
		}
		return writeDecimal(w, v)

	case string:
		if err := writeOctet(w, 'S'); err != nil {
			return err
		}
		return writeLongstr(w, []byte(v))

	case []byte:
		if err := writeOctet(w, 'S'); err != nil {
			return err
		}
		return writeLongstr(w, v)

	case []interface{}:
		if err := writeOctet(w, 'A'); err != nil {
			return err
		}
		return writeArray(w, v)

	case time.Time:
		if err := writeOctet(w, 'T'); err != nil {
			return err
		}
		return writeTimestamp(w, v)

	case Table:
		if err := writeOctet(w, 'F'); err != nil {
			return err
		}
		return writeTable(w, v)

	case nil:
		return writeOctet(w, 'V')
	}

	return errors.Wrapf(ErrFieldType, "%T", value)
}

func writeTable(w io.Writer, table Table) error {
	var buf bytes.Buffer
	if err := writeTableBody(&buf, table); err != nil {
		return err
	}
	return writeLongstr(w, buf.Bytes())
}

// writeTableBody encodes the key/value pairs without the length prefix.
func writeTableBody(w io.Writer, table Table) error {
	for key, value := range table {
		if err := writeShortstr(w, key); err != nil {
			return err
		}
		if err := writeField(w, value); err != nil {
			return errors.Wrapf(err, "table field %q", key)
		}
	}
	return nil
}

func writeArray(w io.Writer, array []interface{}) error {
	var buf bytes.Buffer
	for _, value := range array {
		if err := writeField(&buf, value); err != nil {
			return errors.Wrap(err, "array field")
		}
	}
	return writeLongstr(w, buf.Bytes())
}
