package frame

import (
	"errors"
	"fmt"
)

// Output is one item produced by Decoder.Feed: a control frame, or on END the
// reassembled message.
type Output struct {
	Frame   Frame
	Message []byte
}

// Decoder reassembles frames and messages from arbitrarily chunked input.
//
// It is owned by exactly one connection and is not safe for concurrent use.
// While missing > 0 a DATA header has been parsed and every new byte is
// payload continuation; pending then holds the payload seen so far. With
// missing == 0, pending holds an incomplete frame head awaiting more bytes.
type Decoder struct {
	limits  Limits
	pending [][]byte
	missing int
	parts   [][]byte
	partLen int
	// offset is the stream position of the next undecoded byte.
	offset int
	err    error
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits}
}

// Feed consumes one chunk and returns every output it completes, in order.
//
// An unknown tag leaves the offending bytes buffered and returns a
// *DecodeError. Errors are sticky: the stream cannot resync, so later calls
// discard their input and return the same error. Buffered never grows after
// the first error.
func (d *Decoder) Feed(data []byte) ([]Output, error) {
	if d.err != nil {
		return nil, d.err
	}
	var out []Output
	for len(data) > 0 {
		if d.missing > 0 {
			if len(data) < d.missing {
				d.pending = append(d.pending, clone(data))
				d.missing -= len(data)
				d.offset += len(data)
				return out, nil
			}
			n := d.missing
			payload := concat(d.pending, data[:n])
			d.pending = nil
			d.missing = 0
			d.offset += n
			data = data[n:]
			if err := d.accumulate(payload, false); err != nil {
				return out, d.fail(err)
			}
			continue
		}

		if len(d.pending) > 0 {
			data = concat(d.pending, data)
			d.pending = nil
		}

		f, n, missing, err := Decode(data)
		if err != nil {
			d.pending = [][]byte{clone(data)}
			var de *DecodeError
			if errors.As(err, &de) {
				de.Offset = d.offset
			}
			if errors.Is(err, ErrShortFrame) {
				return out, nil
			}
			return out, d.fail(err)
		}
		if missing > 0 {
			d.pending = [][]byte{clone(f.Payload)}
			d.missing = missing
			d.offset += n
			if err := d.checkLimit(len(f.Payload) + missing); err != nil {
				return out, d.fail(err)
			}
			return out, nil
		}

		d.offset += n
		data = data[n:]
		switch f.Type {
		case TypeData:
			if err := d.accumulate(f.Payload, true); err != nil {
				return out, d.fail(err)
			}
		case TypeEnd:
			out = append(out, Output{Frame: Frame{Type: TypeEnd}, Message: d.flush()})
		case TypeServerHello:
			out = append(out, Output{Frame: Frame{Type: f.Type, Payload: clone(f.Payload)}})
		default:
			out = append(out, Output{Frame: f})
		}
	}
	return out, nil
}

// Buffered reports bytes held back: an incomplete frame head or partial DATA payload.
func (d *Decoder) Buffered() int {
	n := 0
	for _, p := range d.pending {
		n += len(p)
	}
	return n
}

// Missing reports how many DATA payload bytes are still outstanding.
func (d *Decoder) Missing() int {
	return d.missing
}

// Pending reports how many message bytes have accumulated since the last END.
func (d *Decoder) Pending() int {
	return d.partLen
}

// Err returns the sticky decode error, if any.
func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) Reset() {
	d.pending = nil
	d.missing = 0
	d.parts = nil
	d.partLen = 0
	d.offset = 0
	d.err = nil
}

func (d *Decoder) fail(err error) error {
	d.err = err
	return err
}

func (d *Decoder) accumulate(payload []byte, aliased bool) error {
	if len(payload) == 0 {
		return nil
	}
	if err := d.checkLimit(len(payload)); err != nil {
		return err
	}
	if aliased {
		payload = clone(payload)
	}
	d.parts = append(d.parts, payload)
	d.partLen += len(payload)
	return nil
}

func (d *Decoder) checkLimit(add int) error {
	if d.limits.MaxMessageBytes <= 0 {
		return nil
	}
	if d.partLen+add > d.limits.MaxMessageBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, d.partLen+add, d.limits.MaxMessageBytes)
	}
	return nil
}

func (d *Decoder) flush() []byte {
	msg := concat(d.parts, nil)
	d.parts = nil
	d.partLen = 0
	return msg
}

// concat joins chunks and tail into a fresh slice; the result is never nil.
func concat(chunks [][]byte, tail []byte) []byte {
	n := len(tail)
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return append(out, tail...)
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
