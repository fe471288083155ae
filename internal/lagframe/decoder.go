package lagframe

import (
	"errors"
	"fmt"
	"math"
)

// LagFrame is one decoded correlation function for a single baseline.
type LagFrame struct {
	BaselineID int       `json:"baseline_id"`
	Lags       []float64 `json:"lags"`
}

// Decoder parses fixed size frames for a Layout.
type Decoder struct {
	layout    Layout
	validator FrameValidator
}

// NewDecoder returns a decoder for the layout using the layout's validator.
func NewDecoder(l Layout) *Decoder {
	return &Decoder{layout: l, validator: NewValidator(l)}
}

// NewDecoderWithValidator returns a decoder that identifies baselines with v
// instead of the layout's own validator.
func NewDecoderWithValidator(l Layout, v FrameValidator) *Decoder {
	return &Decoder{layout: l, validator: v}
}

// Layout returns the layout the decoder was built for.
func (d *Decoder) Layout() Layout {
	return d.layout
}

// Decode validates the header of buf and decodes its lags. buf must hold at
// least one full frame.
func (d *Decoder) Decode(buf []byte) (LagFrame, error) {
	if len(buf) < d.layout.FrameBytes() {
		return LagFrame{}, fmt.Errorf("%w: have %d bytes, need %d", ErrIncompleteFrame, len(buf), d.layout.FrameBytes())
	}
	if d.validator == nil {
		return LagFrame{}, errors.New("positional layout: frames carry no baseline header")
	}
	id, err := d.validator.BaselineID(buf[:HeaderBytes])
	if err != nil {
		return LagFrame{}, err
	}
	return d.DecodeBaseline(buf, id)
}

// DecodeBaseline decodes the lags of buf for a baseline that is already
// known, such as the position of a frame inside a serial train.
func (d *Decoder) DecodeBaseline(buf []byte, baseline int) (LagFrame, error) {
	l := d.layout
	if len(buf) < l.FrameBytes() {
		return LagFrame{}, fmt.Errorf("%w: have %d bytes, need %d", ErrIncompleteFrame, len(buf), l.FrameBytes())
	}
	frame := LagFrame{BaselineID: baseline, Lags: make([]float64, l.LagCount)}
	for j := l.SkipThreshold; j < l.LagCount; j++ {
		off := l.HeaderSize + j*l.BytesPerLag
		frame.Lags[j] = float64(readLag(buf[off:off+l.BytesPerLag]))
	}
	return frame, nil
}

// DecodeTrain splits a serial packet train into frames. Frames whose header
// is not recognised are dropped and reported in errs.
func (d *Decoder) DecodeTrain(buf []byte) (frames []LagFrame, errs []error) {
	l := d.layout
	if len(buf) < l.TrainBytes() {
		return nil, []error{fmt.Errorf("%w: have %d bytes, need %d", ErrIncompleteFrame, len(buf), l.TrainBytes())}
	}
	fb := l.FrameBytes()
	frames = make([]LagFrame, 0, l.BaselineCount())
	for i := 0; i < l.BaselineCount(); i++ {
		chunk := buf[i*fb : (i+1)*fb]
		var (
			f   LagFrame
			err error
		)
		if d.validator == nil {
			f, err = d.DecodeBaseline(chunk, i)
		} else {
			f, err = d.Decode(chunk)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		frames = append(frames, f)
	}
	return frames, errs
}

// readLag assembles a little-endian 24 or 32 bit integer.
func readLag(b []byte) uint32 {
	v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	if len(b) == 4 {
		v |= uint32(b[3]) << 24
	}
	return v
}

// Encoder builds wire frames. It is the inverse of Decoder and is used by
// the simulator and by tests.
type Encoder struct {
	layout    Layout
	validator FrameValidator
}

// NewEncoder returns an encoder for the layout.
func NewEncoder(l Layout) *Encoder {
	return &Encoder{layout: l, validator: NewValidator(l)}
}

// Encode returns the wire bytes of frame. Lag values must be integers that
// fit the layout's lag width.
func (e *Encoder) Encode(frame LagFrame) ([]byte, error) {
	buf := make([]byte, e.layout.FrameBytes())
	if err := e.encodeInto(buf, frame); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeTrain returns a serial packet train holding one frame per baseline.
// Positional layouts need the frames in baseline order and get the train
// marker written over the start of the first frame.
func (e *Encoder) EncodeTrain(frames []LagFrame) ([]byte, error) {
	l := e.layout
	if len(frames) != l.BaselineCount() {
		return nil, fmt.Errorf("train needs %d frames, got %d", l.BaselineCount(), len(frames))
	}
	fb := l.FrameBytes()
	buf := make([]byte, l.TrainBytes())
	for i, f := range frames {
		if e.validator == nil && f.BaselineID != i {
			return nil, fmt.Errorf("frame %d carries baseline %d: positional trains are in baseline order", i, f.BaselineID)
		}
		if err := e.encodeInto(buf[i*fb:(i+1)*fb], f); err != nil {
			return nil, err
		}
	}
	if e.validator == nil {
		copy(buf, l.Marker)
	}
	return buf, nil
}

func (e *Encoder) encodeInto(buf []byte, frame LagFrame) error {
	l := e.layout
	if len(frame.Lags) != l.LagCount {
		return fmt.Errorf("frame has %d lags, layout needs %d", len(frame.Lags), l.LagCount)
	}
	limit := float64(uint64(1)<<(8*l.BytesPerLag) - 1)
	for j := l.SkipThreshold; j < l.LagCount; j++ {
		v := frame.Lags[j]
		if v < 0 || v > limit || v != math.Trunc(v) {
			return fmt.Errorf("lag %d value %g does not fit %d bytes", j, v, l.BytesPerLag)
		}
		off := l.HeaderSize + j*l.BytesPerLag
		u := uint32(v)
		for k := 0; k < l.BytesPerLag; k++ {
			buf[off+k] = byte(u >> (8 * k))
		}
	}
	if e.validator != nil {
		h, err := e.validator.Header(frame.BaselineID)
		if err != nil {
			return err
		}
		copy(buf, h[:])
	}
	return nil
}
