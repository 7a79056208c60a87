// Package wire implements the compact binary encoding peers must agree on:
// little-endian fixed-width integers, length-prefixed strings, single-byte
// enum tags, and u32 length-prefixed frames for request/response streams.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Nnubes256/IDIoT/errors"
	"github.com/Nnubes256/IDIoT/types"
)

const (
	// MaxFrameSize bounds a single request/response frame.
	MaxFrameSize = 1 << 20
	// maxStringLen bounds any decoded string or byte-string.
	maxStringLen = 1 << 16
	// maxCollection bounds decoded set and map cardinalities.
	maxCollection = 4096
)

// Value tags. These are wire constants; changing them breaks every deployed
// peer.
const (
	tagSignal   = 0
	tagUnsigned = 1
	tagSigned   = 2
	tagDouble   = 3
	tagString   = 4
)

// ActuationResponse tags.
const (
	tagSuccess       = 0
	tagIgnored       = 1
	tagNoResponse    = 2
	tagBadRequest    = 3
	tagActuatorError = 4
)

func appendU32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

func appendU64(dst []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, v)
}

func appendString(dst []byte, s string) []byte {
	dst = appendU32(dst, uint32(len(s)))
	return append(dst, s...)
}

func appendBytes(dst []byte, b []byte) []byte {
	dst = appendU32(dst, uint32(len(b)))
	return append(dst, b...)
}

func appendValue(dst []byte, v types.ActuatorValue) []byte {
	switch v.Kind() {
	case types.KindSignal:
		return append(dst, tagSignal)
	case types.KindUnsigned:
		u, _ := v.AsUnsigned()
		return appendU64(append(dst, tagUnsigned), u)
	case types.KindSigned:
		i, _ := v.AsSigned()
		return appendU64(append(dst, tagSigned), uint64(i))
	case types.KindDouble:
		f, _ := v.AsDouble()
		return appendU64(append(dst, tagDouble), math.Float64bits(f))
	case types.KindString:
		s, _ := v.AsString()
		return appendString(append(dst, tagString), s)
	default:
		// Unreachable for well-formed values; encode Signal to keep the
		// frame parseable.
		return append(dst, tagSignal)
	}
}

// decoder walks a payload buffer, failing on any truncation or bound
// violation.
type decoder struct {
	buf []byte
	off int
}

func (d *decoder) u8() (byte, error) {
	if d.off+1 > len(d.buf) {
		return 0, errors.ErrMalformedFrame
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) u32() (uint32, error) {
	if d.off+4 > len(d.buf) {
		return 0, errors.ErrMalformedFrame
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if d.off+8 > len(d.buf) {
		return 0, errors.ErrMalformedFrame
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

func (d *decoder) str() (string, error) {
	b, err := d.bytes()
	return string(b), err
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if n > maxStringLen || d.off+int(n) > len(d.buf) {
		return nil, errors.ErrMalformedFrame
	}
	b := d.buf[d.off : d.off+int(n)]
	d.off += int(n)
	return b, nil
}

func (d *decoder) value() (types.ActuatorValue, error) {
	tag, err := d.u8()
	if err != nil {
		return types.Signal(), err
	}
	switch tag {
	case tagSignal:
		return types.Signal(), nil
	case tagUnsigned:
		u, err := d.u64()
		return types.Unsigned(u), err
	case tagSigned:
		u, err := d.u64()
		return types.Signed(int64(u)), err
	case tagDouble:
		u, err := d.u64()
		return types.Double(math.Float64frombits(u)), err
	case tagString:
		s, err := d.str()
		return types.String(s), err
	default:
		return types.Signal(), fmt.Errorf("value tag %d: %w", tag, errors.ErrMalformedFrame)
	}
}

func (d *decoder) finish() error {
	if d.off != len(d.buf) {
		return fmt.Errorf("%d trailing bytes: %w", len(d.buf)-d.off, errors.ErrMalformedFrame)
	}
	return nil
}

// EncodeMeasurement encodes one sensor reading from the given peer for the
// measurements topic: (peer_id_bytes, device, sensor, value, seq).
func EncodeMeasurement(from peer.ID, r types.SensorReading) []byte {
	dst := make([]byte, 0, 64+len(r.Device)+len(r.Sensor))
	dst = appendBytes(dst, []byte(from))
	dst = appendString(dst, r.Device)
	dst = appendString(dst, r.Sensor)
	dst = appendValue(dst, r.Value)
	dst = appendU64(dst, r.Seq)
	return dst
}

// DecodeMeasurement decodes a measurements-topic payload.
func DecodeMeasurement(data []byte) (peer.ID, types.SensorReading, error) {
	d := &decoder{buf: data}

	idBytes, err := d.bytes()
	if err != nil {
		return "", types.SensorReading{}, err
	}
	from, err := peer.IDFromBytes(idBytes)
	if err != nil {
		return "", types.SensorReading{}, fmt.Errorf("peer id: %w", errors.ErrMalformedFrame)
	}

	var r types.SensorReading
	if r.Device, err = d.str(); err != nil {
		return "", types.SensorReading{}, err
	}
	if r.Sensor, err = d.str(); err != nil {
		return "", types.SensorReading{}, err
	}
	if r.Value, err = d.value(); err != nil {
		return "", types.SensorReading{}, err
	}
	if r.Seq, err = d.u64(); err != nil {
		return "", types.SensorReading{}, err
	}
	if err := d.finish(); err != nil {
		return "", types.SensorReading{}, err
	}
	return from, r, nil
}

// EncodeIdentity encodes a peer identity for the identity topic. Device
// entries are written in sorted key order so that equal identities encode to
// equal bytes.
func EncodeIdentity(id types.PeerIdentity) []byte {
	dst := make([]byte, 0, 128)
	dst = appendBytes(dst, []byte(id.Peer))
	dst = appendString(dst, id.Name)

	names := id.DeviceNames()
	dst = appendU32(dst, uint32(len(names)))
	for _, name := range names {
		dev := id.Devices[name]
		dst = appendString(dst, name)
		dst = appendString(dst, dev.Name)
		dst = appendString(dst, dev.Type)
		dst = appendU32(dst, uint32(len(dev.Sensors)))
		for _, s := range sortedCopy(dev.Sensors) {
			dst = appendString(dst, s)
		}
		dst = appendU32(dst, uint32(len(dev.Actuators)))
		for _, a := range sortedCopy(dev.Actuators) {
			dst = appendString(dst, a)
		}
	}
	return dst
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// DecodeIdentity decodes an identity-topic payload.
func DecodeIdentity(data []byte) (types.PeerIdentity, error) {
	d := &decoder{buf: data}

	idBytes, err := d.bytes()
	if err != nil {
		return types.PeerIdentity{}, err
	}
	p, err := peer.IDFromBytes(idBytes)
	if err != nil {
		return types.PeerIdentity{}, fmt.Errorf("peer id: %w", errors.ErrMalformedFrame)
	}

	out := types.PeerIdentity{Peer: p}
	if out.Name, err = d.str(); err != nil {
		return types.PeerIdentity{}, err
	}

	n, err := d.u32()
	if err != nil {
		return types.PeerIdentity{}, err
	}
	if n > maxCollection {
		return types.PeerIdentity{}, fmt.Errorf("%d devices: %w", n, errors.ErrMalformedFrame)
	}
	out.Devices = make(map[string]types.DeviceDescriptor, n)
	for i := uint32(0); i < n; i++ {
		key, err := d.str()
		if err != nil {
			return types.PeerIdentity{}, err
		}
		var dev types.DeviceDescriptor
		if dev.Name, err = d.str(); err != nil {
			return types.PeerIdentity{}, err
		}
		if dev.Type, err = d.str(); err != nil {
			return types.PeerIdentity{}, err
		}
		if dev.Sensors, err = d.stringList(); err != nil {
			return types.PeerIdentity{}, err
		}
		if dev.Actuators, err = d.stringList(); err != nil {
			return types.PeerIdentity{}, err
		}
		out.Devices[key] = dev
	}
	if err := d.finish(); err != nil {
		return types.PeerIdentity{}, err
	}
	return out, nil
}

func (d *decoder) stringList() ([]string, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if n > maxCollection {
		return nil, fmt.Errorf("%d entries: %w", n, errors.ErrMalformedFrame)
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := d.str()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// EncodeActuatorData encodes a request payload for the actuation protocol.
func EncodeActuatorData(a types.FullActuatorData) []byte {
	dst := make([]byte, 0, 32+len(a.Device)+len(a.Actuator))
	dst = appendString(dst, a.Device)
	dst = appendString(dst, a.Actuator)
	dst = appendValue(dst, a.Data)
	return dst
}

// DecodeActuatorData decodes a request payload.
func DecodeActuatorData(data []byte) (types.FullActuatorData, error) {
	d := &decoder{buf: data}

	var out types.FullActuatorData
	var err error
	if out.Device, err = d.str(); err != nil {
		return types.FullActuatorData{}, err
	}
	if out.Actuator, err = d.str(); err != nil {
		return types.FullActuatorData{}, err
	}
	if out.Data, err = d.value(); err != nil {
		return types.FullActuatorData{}, err
	}
	if err := d.finish(); err != nil {
		return types.FullActuatorData{}, err
	}
	return out, nil
}

// EncodeActuationResponse encodes a response payload for the actuation
// protocol.
func EncodeActuationResponse(r types.ActuationResponse) []byte {
	switch r.Kind {
	case types.ResponseSuccess:
		return []byte{tagSuccess}
	case types.ResponseIgnored:
		return []byte{tagIgnored}
	case types.ResponseNoResponse:
		return []byte{tagNoResponse}
	case types.ResponseBadRequest:
		return appendString([]byte{tagBadRequest}, r.Reason)
	case types.ResponseActuatorError:
		dst := appendU64([]byte{tagActuatorError}, uint64(r.Code))
		return appendString(dst, r.Description)
	default:
		return []byte{tagNoResponse}
	}
}

// DecodeActuationResponse decodes a response payload.
func DecodeActuationResponse(data []byte) (types.ActuationResponse, error) {
	d := &decoder{buf: data}

	tag, err := d.u8()
	if err != nil {
		return types.ActuationResponse{}, err
	}

	var out types.ActuationResponse
	switch tag {
	case tagSuccess:
		out = types.Success()
	case tagIgnored:
		out = types.Ignored()
	case tagNoResponse:
		out = types.NoResponse()
	case tagBadRequest:
		reason, err := d.str()
		if err != nil {
			return types.ActuationResponse{}, err
		}
		out = types.BadRequest(reason)
	case tagActuatorError:
		code, err := d.u64()
		if err != nil {
			return types.ActuationResponse{}, err
		}
		desc, err := d.str()
		if err != nil {
			return types.ActuationResponse{}, err
		}
		out = types.ActuatorError(int64(code), desc)
	default:
		return types.ActuationResponse{}, fmt.Errorf("response tag %d: %w", tag, errors.ErrMalformedFrame)
	}
	if err := d.finish(); err != nil {
		return types.ActuationResponse{}, err
	}
	return out, nil
}

// WriteFrame writes a u32-LE length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit: %w", len(payload), errors.ErrMalformedFrame)
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one u32-LE length-prefixed frame from r, rejecting frames
// larger than MaxFrameSize.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit: %w", n, errors.ErrMalformedFrame)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
