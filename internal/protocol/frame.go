// Package protocol provides frame encoding and decoding for SAJ H1 inverter communication.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sigurn/crc16"
)

// Operation identifies the modbus function carried by a frame.
type Operation uint8

const (
	OperationRead  Operation = 0x03
	OperationWrite Operation = 0x06
)

// String returns the string representation of the operation.
func (op Operation) String() string {
	switch op {
	case OperationRead:
		return "read"
	case OperationWrite:
		return "write"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(op))
	}
}

// Device constants for the SAJ H1 data_transmission protocol.
const (
	DeviceAddress = 0x01

	// MaxRegistersPerQuery is the largest register count a single read
	// request may carry. The device accepts up to 0x7b, but 0x64 is the
	// safe bound used by the vendor app.
	MaxRegistersPerQuery = 0x64

	// Request frame markers following the request id.
	requestMarker1 = 0x58
	requestMarker2 = 0xC9

	// Response frames echo the request function code offset by 0x100.
	responseFunctionOffset = 0x100
)

// Frame layout sizes.
const (
	// [LEN][REQ_ID][0x58][0xC9][RAND] + [DEV][FN][REG][ARG] + [CRC]
	requestFrameSize = 2 + 2 + 1 + 1 + 2 + 6 + 2

	// [LEN][REQ_ID][TS][FN][SIZE] before payload and CRC.
	responseHeaderSize = 2 + 2 + 4 + 2 + 1

	// Header, empty payload and trailing CRC.
	minResponseSize = responseHeaderSize + 2
)

// Decode errors.
var (
	ErrMalformedFrame      = errors.New("malformed frame")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
	ErrUnexpectedOperation = errors.New("unexpected operation")
)

// Request is a decoded data_transmission frame, seen from the device side.
// Argument carries the register count for reads and the value for writes.
type Request struct {
	RequestID uint16
	Operation Operation
	Register  uint16
	Argument  uint16
}

// Response is a decoded data_transmission_rsp frame. Payload holds the raw
// register bytes; interpretation is left to the value formats. The frame
// carries no register address, only the echoed request id ties it back to
// the originating request.
type Response struct {
	RequestID uint16
	Timestamp time.Time
	Operation Operation
	Payload   []byte
}

// Codec encodes request frames and decodes response frames. It is stateless
// apart from the CRC table and safe for concurrent use.
type Codec struct {
	crcTable *crc16.Table
}

// NewCodec creates a new frame codec instance.
func NewCodec() *Codec {
	// CRC16/Modbus, compared big-endian on the wire
	table := crc16.MakeTable(crc16.Params{
		Poly:   0xA001,
		Init:   0xFFFF,
		RefIn:  true,
		RefOut: true,
		XorOut: 0,
	})

	return &Codec{crcTable: table}
}

// EncodeRead builds a read request frame for count registers starting at register.
func (c *Codec) EncodeRead(requestID, register, count uint16) []byte {
	return c.encodeRequest(requestID, OperationRead, register, count)
}

// EncodeWrite builds a write request frame setting register to value.
func (c *Codec) EncodeWrite(requestID, register, value uint16) []byte {
	return c.encodeRequest(requestID, OperationWrite, register, value)
}

// encodeRequest assembles the full request frame:
// [LEN u16][REQ_ID u16][0x58][0xC9][RAND u16][DEV u8][FN u8][REG u16][ARG u16][CRC u16]
// The CRC covers only the modbus content (DEV through ARG).
func (c *Codec) encodeRequest(requestID uint16, op Operation, register, arg uint16) []byte {
	frame := make([]byte, requestFrameSize)

	binary.BigEndian.PutUint16(frame[0:2], requestFrameSize-2)
	binary.BigEndian.PutUint16(frame[2:4], requestID)
	frame[4] = requestMarker1
	frame[5] = requestMarker2
	// The device ignores this field; it only has to vary between frames.
	binary.BigEndian.PutUint16(frame[6:8], requestID^0xFFFF)

	frame[8] = DeviceAddress
	frame[9] = byte(op)
	binary.BigEndian.PutUint16(frame[10:12], register)
	binary.BigEndian.PutUint16(frame[12:14], arg)

	crc := crc16.Checksum(frame[8:14], c.crcTable)
	binary.BigEndian.PutUint16(frame[14:16], crc)

	return frame
}

// Decode parses a single complete response frame:
// [LEN u16][REQ_ID u16][TS u32][FN u16][SIZE u8][CONTENT][CRC u16]
// FN echoes the request function code offset by 0x100. The CRC covers FN
// through CONTENT. Multi-chunk responses must be reassembled before Decode
// is invoked; it operates on one frame only.
func (c *Codec) Decode(frame []byte) (*Response, error) {
	if len(frame) < minResponseSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(frame), minResponseSize)
	}

	size := int(frame[responseHeaderSize-1])
	if len(frame) < responseHeaderSize+size+2 {
		return nil, fmt.Errorf("%w: payload size %d exceeds frame length %d", ErrMalformedFrame, size, len(frame))
	}

	wireCRC := binary.BigEndian.Uint16(frame[responseHeaderSize+size : responseHeaderSize+size+2])
	calcCRC := crc16.Checksum(frame[8:responseHeaderSize+size], c.crcTable)
	if wireCRC != calcCRC {
		return nil, fmt.Errorf("%w: frame 0x%04x, computed 0x%04x", ErrChecksumMismatch, wireCRC, calcCRC)
	}

	fn := binary.BigEndian.Uint16(frame[8:10])
	op := Operation(fn - responseFunctionOffset)
	if op != OperationRead && op != OperationWrite {
		return nil, fmt.Errorf("%w: function code 0x%04x", ErrUnexpectedOperation, fn)
	}

	payload := make([]byte, size)
	copy(payload, frame[responseHeaderSize:responseHeaderSize+size])

	return &Response{
		RequestID: binary.BigEndian.Uint16(frame[2:4]),
		Timestamp: time.Unix(int64(binary.BigEndian.Uint32(frame[4:8])), 0),
		Operation: op,
		Payload:   payload,
	}, nil
}

// DecodeRequest parses a request frame as the inverter would. Used by the
// device simulator and by tests.
func (c *Codec) DecodeRequest(frame []byte) (*Request, error) {
	if len(frame) != requestFrameSize {
		return nil, fmt.Errorf("%w: %d bytes, expected %d", ErrMalformedFrame, len(frame), requestFrameSize)
	}
	if frame[4] != requestMarker1 || frame[5] != requestMarker2 {
		return nil, fmt.Errorf("%w: bad markers 0x%02x 0x%02x", ErrMalformedFrame, frame[4], frame[5])
	}

	wireCRC := binary.BigEndian.Uint16(frame[14:16])
	calcCRC := crc16.Checksum(frame[8:14], c.crcTable)
	if wireCRC != calcCRC {
		return nil, fmt.Errorf("%w: frame 0x%04x, computed 0x%04x", ErrChecksumMismatch, wireCRC, calcCRC)
	}

	op := Operation(frame[9])
	if op != OperationRead && op != OperationWrite {
		return nil, fmt.Errorf("%w: function code 0x%02x", ErrUnexpectedOperation, frame[9])
	}

	return &Request{
		RequestID: binary.BigEndian.Uint16(frame[2:4]),
		Operation: op,
		Register:  binary.BigEndian.Uint16(frame[10:12]),
		Argument:  binary.BigEndian.Uint16(frame[12:14]),
	}, nil
}

// EncodeResponse builds a response frame as the inverter would. Used by the
// device simulator and by tests.
func (c *Codec) EncodeResponse(requestID uint16, op Operation, payload []byte) []byte {
	size := len(payload)
	frame := make([]byte, responseHeaderSize+size+2)

	binary.BigEndian.PutUint16(frame[0:2], uint16(len(frame)-2))
	binary.BigEndian.PutUint16(frame[2:4], requestID)
	binary.BigEndian.PutUint32(frame[4:8], uint32(time.Now().Unix()))
	binary.BigEndian.PutUint16(frame[8:10], uint16(op)+responseFunctionOffset)
	frame[10] = byte(size)
	copy(frame[responseHeaderSize:], payload)

	crc := crc16.Checksum(frame[8:responseHeaderSize+size], c.crcTable)
	binary.BigEndian.PutUint16(frame[responseHeaderSize+size:], crc)

	return frame
}

// FormatFrameHex returns a hex representation of frame data for logging.
func FormatFrameHex(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return hex.EncodeToString(data)
}
