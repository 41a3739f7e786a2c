// Package protocol implements the control-point encoding of the Nordic
// legacy DFU service (nRF5 SDK <= 11).
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// OpCode is the first byte of every control-point packet.
type OpCode uint8

const (
	OpStartDFU         OpCode = 0x01
	OpInitParams       OpCode = 0x02
	OpReceiveImage     OpCode = 0x03
	OpValidate         OpCode = 0x04
	OpActivateAndReset OpCode = 0x05
	OpReset            OpCode = 0x06
	OpPacketReceipt    OpCode = 0x08
	OpResponse         OpCode = 0x10
	OpReceiptNotify    OpCode = 0x11
)

func (o OpCode) String() string {
	switch o {
	case OpStartDFU:
		return "start-dfu"
	case OpInitParams:
		return "init-params"
	case OpReceiveImage:
		return "receive-image"
	case OpValidate:
		return "validate"
	case OpActivateAndReset:
		return "activate-and-reset"
	case OpReset:
		return "reset"
	case OpPacketReceipt:
		return "packet-receipt"
	case OpResponse:
		return "response"
	case OpReceiptNotify:
		return "receipt-notify"
	}
	return fmt.Sprintf("opcode(0x%02x)", uint8(o))
}

// ImageType selects which image a StartDFU request refers to.
type ImageType uint8

const (
	ImageSoftDevice  ImageType = 0x01
	ImageBootloader  ImageType = 0x02
	ImageApplication ImageType = 0x04
)

// Status is the result code carried in a response notification.
type Status uint8

const (
	StatusSuccess         Status = 0x01
	StatusInvalidState    Status = 0x02
	StatusNotSupported    Status = 0x03
	StatusDataSizeExceeds Status = 0x04
	StatusCRCError        Status = 0x05
	StatusOperationFailed Status = 0x06
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidState:
		return "invalid state"
	case StatusNotSupported:
		return "not supported"
	case StatusDataSizeExceeds:
		return "data size exceeds limit"
	case StatusCRCError:
		return "CRC error"
	case StatusOperationFailed:
		return "operation failed"
	}
	return fmt.Sprintf("status(0x%02x)", uint8(s))
}

// Response is a decoded response notification from the control point.
type Response struct {
	RequestOp OpCode
	Status    Status
}

// OK reports whether the peer accepted the request.
func (r Response) OK() bool { return r.Status == StatusSuccess }

// MarshalStartDFU encodes a StartDFU request.
//
//	byte 0: OpStartDFU
//	byte 1: image type
//
// Written to the application's control point, this makes the application
// jump into the bootloader; the link drops as the device resets.
func MarshalStartDFU(img ImageType) []byte {
	return []byte{byte(OpStartDFU), byte(img)}
}

// MarshalReset encodes a Reset request, which reboots without activating.
func MarshalReset() []byte {
	return []byte{byte(OpReset)}
}

// MarshalImageSizes encodes the image-size packet that follows StartDFU on
// the packet characteristic: three little-endian uint32 sizes.
func MarshalImageSizes(softDevice, bootloader, application uint32) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], softDevice)
	binary.LittleEndian.PutUint32(buf[4:8], bootloader)
	binary.LittleEndian.PutUint32(buf[8:12], application)
	return buf
}

// UnmarshalResponse decodes a response notification.
//
//	byte 0: OpResponse
//	byte 1: request opcode
//	byte 2: status
func UnmarshalResponse(data []byte) (*Response, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("protocol: response too short: %d bytes", len(data))
	}
	if OpCode(data[0]) != OpResponse {
		return nil, fmt.Errorf("protocol: unexpected opcode %s", OpCode(data[0]))
	}
	return &Response{RequestOp: OpCode(data[1]), Status: Status(data[2])}, nil
}

// ErrNotReceipt is returned by UnmarshalReceipt for non-receipt packets.
var ErrNotReceipt = errors.New("protocol: not a receipt notification")

// UnmarshalReceipt decodes a packet-receipt notification and returns the
// number of image bytes the peer has received so far.
func UnmarshalReceipt(data []byte) (uint32, error) {
	if len(data) < 1 || OpCode(data[0]) != OpReceiptNotify {
		return 0, ErrNotReceipt
	}
	if len(data) < 5 {
		return 0, fmt.Errorf("protocol: receipt too short: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data[1:5]), nil
}
