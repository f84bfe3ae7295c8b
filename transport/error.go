package transport

import (
	"errors"
	"fmt"
)

// Transport error codes, https://www.rfc-editor.org/rfc/rfc9000.html#section-20.1
const (
	NoError                 = 0x0
	InternalError           = 0x1
	ConnectionRefused       = 0x2
	FlowControlError        = 0x3
	StreamLimitError        = 0x4
	StreamStateError        = 0x5
	FinalSizeError          = 0x6
	FrameEncodingError      = 0x7
	TransportParameterError = 0x8
	ConnectionIDLimitError  = 0x9
	ProtocolViolation       = 0xa
	InvalidToken            = 0xb
	ApplicationError        = 0xc
	CryptoBufferExceeded    = 0xd
	KeyUpdateError          = 0xe
	AEADLimitReached        = 0xf
	NoViablePath            = 0x10
	// CryptoError is the base of the CRYPTO_ERROR range: 0x100 + TLS alert code.
	CryptoError = 0x100
)

type Error struct {
	Code    uint64
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("error_code=%s reason=%s", errorCodeName(e.Code), e.Message)
	}
	return fmt.Sprintf("error_code=%s", errorCodeName(e.Code))
}

func newError(code uint64, msg string, v ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(msg, v...),
	}
}

var transportErrorNames = map[uint64]string{
	NoError:                 "no_error",
	InternalError:           "internal_error",
	ConnectionRefused:       "connection_refused",
	FlowControlError:        "flow_control_error",
	StreamLimitError:        "stream_limit_error",
	StreamStateError:        "stream_state_error",
	FinalSizeError:          "final_size_error",
	FrameEncodingError:      "frame_encoding_error",
	TransportParameterError: "transport_parameter_error",
	ConnectionIDLimitError:  "connection_id_limit_error",
	ProtocolViolation:       "protocol_violation",
	InvalidToken:            "invalid_token",
	ApplicationError:        "application_error",
	CryptoBufferExceeded:    "crypto_buffer_exceeded",
	KeyUpdateError:          "key_update_error",
	AEADLimitReached:        "aead_limit_reached",
	NoViablePath:            "no_viable_path",
}

// errorCodeName returns the qlog error code name for a transport error code,
// https://www.rfc-editor.org/rfc/rfc9000.html#section-20.1
func errorCodeName(code uint64) string {
	if code >= CryptoError {
		return fmt.Sprintf("crypto_error_%d", code-CryptoError)
	}
	if name, ok := transportErrorNames[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown_error_%d", code)
}

var (
	errFlowControl       = newError(FlowControlError, "FlowControl")
	errStreamLimit       = newError(StreamLimitError, "StreamLimit")
	errFinalSize         = newError(FinalSizeError, "FinalSize")
	errInvalidPacket     = newError(FrameEncodingError, "PacketEncoding")
	errInvalidFrame      = newError(FrameEncodingError, "FrameEncoding")
	errProtocolViolation = newError(ProtocolViolation, "ProtocolViolation")

	errShortBuffer = errors.New("ShortBuffer")
)
