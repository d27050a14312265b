package gatt

import (
	"errors"
	"fmt"
)

// ATT result codes returned to the stack and exposed to scripts.
const (
	ResultSuccess                 uint8 = 0x00
	ResultReadNotPermitted        uint8 = 0x02
	ResultWriteNotPermitted       uint8 = 0x03
	ResultRequestNotSupported     uint8 = 0x06
	ResultInvalidOffset           uint8 = 0x07
	ResultAttrNotLong             uint8 = 0x0b
	ResultInvalidAttributeLength  uint8 = 0x0d
	ResultUnlikelyError           uint8 = 0x0e
	ResultCCCImproperlyConfigured uint8 = 0xfd
)

// ScriptResults are the RESULT_* constants injected into script objects.
var ScriptResults = []struct {
	Name string
	Code uint8
}{
	{"RESULT_SUCCESS", ResultSuccess},
	{"RESULT_INVALID_OFFSET", ResultInvalidOffset},
	{"RESULT_ATTR_NOT_LONG", ResultAttrNotLong},
	{"RESULT_INVALID_ATTRIBUTE_LENGTH", ResultInvalidAttributeLength},
	{"RESULT_UNLIKELY_ERROR", ResultUnlikelyError},
}

// ProtocolError is an ATT error code produced by a trampoline.
type ProtocolError uint8

func (e ProtocolError) Error() string {
	switch uint8(e) {
	case ResultReadNotPermitted:
		return "read not permitted"
	case ResultWriteNotPermitted:
		return "write not permitted"
	case ResultRequestNotSupported:
		return "request not supported"
	case ResultInvalidOffset:
		return "invalid offset"
	case ResultAttrNotLong:
		return "attribute not long"
	case ResultInvalidAttributeLength:
		return "invalid attribute value length"
	case ResultUnlikelyError:
		return "unlikely error"
	case ResultCCCImproperlyConfigured:
		return "client characteristic configuration improperly configured"
	default:
		return fmt.Sprintf("att error 0x%02x", uint8(e))
	}
}

// ResultCode maps a trampoline error to the ATT code to report.
// nil is success and foreign errors become ResultUnlikelyError.
func ResultCode(err error) uint8 {
	if err == nil {
		return ResultSuccess
	}
	var pe ProtocolError
	if errors.As(err, &pe) {
		return uint8(pe)
	}
	return ResultUnlikelyError
}
