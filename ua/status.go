package ua

import "fmt"

// StatusCode is the service result carried by response messages.
//
// The top two bits encode severity, a code is bad when the most significant bit is set.
type StatusCode uint32

// Status codes used by the client and the reference collaborators.
const (
	StatusGood                        StatusCode = 0x00000000
	StatusBadUnexpectedError          StatusCode = 0x80010000
	StatusBadCommunicationError       StatusCode = 0x80050000
	StatusBadDecodingError            StatusCode = 0x80070000
	StatusBadTimeout                  StatusCode = 0x800A0000
	StatusBadServiceUnsupported       StatusCode = 0x800B0000
	StatusBadShutdown                 StatusCode = 0x800C0000
	StatusBadSessionIDInvalid         StatusCode = 0x80250000
	StatusBadSessionClosed            StatusCode = 0x80260000
	StatusBadRequestCancelledByClient StatusCode = 0x802C0000
	StatusBadSecureChannelClosed      StatusCode = 0x80860000
	StatusBadConnectionClosed         StatusCode = 0x80AE0000
)

var statusNames = map[StatusCode]string{
	StatusGood:                        "Good",
	StatusBadUnexpectedError:          "BadUnexpectedError",
	StatusBadCommunicationError:       "BadCommunicationError",
	StatusBadDecodingError:            "BadDecodingError",
	StatusBadTimeout:                  "BadTimeout",
	StatusBadServiceUnsupported:       "BadServiceUnsupported",
	StatusBadShutdown:                 "BadShutdown",
	StatusBadSessionIDInvalid:         "BadSessionIdInvalid",
	StatusBadSessionClosed:            "BadSessionClosed",
	StatusBadRequestCancelledByClient: "BadRequestCancelledByClient",
	StatusBadSecureChannelClosed:      "BadSecureChannelClosed",
	StatusBadConnectionClosed:         "BadConnectionClosed",
}

// String returns the symbolic name of the code, or its hex value if unknown.
func (s StatusCode) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("0x%08X", uint32(s))
}

// IsGood returns if the code has good severity.
func (s StatusCode) IsGood() bool { return s&0xC0000000 == 0 }

// IsBad returns if the code has bad severity.
func (s StatusCode) IsBad() bool { return s&0x80000000 != 0 }
