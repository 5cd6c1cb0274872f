package ua

import (
	"encoding/binary"
	"fmt"
)

// SecurityTokenRequestType tells whether an OpenSecureChannel request issues a new token
// or renews the current one.
type SecurityTokenRequestType uint32

const (
	TokenIssue SecurityTokenRequestType = 0
	TokenRenew SecurityTokenRequestType = 1
)

func (t SecurityTokenRequestType) String() string {
	if t == TokenRenew {
		return "renew"
	}

	return "issue"
}

// OpenSecureChannelRequest is the body of an OpenSecureChannel request.
type OpenSecureChannelRequest struct {
	RequestType SecurityTokenRequestType
	// RequestedLifetime is the requested token lifetime in milliseconds.
	RequestedLifetime uint32
}

// MarshalBinary encodes the request in little-endian order.
func (r OpenSecureChannelRequest) MarshalBinary() ([]byte, error) {
	if r.RequestType != TokenIssue && r.RequestType != TokenRenew {
		return nil, fmt.Errorf("%w: unknown security token request type %d", ErrProtocol, r.RequestType)
	}

	buf := make([]byte, 0, 8)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(r.RequestType))
	buf = binary.LittleEndian.AppendUint32(buf, r.RequestedLifetime)

	return buf, nil
}

// UnmarshalBinary decodes a request produced by MarshalBinary.
func (r *OpenSecureChannelRequest) UnmarshalBinary(data []byte) error {
	if len(data) != 8 {
		return fmt.Errorf("%w: open secure channel request must be 8 bytes, got %d", ErrProtocol, len(data))
	}

	r.RequestType = SecurityTokenRequestType(binary.LittleEndian.Uint32(data[0:]))
	r.RequestedLifetime = binary.LittleEndian.Uint32(data[4:])

	return nil
}

// CreateSessionResponse is the body of a CreateSession response.
type CreateSessionResponse struct {
	SessionID           uint32
	AuthenticationToken uint32
	// RevisedSessionTimeout is the session timeout granted by the server in milliseconds.
	RevisedSessionTimeout uint32
}

// MarshalBinary encodes the response in little-endian order.
func (r CreateSessionResponse) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 12)
	buf = binary.LittleEndian.AppendUint32(buf, r.SessionID)
	buf = binary.LittleEndian.AppendUint32(buf, r.AuthenticationToken)
	buf = binary.LittleEndian.AppendUint32(buf, r.RevisedSessionTimeout)

	return buf, nil
}

// UnmarshalBinary decodes a response produced by MarshalBinary.
func (r *CreateSessionResponse) UnmarshalBinary(data []byte) error {
	if len(data) != 12 {
		return fmt.Errorf("%w: create session response must be 12 bytes, got %d", ErrProtocol, len(data))
	}

	r.SessionID = binary.LittleEndian.Uint32(data[0:])
	r.AuthenticationToken = binary.LittleEndian.Uint32(data[4:])
	r.RevisedSessionTimeout = binary.LittleEndian.Uint32(data[8:])

	return nil
}

// ActivateSessionRequest is the body of an ActivateSession request.
type ActivateSessionRequest struct {
	AuthenticationToken uint32
}

// MarshalBinary encodes the request in little-endian order.
func (r ActivateSessionRequest) MarshalBinary() ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, r.AuthenticationToken), nil
}

// UnmarshalBinary decodes a request produced by MarshalBinary.
func (r *ActivateSessionRequest) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("%w: activate session request must be 4 bytes, got %d", ErrProtocol, len(data))
	}

	r.AuthenticationToken = binary.LittleEndian.Uint32(data)

	return nil
}
