package ua

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ServiceType identifies the encoding of a service request or response body.
// Values follow the numeric binary encoding ids of the corresponding data types.
type ServiceType uint16

// Service types known to the client.
const (
	ServiceUnknown                   ServiceType = 0
	ServiceFault                     ServiceType = 397
	ServiceOpenSecureChannelRequest  ServiceType = 446
	ServiceOpenSecureChannelResponse ServiceType = 449
	ServiceCloseSecureChannelRequest ServiceType = 452
	ServiceCreateSessionRequest      ServiceType = 461
	ServiceCreateSessionResponse     ServiceType = 464
	ServiceActivateSessionRequest    ServiceType = 467
	ServiceActivateSessionResponse   ServiceType = 470
	ServiceCloseSessionRequest       ServiceType = 473
	ServiceCloseSessionResponse      ServiceType = 476
	ServiceReadRequest               ServiceType = 631
	ServiceReadResponse              ServiceType = 634
	ServicePublishRequest            ServiceType = 826
	ServicePublishResponse           ServiceType = 829
)

var serviceNames = map[ServiceType]string{
	ServiceUnknown:                   "Unknown",
	ServiceFault:                     "ServiceFault",
	ServiceOpenSecureChannelRequest:  "OpenSecureChannelRequest",
	ServiceOpenSecureChannelResponse: "OpenSecureChannelResponse",
	ServiceCloseSecureChannelRequest: "CloseSecureChannelRequest",
	ServiceCreateSessionRequest:      "CreateSessionRequest",
	ServiceCreateSessionResponse:     "CreateSessionResponse",
	ServiceActivateSessionRequest:    "ActivateSessionRequest",
	ServiceActivateSessionResponse:   "ActivateSessionResponse",
	ServiceCloseSessionRequest:       "CloseSessionRequest",
	ServiceCloseSessionResponse:      "CloseSessionResponse",
	ServiceReadRequest:               "ReadRequest",
	ServiceReadResponse:              "ReadResponse",
	ServicePublishRequest:            "PublishRequest",
	ServicePublishResponse:           "PublishResponse",
}

var responseTypes = map[ServiceType]ServiceType{
	ServiceOpenSecureChannelRequest: ServiceOpenSecureChannelResponse,
	ServiceCreateSessionRequest:     ServiceCreateSessionResponse,
	ServiceActivateSessionRequest:   ServiceActivateSessionResponse,
	ServiceCloseSessionRequest:      ServiceCloseSessionResponse,
	ServiceReadRequest:              ServiceReadResponse,
	ServicePublishRequest:           ServicePublishResponse,
}

// String returns the data type name of the service.
func (s ServiceType) String() string {
	if name, ok := serviceNames[s]; ok {
		return name
	}

	return fmt.Sprintf("Service(%d)", uint16(s))
}

// ResponseType returns the response type expected for request type s,
// or ServiceUnknown if s is not a known request.
func (s ServiceType) ResponseType() ServiceType {
	return responseTypes[s]
}

// Attribute ids.
const (
	AttributeValue uint32 = 13
)

// Well-known node of the server status state variable, read by the connectivity probe.
const ServerStatusStateNode = 2259

// NodeID is a numeric node identifier.
type NodeID struct {
	Namespace  uint16
	Identifier uint32
}

// NewNumericNodeID creates a numeric NodeID.
func NewNumericNodeID(ns uint16, id uint32) NodeID {
	return NodeID{Namespace: ns, Identifier: id}
}

// String returns the node id in "ns=<n>;i=<id>" notation.
func (n NodeID) String() string {
	return fmt.Sprintf("ns=%d;i=%d", n.Namespace, n.Identifier)
}

// ReadValueID names a single attribute to read.
type ReadValueID struct {
	NodeID      NodeID
	AttributeID uint32
}

// Timestamps to return with read results.
const (
	TimestampsSource  uint32 = 0
	TimestampsServer  uint32 = 1
	TimestampsBoth    uint32 = 2
	TimestampsNeither uint32 = 3
)

// ReadRequest is a minimal read service body.
type ReadRequest struct {
	MaxAge             float64
	TimestampsToReturn uint32
	NodesToRead        []ReadValueID
}

const readValueIDSize = 2 + 4 + 4

// NewServerStateReadRequest creates the read of the server status state value used to probe liveness.
func NewServerStateReadRequest() *ReadRequest {
	return &ReadRequest{
		TimestampsToReturn: TimestampsNeither,
		NodesToRead: []ReadValueID{
			{NodeID: NewNumericNodeID(0, ServerStatusStateNode), AttributeID: AttributeValue},
		},
	}
}

// MarshalBinary encodes the request body in little-endian order.
func (r *ReadRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8+4+4, 16+len(r.NodesToRead)*readValueIDSize)
	binary.LittleEndian.PutUint64(buf[0:], math.Float64bits(r.MaxAge))
	binary.LittleEndian.PutUint32(buf[8:], r.TimestampsToReturn)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(r.NodesToRead))) //nolint:gosec

	for _, rv := range r.NodesToRead {
		buf = binary.LittleEndian.AppendUint16(buf, rv.NodeID.Namespace)
		buf = binary.LittleEndian.AppendUint32(buf, rv.NodeID.Identifier)
		buf = binary.LittleEndian.AppendUint32(buf, rv.AttributeID)
	}

	return buf, nil
}

// UnmarshalBinary decodes a request body produced by MarshalBinary.
func (r *ReadRequest) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("%w: read request too short: %d bytes", ErrProtocol, len(data))
	}

	r.MaxAge = math.Float64frombits(binary.LittleEndian.Uint64(data[0:]))
	r.TimestampsToReturn = binary.LittleEndian.Uint32(data[8:])
	count := binary.LittleEndian.Uint32(data[12:])

	rest := data[16:]
	if uint64(count)*readValueIDSize != uint64(len(rest)) {
		return fmt.Errorf("%w: read request declares %d nodes but carries %d bytes", ErrProtocol, count, len(rest))
	}

	r.NodesToRead = make([]ReadValueID, count)
	for i := range r.NodesToRead {
		off := i * readValueIDSize
		r.NodesToRead[i] = ReadValueID{
			NodeID: NodeID{
				Namespace:  binary.LittleEndian.Uint16(rest[off:]),
				Identifier: binary.LittleEndian.Uint32(rest[off+2:]),
			},
			AttributeID: binary.LittleEndian.Uint32(rest[off+6:]),
		}
	}

	return nil
}

// errEmptyPayload is returned when a channel message is expected to carry a body.
var errEmptyPayload = errors.New("empty payload")

// ChannelToken carries the secure channel token granted by the server.
type ChannelToken struct {
	ChannelID uint32
	TokenID   uint32
	// RevisedLifetime is the token lifetime granted by the server in milliseconds.
	RevisedLifetime uint32
}

// MarshalBinary encodes the token in little-endian order.
func (t ChannelToken) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 12)
	buf = binary.LittleEndian.AppendUint32(buf, t.ChannelID)
	buf = binary.LittleEndian.AppendUint32(buf, t.TokenID)
	buf = binary.LittleEndian.AppendUint32(buf, t.RevisedLifetime)

	return buf, nil
}

// UnmarshalBinary decodes a token produced by MarshalBinary.
func (t *ChannelToken) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: channel token: %w", ErrProtocol, errEmptyPayload)
	}
	if len(data) != 12 {
		return fmt.Errorf("%w: channel token must be 12 bytes, got %d", ErrProtocol, len(data))
	}

	t.ChannelID = binary.LittleEndian.Uint32(data[0:])
	t.TokenID = binary.LittleEndian.Uint32(data[4:])
	t.RevisedLifetime = binary.LittleEndian.Uint32(data[8:])

	return nil
}
