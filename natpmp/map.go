package natpmp

import (
	"math"
	"time"
)

// DefaultLifetime is the mapping lifetime recommended by RFC 6886, section
// 3.3.
const DefaultLifetime = 2 * time.Hour

// maxLifetime is the largest lifetime which fits the 32-bit wire field.
const maxLifetime = math.MaxUint32 * time.Second

// A MappingRequest is used to create or delete an external port mapping using
// a NAT gateway. The zero value is not a valid request; use NewMappingRequest
// or DeleteRequest.
type MappingRequest struct {
	op       Operation
	internal uint16
	external uint16
	lifetime uint32
}

// NewMappingRequest creates a request for a port mapping of type op, which
// must be OpMapUDP or OpMapTCP.
//
// internalPort is the port of a service running on this host. externalPort
// is a suggestion for the gateway; if zero, the gateway allocates a port of
// its choosing. lifetime is truncated to whole seconds; a zero lifetime
// deletes the mapping. DefaultLifetime is the recommended value.
func NewMappingRequest(op Operation, internalPort, externalPort int, lifetime time.Duration) (MappingRequest, error) {
	if !op.isMapping() {
		return MappingRequest{}, badRequestf("invalid mapping operation: %s", op)
	}
	if p := internalPort; p < 0 || p > math.MaxUint16 {
		return MappingRequest{}, badRequestf("internal port out of range: %d", p)
	}
	if p := externalPort; p < 0 || p > math.MaxUint16 {
		return MappingRequest{}, badRequestf("external port out of range: %d", p)
	}
	if lifetime < 0 || lifetime > maxLifetime {
		return MappingRequest{}, badRequestf("lifetime out of range: %s", lifetime)
	}

	return MappingRequest{
		op:       op,
		internal: uint16(internalPort),
		external: uint16(externalPort),
		lifetime: uint32(lifetime / time.Second),
	}, nil
}

// DeleteRequest creates a request which deletes the mapping of type op for
// internalPort, as described in RFC 6886, section 3.4.
func DeleteRequest(op Operation, internalPort int) (MappingRequest, error) {
	return NewMappingRequest(op, internalPort, 0, 0)
}

// Operation returns the mapping type of mr.
func (mr MappingRequest) Operation() Operation { return mr.op }

// InternalPort returns the port of the local service.
func (mr MappingRequest) InternalPort() int { return int(mr.internal) }

// SuggestedExternalPort returns the external port suggested to the gateway.
func (mr MappingRequest) SuggestedExternalPort() int { return int(mr.external) }

// RequestedLifetime returns the requested lifetime of the mapping.
func (mr MappingRequest) RequestedLifetime() time.Duration { return seconds(mr.lifetime) }

// MarshalBinary implements encoding.BinaryMarshaler.
func (mr MappingRequest) MarshalBinary() ([]byte, error) {
	if !mr.op.isMapping() {
		return nil, badRequestf("invalid mapping operation: %s", mr.op)
	}

	// Version 0 and the reserved field are implicit when allocating the slice.
	b := make([]byte, requestSize)
	fOpcode.put(b, uint32(mr.op))
	fReqInternal.put(b, uint32(mr.internal))
	fReqExternal.put(b, uint32(mr.external))
	fReqLifetime.put(b, mr.lifetime)

	return b, nil
}

// ParseMappingRequest parses a 12-byte mapping request frame.
func ParseMappingRequest(b []byte) (MappingRequest, error) {
	if len(b) != requestSize {
		return MappingRequest{}, protocolf("mapping request is %d bytes, want %d", len(b), requestSize)
	}
	if v := fVersion.get(b); v != Version {
		return MappingRequest{}, protocolf("unexpected protocol version: %d", v)
	}
	if r := fReqReserved.get(b); r != 0 {
		return MappingRequest{}, protocolf("reserved field is not zero: %#04x", r)
	}

	op := Operation(fOpcode.get(b))
	if !op.isMapping() {
		return MappingRequest{}, protocolf("unexpected request opcode: %d", op)
	}

	return MappingRequest{
		op:       op,
		internal: uint16(fReqInternal.get(b)),
		external: uint16(fReqExternal.get(b)),
		lifetime: fReqLifetime.get(b),
	}, nil
}

// A MapResponse is the response from a NAT gateway to a mapping request, as
// described in RFC 6886, section 3.3.
type MapResponse struct {
	Version uint8
	Opcode  uint8
	Result  ResultCode

	// SinceStartOfEpoch specifies an estimated amount of time since the NAT
	// gateway has started, reset, or lost its mapping state.
	SinceStartOfEpoch time.Duration

	// InternalPort specifies the port of a service running on this host which
	// has received an external mapping from the NAT gateway.
	InternalPort int

	// ExternalPort specifies the external port chosen by the NAT gateway which
	// will forward traffic to the InternalPort for this host.
	ExternalPort int

	// Lifetime specifies the duration a port mapping will remain valid with
	// the NAT gateway.
	Lifetime time.Duration
}

// DecodeMapResponse parses a 16-byte mapping response. op is the operation
// of the request the response answers; a response for any other operation is
// rejected.
func DecodeMapResponse(b []byte, op Operation) (*MapResponse, error) {
	if !op.isMapping() {
		return nil, badRequestf("invalid mapping operation: %s", op)
	}
	if len(b) != mapResponseSize {
		return nil, protocolf("mapping response is %d bytes, want %d", len(b), mapResponseSize)
	}
	if err := checkOpcode(b, op); err != nil {
		return nil, err
	}

	return &MapResponse{
		Version:           uint8(fVersion.get(b)),
		Opcode:            uint8(fOpcode.get(b)),
		Result:            ResultCode(fResult.get(b)),
		SinceStartOfEpoch: seconds(fEpoch.get(b)),
		InternalPort:      int(fResInternal.get(b)),
		ExternalPort:      int(fResExternal.get(b)),
		Lifetime:          seconds(fResLifetime.get(b)),
	}, nil
}
