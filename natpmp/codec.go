package natpmp

import (
	"encoding/binary"
	"net/netip"
	"time"
)

// Version is the expected protocol version for NAT-PMP.
const Version = 0

// Port is the UDP port on which a NAT gateway listens for NAT-PMP requests.
const Port = 5351

// An Operation is a NAT-PMP request opcode. A gateway's response carries the
// request opcode with the high bit set.
type Operation uint8

// Possible Operation values, as defined in RFC 6886, sections 3.2 and 3.3.
const (
	OpExternalAddress Operation = 0
	OpMapUDP          Operation = 1
	OpMapTCP          Operation = 2
)

// responseBit marks an opcode as a response.
const responseBit = 0x80

// Response returns the opcode a gateway uses to answer op.
func (op Operation) Response() uint8 { return uint8(op) | responseBit }

// isMapping reports whether op creates or deletes a port mapping.
func (op Operation) isMapping() bool { return op == OpMapUDP || op == OpMapTCP }

// A ResultCode is the outcome of a NAT-PMP request reported by a gateway.
// Values not defined by RFC 6886 are preserved as-is.
type ResultCode uint16

// Possible ResultCodes as defined in RFC 6886, section 3.5.
const (
	// Success indicates the gateway performed the request.
	Success ResultCode = 0

	// UnsupportedVersion indicates an unexpected NAT-PMP/PCP protocol version
	// was used to contact a NAT gateway.
	UnsupportedVersion ResultCode = 1

	// NotAuthorized indicates that the NAT gateway supports mapping but the
	// mapping functionality is administratively disabled.
	NotAuthorized ResultCode = 2

	// NetworkFailure indicates that the NAT gateway has not obtained a DHCP
	// lease and thus cannot provide an external IPv4 address.
	NetworkFailure ResultCode = 3

	// OutOfResources indicates that the NAT gateway cannot create any more
	// mappings at this time.
	OutOfResources ResultCode = 4

	// UnsupportedOpcode indicates that the NAT gateway does not recognize the
	// requested operation.
	UnsupportedOpcode ResultCode = 5
)

// Known reports whether rc is one of the result codes defined by RFC 6886.
func (rc ResultCode) Known() bool { return rc <= UnsupportedOpcode }

// Err returns nil for Success and a ResultError for any other code.
func (rc ResultCode) Err() error {
	if rc == Success {
		return nil
	}
	return ResultError(rc)
}

// Frame sizes.
const (
	requestSize         = 12
	addressRequestSize  = 2
	addressResponseSize = 12
	mapResponseSize     = 16
)

// A field is a big-endian integer at a fixed offset of a frame.
type field struct{ off, size int }

// Frame layout, RFC 6886 sections 3.2 and 3.3. Requests and responses share
// the first two fields and diverge from offset 2.
var (
	fVersion = field{0, 1}
	fOpcode  = field{1, 1}

	fReqReserved = field{2, 2}
	fReqInternal = field{4, 2}
	fReqExternal = field{6, 2}
	fReqLifetime = field{8, 4}

	fResult      = field{2, 2}
	fEpoch       = field{4, 4}
	fExternalIP  = field{8, 4}
	fResInternal = field{8, 2}
	fResExternal = field{10, 2}
	fResLifetime = field{12, 4}
)

func (f field) get(b []byte) uint32 {
	switch f.size {
	case 1:
		return uint32(b[f.off])
	case 2:
		return uint32(binary.BigEndian.Uint16(b[f.off : f.off+2]))
	default:
		return binary.BigEndian.Uint32(b[f.off : f.off+4])
	}
}

func (f field) put(b []byte, v uint32) {
	switch f.size {
	case 1:
		b[f.off] = uint8(v)
	case 2:
		binary.BigEndian.PutUint16(b[f.off:f.off+2], uint16(v))
	default:
		binary.BigEndian.PutUint32(b[f.off:f.off+4], v)
	}
}

func (f field) bytes(b []byte) []byte { return b[f.off : f.off+f.size] }

func seconds(v uint32) time.Duration { return time.Duration(v) * time.Second }

// EncodeRequest serializes a 12-byte NAT-PMP request frame. For
// OpExternalAddress the port and lifetime arguments are ignored and the frame
// is all zero. For OpMapUDP and OpMapTCP the arguments are validated as by
// NewMappingRequest.
func EncodeRequest(op Operation, internalPort, externalPort int, lifetime time.Duration) ([]byte, error) {
	if op == OpExternalAddress {
		// Version 0 and opcode 0 are implicit when allocating the slice.
		return make([]byte, requestSize), nil
	}

	mr, err := NewMappingRequest(op, internalPort, externalPort, lifetime)
	if err != nil {
		return nil, err
	}

	return mr.MarshalBinary()
}

// An AddressResponse is the response from a NAT gateway to an external
// address request, as described in RFC 6886, section 3.2.
type AddressResponse struct {
	Version uint8
	Opcode  uint8
	Result  ResultCode

	// SinceStartOfEpoch specifies an estimated amount of time since the NAT
	// gateway has started, reset, or lost its mapping state.
	SinceStartOfEpoch time.Duration

	// ExternalIP is the gateway's external IPv4 address. It is the zero
	// netip.Addr whenever Result is not Success, because the gateway leaves
	// the address bytes undefined in that case.
	ExternalIP netip.Addr
}

// DecodeAddressResponse parses a 12-byte external address response.
func DecodeAddressResponse(b []byte) (*AddressResponse, error) {
	if len(b) != addressResponseSize {
		return nil, protocolf("external address response is %d bytes, want %d", len(b), addressResponseSize)
	}
	if err := checkOpcode(b, OpExternalAddress); err != nil {
		return nil, err
	}

	res := &AddressResponse{
		Version:           uint8(fVersion.get(b)),
		Opcode:            uint8(fOpcode.get(b)),
		Result:            ResultCode(fResult.get(b)),
		SinceStartOfEpoch: seconds(fEpoch.get(b)),
	}

	if res.Result == Success {
		res.ExternalIP = netip.AddrFrom4([4]byte(fExternalIP.bytes(b)))
	}

	return res, nil
}

// checkOpcode verifies that b carries the response opcode for op.
func checkOpcode(b []byte, op Operation) error {
	got := uint8(fOpcode.get(b))
	if got&responseBit == 0 {
		return protocolf("opcode %d is not a response", got)
	}
	if Operation(got&^responseBit) != op {
		return protocolf("unexpected response opcode: %d != %d", got, op.Response())
	}

	return nil
}
