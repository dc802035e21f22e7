// Package natpmp implements a client for the NAT Port Mapping Protocol
// (NAT-PMP) as described in RFC 6886.
//
// A Client discovers a gateway's external IPv4 address and creates or
// deletes UDP and TCP port mappings. Each call is a single request/response
// exchange, retransmitted with exponential backoff as required by
// RFC 6886, section 3.1.
package natpmp // import "inet.af/natpmp/natpmp"

//go:generate stringer -type=ResultCode,Operation -output=strings.go
