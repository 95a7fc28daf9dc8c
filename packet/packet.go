// Package packet implements the tinyssb wire format: 120-byte signed feed
// entries, 128-byte blob frames and the VarInt and payload encodings used
// inside them. It is pure: no file or network I/O.
package packet

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"tinyssb.dev/node/crypto"
)

// NamePrefix is the protocol version literal that opens every virtual name.
const NamePrefix = "tinyssb-0.0.1"

const (
	NameSize    = len(NamePrefix) + 32 + 4 + 20 // 69
	WireSize    = 120
	RecordSize  = 128 // 8 reserved + wire
	FrameSize   = 128 // blob frame: 8 reserved + 100 payload + 20 ptr
	PayloadSize = 48
	DMXSize     = 7
	MIDSize     = 20
	SigSize     = 64

	// RecordReserved is the number of leading reserved bytes in a log
	// record and in a blob frame.
	RecordReserved = 8
)

// Type is the 8-bit packet type discriminator.
type Type byte

const (
	Plain48 Type = 0x00
	Chain20 Type = 0x01
	IsChild Type = 0x02
	IsContn Type = 0x03
	MkChild Type = 0x04
	ContDas Type = 0x05
	UpdFile Type = 0x06
	ApplyUp Type = 0x07
)

func (t Type) String() string {
	switch t {
	case Plain48:
		return "PLAIN48"
	case Chain20:
		return "CHAIN20"
	case IsChild:
		return "ISCHILD"
	case IsContn:
		return "ISCONTN"
	case MkChild:
		return "MKCHILD"
	case ContDas:
		return "CONTDAS"
	case UpdFile:
		return "UPDFILE"
	case ApplyUp:
		return "APPLYUP"
	default:
		return fmt.Sprintf("TYPE(0x%02x)", byte(t))
	}
}

// Packet is a fully derived feed entry: the wire fields plus the virtual
// values (name, DMX, MID) a receiver reconstructs from feed state.
type Packet struct {
	FID       [32]byte
	Seq       uint32
	PrevMID   [20]byte
	Type      Type
	Payload   [PayloadSize]byte
	DMX       [DMXSize]byte
	Signature [SigSize]byte
	MID       [MIDSize]byte
}

// Name builds the 69-byte virtual name: prefix | fid | seq | prev_mid.
func Name(fid [32]byte, seq uint32, prevMID [20]byte) [NameSize]byte {
	var name [NameSize]byte
	n := copy(name[:], NamePrefix)
	n += copy(name[n:], fid[:])
	putU32(name[n:], seq)
	n += 4
	copy(name[n:], prevMID[:])
	return name
}

// DMX derives the 7-byte demultiplexing tag of a virtual name.
func DMX(name []byte) [DMXSize]byte {
	var dmx [DMXSize]byte
	sum := sha256.Sum256(name)
	copy(dmx[:], sum[:DMXSize])
	return dmx
}

// WantDMX derives the tag under which want requests for a feed travel.
func WantDMX(fid [32]byte) [DMXSize]byte {
	var dmx [DMXSize]byte
	sum := sha256.Sum256(append(append([]byte{}, fid[:]...), []byte("want")...))
	copy(dmx[:], sum[:DMXSize])
	return dmx
}

// Hash20 is the truncated SHA-256 used for message ids and blob pointers.
func Hash20(b []byte) [MIDSize]byte {
	var out [MIDSize]byte
	sum := sha256.Sum256(b)
	copy(out[:], sum[:MIDSize])
	return out
}

// New builds and signs a packet. The payload may be shorter than 48 bytes;
// it is zero-padded. Longer payloads are an error.
func New(prov crypto.Provider, key []byte, fid [32]byte, seq uint32, prevMID [20]byte, typ Type, payload []byte) (*Packet, error) {
	if len(payload) > PayloadSize {
		return nil, fmt.Errorf("payload must be <= %d bytes (got %d)", PayloadSize, len(payload))
	}
	p := &Packet{FID: fid, Seq: seq, PrevMID: prevMID, Type: typ}
	copy(p.Payload[:], payload)

	name := Name(fid, seq, prevMID)
	p.DMX = DMX(name[:])

	sig, err := prov.Sign(key, p.expanded(name))
	if err != nil {
		return nil, err
	}
	p.Signature = sig
	p.MID = p.mid(name)
	return p, nil
}

// FromWire re-derives the expected name for (fid, seq, prevMID), checks the
// DMX and signature of the 120-byte wire packet and returns the decoded
// packet. Any mismatch returns an error and no packet.
func FromWire(prov crypto.Provider, fid [32]byte, seq uint32, prevMID [20]byte, wire []byte) (*Packet, error) {
	if len(wire) != WireSize {
		return nil, fmt.Errorf("wire packet must be %d bytes (got %d)", WireSize, len(wire))
	}
	name := Name(fid, seq, prevMID)
	dmx := DMX(name[:])
	if !bytes.Equal(dmx[:], wire[:DMXSize]) {
		return nil, fmt.Errorf("dmx mismatch for seq %d", seq)
	}

	p := &Packet{FID: fid, Seq: seq, PrevMID: prevMID, Type: Type(wire[DMXSize])}
	copy(p.Payload[:], wire[DMXSize+1:DMXSize+1+PayloadSize])
	copy(p.Signature[:], wire[DMXSize+1+PayloadSize:])
	p.DMX = dmx

	if !prov.Verify(fid[:], p.expanded(name), p.Signature) {
		return nil, fmt.Errorf("signature invalid for seq %d", seq)
	}
	p.MID = p.mid(name)
	return p, nil
}

// Wire returns the 120-byte transport form: dmx | type | payload | signature.
func (p *Packet) Wire() [WireSize]byte {
	var wire [WireSize]byte
	n := copy(wire[:], p.DMX[:])
	wire[n] = byte(p.Type)
	n++
	n += copy(wire[n:], p.Payload[:])
	copy(wire[n:], p.Signature[:])
	return wire
}

// expanded is the virtual record the signature covers:
// name | dmx | type | payload.
func (p *Packet) expanded(name [NameSize]byte) []byte {
	out := make([]byte, 0, NameSize+DMXSize+1+PayloadSize)
	out = append(out, name[:]...)
	out = append(out, p.DMX[:]...)
	out = append(out, byte(p.Type))
	out = append(out, p.Payload[:]...)
	return out
}

// mid hashes the expanded record plus signature down to the 20-byte message
// id the next packet's name chains on.
func (p *Packet) mid(name [NameSize]byte) [MIDSize]byte {
	full := append(p.expanded(name), p.Signature[:]...)
	return Hash20(full)
}

func putU32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

// U32 reads a big-endian protocol integer.
func U32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// PutU32 writes a big-endian protocol integer.
func PutU32(dst []byte, v uint32) {
	putU32(dst, v)
}
