package packet

import "fmt"

// Payload shapes of the metafeed and version-control packet types.

// RefPayload builds the first-packet payload of a child or continuation
// feed: parent fid | parent seq | SHA-256(parent wire)[:12]. The hash binds
// the new feed to the exact packet that declared it.
func RefPayload(fid [32]byte, seq uint32, wire [WireSize]byte) [PayloadSize]byte {
	var out [PayloadSize]byte
	n := copy(out[:], fid[:])
	PutU32(out[n:], seq)
	n += 4
	sum := Hash20(wire[:])
	copy(out[n:], sum[:12])
	return out
}

// ParseRef decodes a RefPayload into the referenced feed id, sequence and
// 12-byte wire hash.
func ParseRef(payload []byte) (fid [32]byte, seq uint32, wireHash [12]byte, err error) {
	if len(payload) != PayloadSize {
		return fid, 0, wireHash, fmt.Errorf("ref payload must be %d bytes (got %d)", PayloadSize, len(payload))
	}
	copy(fid[:], payload[:32])
	seq = U32(payload[32:36])
	copy(wireHash[:], payload[36:48])
	return fid, seq, wireHash, nil
}

// FIDPayload builds the MKCHILD/CONTDAS payload naming another feed.
func FIDPayload(fid [32]byte) [PayloadSize]byte {
	var out [PayloadSize]byte
	copy(out[:], fid[:])
	return out
}

// PayloadFID extracts the feed id a MKCHILD/CONTDAS payload names.
func PayloadFID(payload []byte) [32]byte {
	var fid [32]byte
	copy(fid[:], payload[:32])
	return fid
}

// UpdFilePayload encodes file-update feed metadata:
// VarInt(len) | file name | base version.
func UpdFilePayload(name string, baseVersion uint32) ([PayloadSize]byte, error) {
	var out [PayloadSize]byte
	buf := AppendVarint(nil, uint64(len(name)))
	buf = append(buf, name...)
	if len(buf)+4 > PayloadSize {
		return out, fmt.Errorf("file name %q too long for UPDFILE payload", name)
	}
	n := copy(out[:], buf)
	PutU32(out[n:], baseVersion)
	return out, nil
}

// ParseUpdFile decodes an UPDFILE payload into file name and base version.
func ParseUpdFile(payload []byte) (string, uint32, error) {
	if len(payload) != PayloadSize {
		return "", 0, fmt.Errorf("updfile payload must be %d bytes (got %d)", PayloadSize, len(payload))
	}
	nameLen, n, err := Varint(payload)
	if err != nil {
		return "", 0, err
	}
	if n+int(nameLen)+4 > PayloadSize {
		return "", 0, fmt.Errorf("updfile name length %d out of bounds", nameLen)
	}
	name := string(payload[n : n+int(nameLen)])
	base := U32(payload[n+int(nameLen) : n+int(nameLen)+4])
	return name, base, nil
}

// ApplyPayload encodes an APPLYUP entry: file-update feed id | version.
func ApplyPayload(fid [32]byte, version uint32) [PayloadSize]byte {
	var out [PayloadSize]byte
	n := copy(out[:], fid[:])
	PutU32(out[n:], version)
	return out
}

// ParseApply decodes an APPLYUP payload.
func ParseApply(payload []byte) (fid [32]byte, version uint32, err error) {
	if len(payload) != PayloadSize {
		return fid, 0, fmt.Errorf("applyup payload must be %d bytes (got %d)", PayloadSize, len(payload))
	}
	copy(fid[:], payload[:32])
	return fid, U32(payload[32:36]), nil
}
