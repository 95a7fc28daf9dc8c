package packet

import "fmt"

// Blob side chains. Content that does not fit a PLAIN48 payload is spread
// over 128-byte frames (8 reserved | 100 payload | 20 next_ptr). The CHAIN20
// head packet carries VarInt(total_size) | first bytes | ptr to frame 1.
// Pointers are content hashes, so a frame can come from any sender and is
// checked against the pointer that names it. A feed accepts only the frame
// its current pointer names, so it takes a chain's frames in chain order;
// a frame that arrives ahead of its turn is not kept.

const (
	// ChainHeadRoom is the number of content bytes (VarInt included) that
	// fit into a CHAIN20 head payload next to the 20-byte pointer.
	ChainHeadRoom = PayloadSize - MIDSize // 28
	// FramePayload is the number of content bytes per blob frame.
	FramePayload = 100
)

// NullPtr reports whether ptr is the all-zero chain terminator.
func NullPtr(ptr []byte) bool {
	for _, b := range ptr {
		if b != 0 {
			return false
		}
	}
	return true
}

// FrameHash hashes a 128-byte blob frame down to the 20-byte pointer that
// references it (reserved bytes excluded).
func FrameHash(frame []byte) ([MIDSize]byte, error) {
	if len(frame) != FrameSize {
		return [MIDSize]byte{}, fmt.Errorf("blob frame must be %d bytes (got %d)", FrameSize, len(frame))
	}
	return Hash20(frame[RecordReserved:]), nil
}

// FramePtr returns the next-pointer stored in a 128-byte frame.
func FramePtr(frame []byte) [MIDSize]byte {
	var ptr [MIDSize]byte
	copy(ptr[:], frame[FrameSize-MIDSize:])
	return ptr
}

// MakeChain splits content into a CHAIN20 head payload and the blob frames
// behind it. Frames are returned in chain order (head pointer references
// frames[0]); each is a full 128-byte record ready for disk or wire. Content
// of 27 bytes or less fits the head alone: the pointer is null and frames is
// empty.
//
// Construction runs tail-first because each frame's pointer is the hash of
// its successor.
func MakeChain(content []byte) (head [PayloadSize]byte, frames [][]byte) {
	buf := AppendVarint(nil, uint64(len(content)))
	buf = append(buf, content...)

	if len(buf) <= ChainHeadRoom {
		copy(head[:ChainHeadRoom], buf)
		// pointer stays null
		return head, nil
	}

	copy(head[:ChainHeadRoom], buf[:ChainHeadRoom])
	rest := buf[ChainHeadRoom:]
	if pad := len(rest) % FramePayload; pad != 0 {
		rest = append(rest, make([]byte, FramePayload-pad)...)
	}

	var ptr [MIDSize]byte // null for the tail frame
	reversed := make([][]byte, 0, len(rest)/FramePayload)
	for off := len(rest); off > 0; off -= FramePayload {
		frame := make([]byte, FrameSize)
		copy(frame[RecordReserved:], rest[off-FramePayload:off])
		copy(frame[FrameSize-MIDSize:], ptr[:])
		ptr = Hash20(frame[RecordReserved:])
		reversed = append(reversed, frame)
	}

	frames = make([][]byte, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		frames = append(frames, reversed[i])
	}
	copy(head[ChainHeadRoom:], ptr[:])
	return head, frames
}

// ChainInfo decodes a CHAIN20 head payload into the declared content size,
// the number of content bytes held by the head itself, and the pointer to
// the first frame.
func ChainInfo(payload []byte) (size uint64, headBytes []byte, ptr [MIDSize]byte, err error) {
	if len(payload) != PayloadSize {
		return 0, nil, ptr, fmt.Errorf("chain head payload must be %d bytes (got %d)", PayloadSize, len(payload))
	}
	size, n, err := Varint(payload)
	if err != nil {
		return 0, nil, ptr, err
	}
	avail := ChainHeadRoom - n
	if size < uint64(avail) {
		avail = int(size)
	}
	headBytes = payload[n : n+avail]
	copy(ptr[:], payload[ChainHeadRoom:])
	return size, headBytes, ptr, nil
}
