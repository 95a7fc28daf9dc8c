package feed

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"tinyssb.dev/node/packet"
)

// WaitingForBlob walks the chain rooted at the front CHAIN20 packet, if any,
// and returns the pointer of the first missing frame. nil means no chain is
// open or the chain is complete.
func (f *Feed) WaitingForBlob() (*[20]byte, error) {
	if f.Length() < 1 {
		return nil, nil
	}
	record, err := f.GetWire(-1)
	if err != nil {
		return nil, err
	}
	if recordType(record) != packet.Chain20 {
		return nil, nil
	}

	_, _, ptr, err := packet.ChainInfo(recordPayload(record))
	if err != nil {
		return nil, err
	}
	for !packet.NullPtr(ptr[:]) {
		frame, err := os.ReadFile(BlobPath(f.dir, ptr))
		if errors.Is(err, os.ErrNotExist) {
			missing := ptr
			return &missing, nil
		}
		if err != nil {
			return nil, err
		}
		if len(frame) != packet.FrameSize {
			return nil, fmt.Errorf("feed %x: blob %x is %d bytes, want %d", f.FID[:8], ptr[:8], len(frame), packet.FrameSize)
		}
		ptr = packet.FramePtr(frame)
	}
	return nil, nil
}

// VerifyAndAppendBlob accepts a 128-byte blob frame if its content hash
// matches the pointer this feed is currently waiting on, and stores it
// content-addressed.
func (f *Feed) VerifyAndAppendBlob(frame []byte) error {
	hash, err := packet.FrameHash(frame)
	if err != nil {
		return err
	}
	waiting, err := f.WaitingForBlob()
	if err != nil {
		return err
	}
	if waiting == nil || *waiting != hash {
		return fmt.Errorf("feed %x: not waiting for blob %x", f.FID[:8], hash[:8])
	}
	return writeBlobFile(f.dir, hash, frame)
}

// GetPayload returns the payload at sequence i. PLAIN48 payloads come back
// as the raw 48 bytes (zero-padded); CHAIN20 entries are reassembled from
// the blob chain and return the original content exactly. An incomplete
// chain returns ErrChainIncomplete.
func (f *Feed) GetPayload(i int) ([]byte, error) {
	record, err := f.GetWire(i)
	if err != nil {
		return nil, err
	}
	payload := recordPayload(record)
	if recordType(record) != packet.Chain20 {
		out := make([]byte, packet.PayloadSize)
		copy(out, payload)
		return out, nil
	}

	size, headBytes, ptr, err := packet.ChainInfo(payload)
	if err != nil {
		return nil, err
	}
	content := make([]byte, 0, size)
	content = append(content, headBytes...)

	for uint64(len(content)) < size {
		if packet.NullPtr(ptr[:]) {
			return nil, fmt.Errorf("feed %x seq %d: chain ends %d bytes short of %d", f.FID[:8], i, size-uint64(len(content)), size)
		}
		frame, err := os.ReadFile(BlobPath(f.dir, ptr))
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: missing %x", ErrChainIncomplete, ptr[:8])
		}
		if err != nil {
			return nil, err
		}
		if len(frame) != packet.FrameSize {
			return nil, fmt.Errorf("feed %x: blob %x is %d bytes, want %d", f.FID[:8], ptr[:8], len(frame), packet.FrameSize)
		}
		chunk := frame[packet.RecordReserved : packet.RecordReserved+packet.FramePayload]
		if remaining := size - uint64(len(content)); remaining < packet.FramePayload {
			chunk = chunk[:remaining]
		}
		content = append(content, chunk...)
		ptr = packet.FramePtr(frame)
	}
	return content, nil
}

// Dependency reads the depends_on version of the update blob at sequence i:
// the first four bytes of the decoded content, big-endian. Non-CHAIN20
// records have no dependency.
func (f *Feed) Dependency(i int) (uint32, bool, error) {
	record, err := f.GetWire(i)
	if err != nil {
		return 0, false, err
	}
	if recordType(record) != packet.Chain20 {
		return 0, false, nil
	}
	_, headBytes, _, err := packet.ChainInfo(recordPayload(record))
	if err != nil {
		return 0, false, err
	}
	if len(headBytes) < 4 {
		return 0, false, fmt.Errorf("feed %x seq %d: update blob shorter than dependency header", f.FID[:8], i)
	}
	return packet.U32(headBytes), true, nil
}

func writeBlobFile(dir string, ptr [20]byte, frame []byte) error {
	path := BlobPath(dir, ptr)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileIfAbsent(path, frame)
}

// writeFileIfAbsent creates path with content, tolerating an existing file
// with identical bytes. Content-addressed stores hit this on re-delivery.
func writeFileIfAbsent(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		_, writeErr := f.Write(content)
		closeErr := f.Close()
		if writeErr != nil {
			_ = os.Remove(path)
			return writeErr
		}
		if closeErr != nil {
			_ = os.Remove(path)
			return closeErr
		}
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return err
	}
	existing, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !bytes.Equal(existing, content) {
		return fmt.Errorf("file already exists with different content: %s", path)
	}
	return nil
}

func writeFileAtomic(path string, content []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
