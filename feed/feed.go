// Package feed implements the append-only hash-chained log: one producer
// identity, a 128-byte header file, a log of 128-byte records and the blob
// side chains referenced from CHAIN20 entries.
package feed

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"tinyssb.dev/node/crypto"
	"tinyssb.dev/node/packet"
)

const (
	// HeaderSize is the fixed size of a .head file:
	// reserved(12) fid(32) parent_fid(32) parent_seq(4)
	// anchor_seq(4) anchor_mid(20) front_seq(4) front_mid(20)
	HeaderSize = 128

	headerReserved = 12
)

var (
	// ErrNotFound is returned by Open when the header file is absent.
	ErrNotFound = errors.New("feed: not found")
	// ErrExists is returned by Create when the feed already exists.
	ErrExists = errors.New("feed: already exists")
	// ErrChainIncomplete signals that a blob chain is still missing frames.
	ErrChainIncomplete = errors.New("feed: blob chain incomplete")
	// ErrNoKey is returned by producer operations called without a key.
	ErrNoKey = errors.New("feed: no signing key")
)

// Feed is a handle on one on-disk log. Header fields are cached in memory
// and rewritten after every append. Feeds reference each other by FID only;
// a handle is cheap and short-lived.
type Feed struct {
	dir  string
	prov crypto.Provider

	FID       [32]byte
	ParentFID [32]byte
	ParentSeq uint32
	AnchorSeq uint32
	AnchorMID [20]byte
	FrontSeq  uint32
	FrontMID  [20]byte
}

// CreateOptions carries the optional trust anchor and parent linkage of a
// new feed. The zero value creates a top-level feed anchored at sequence 0.
type CreateOptions struct {
	TrustedSeq uint32
	TrustedMID *[20]byte // nil: fid[:20], the self-signed convention
	ParentFID  [32]byte
	ParentSeq  uint32
}

// HeaderPath returns the .head file path of a feed under dir.
func HeaderPath(dir string, fid [32]byte) string {
	return filepath.Join(dir, "_feeds", hex.EncodeToString(fid[:])+".head")
}

// LogPath returns the .log file path of a feed under dir.
func LogPath(dir string, fid [32]byte) string {
	return filepath.Join(dir, "_feeds", hex.EncodeToString(fid[:])+".log")
}

// BlobPath returns the content-addressed location of a blob frame.
func BlobPath(dir string, ptr [20]byte) string {
	h := hex.EncodeToString(ptr[:])
	return filepath.Join(dir, "_blobs", h[:2], h[2:])
}

// Open loads a feed's header from disk.
func Open(dir string, prov crypto.Provider, fid [32]byte) (*Feed, error) {
	raw, err := os.ReadFile(HeaderPath(dir, fid))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %x", ErrNotFound, fid[:8])
	}
	if err != nil {
		return nil, err
	}
	if len(raw) != HeaderSize {
		return nil, fmt.Errorf("feed %x: header is %d bytes, want %d", fid[:8], len(raw), HeaderSize)
	}

	f := &Feed{dir: dir, prov: prov}
	off := headerReserved
	copy(f.FID[:], raw[off:])
	off += 32
	if f.FID != fid {
		return nil, fmt.Errorf("feed %x: header names different fid %x", fid[:8], f.FID[:8])
	}
	copy(f.ParentFID[:], raw[off:])
	off += 32
	f.ParentSeq = packet.U32(raw[off:])
	off += 4
	f.AnchorSeq = packet.U32(raw[off:])
	off += 4
	copy(f.AnchorMID[:], raw[off:])
	off += 20
	f.FrontSeq = packet.U32(raw[off:])
	off += 4
	copy(f.FrontMID[:], raw[off:])
	return f, nil
}

// Create writes a fresh header and empty log. Fails if the feed exists.
func Create(dir string, prov crypto.Provider, fid [32]byte, opt CreateOptions) (*Feed, error) {
	if _, err := os.Stat(HeaderPath(dir, fid)); err == nil {
		return nil, fmt.Errorf("%w: %x", ErrExists, fid[:8])
	}
	if err := os.MkdirAll(filepath.Join(dir, "_feeds"), 0o755); err != nil {
		return nil, err
	}

	f := &Feed{
		dir:       dir,
		prov:      prov,
		FID:       fid,
		ParentFID: opt.ParentFID,
		ParentSeq: opt.ParentSeq,
		AnchorSeq: opt.TrustedSeq,
		FrontSeq:  opt.TrustedSeq,
	}
	if opt.TrustedMID != nil {
		f.AnchorMID = *opt.TrustedMID
	} else {
		copy(f.AnchorMID[:], fid[:20])
	}
	copy(f.FrontMID[:], fid[:20])

	if err := f.saveHeader(); err != nil {
		return nil, err
	}
	log, err := os.OpenFile(LogPath(dir, fid), os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return f, log.Close()
}

func (f *Feed) saveHeader() error {
	raw := make([]byte, HeaderSize)
	off := headerReserved
	off += copy(raw[off:], f.FID[:])
	off += copy(raw[off:], f.ParentFID[:])
	packet.PutU32(raw[off:], f.ParentSeq)
	off += 4
	packet.PutU32(raw[off:], f.AnchorSeq)
	off += 4
	off += copy(raw[off:], f.AnchorMID[:])
	packet.PutU32(raw[off:], f.FrontSeq)
	off += 4
	copy(raw[off:], f.FrontMID[:])
	return writeFileAtomic(HeaderPath(f.dir, f.FID), raw, 0o644)
}

// Length is the number of records in the log.
func (f *Feed) Length() uint32 {
	return f.FrontSeq - f.AnchorSeq
}

// GetWire returns the 128-byte record with the given sequence number.
// Negative indices address from the front (-1 is the last record).
func (f *Feed) GetWire(i int) ([]byte, error) {
	if i < 0 {
		i = int(f.FrontSeq) + i + 1
	}
	if i <= int(f.AnchorSeq) || i > int(f.FrontSeq) {
		return nil, fmt.Errorf("feed %x: seq %d out of range (%d, %d]", f.FID[:8], i, f.AnchorSeq, f.FrontSeq)
	}
	rel := i - int(f.AnchorSeq)

	log, err := os.Open(LogPath(f.dir, f.FID))
	if err != nil {
		return nil, err
	}
	defer log.Close()

	record := make([]byte, packet.RecordSize)
	if _, err := log.ReadAt(record, int64(packet.RecordSize*(rel-1))); err != nil {
		return nil, fmt.Errorf("feed %x: read seq %d: %w", f.FID[:8], i, err)
	}
	return record, nil
}

// TypeAt returns the packet type of the record at sequence i.
func (f *Feed) TypeAt(i int) (packet.Type, error) {
	record, err := f.GetWire(i)
	if err != nil {
		return 0, err
	}
	return recordType(record), nil
}

func recordType(record []byte) packet.Type {
	return packet.Type(record[packet.RecordReserved+packet.DMXSize])
}

func recordPayload(record []byte) []byte {
	off := packet.RecordReserved + packet.DMXSize + 1
	return record[off : off+packet.PayloadSize]
}

// appendRecord writes the wire packet as a 128-byte log record and advances
// the header tail. Records are never rewritten; only the header changes.
func (f *Feed) appendRecord(wire [packet.WireSize]byte, mid [20]byte) error {
	log, err := os.OpenFile(LogPath(f.dir, f.FID), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	record := make([]byte, packet.RecordSize)
	copy(record[packet.RecordReserved:], wire[:])
	if _, err := log.Write(record); err != nil {
		log.Close()
		return err
	}
	if err := log.Close(); err != nil {
		return err
	}

	f.FrontSeq++
	f.FrontMID = mid
	return f.saveHeader()
}

// Append builds, signs and appends a packet of the given type. Producer
// only: key must be the feed's signing key.
func (f *Feed) Append(key []byte, typ packet.Type, payload []byte) error {
	if len(key) == 0 {
		return ErrNoKey
	}
	p, err := packet.New(f.prov, key, f.FID, f.FrontSeq+1, f.FrontMID, typ, payload)
	if err != nil {
		return err
	}
	return f.appendRecord(p.Wire(), p.MID)
}

// AppendPayload appends payload (≤48 bytes, zero-padded) as PLAIN48.
func (f *Feed) AppendPayload(key []byte, payload []byte) error {
	return f.Append(key, packet.Plain48, payload)
}

// AppendBlob spreads content over a blob side chain and appends its CHAIN20
// head. Frames are written content-addressed before the head so that an
// observer that sees the head finds them present.
func (f *Feed) AppendBlob(key []byte, content []byte) error {
	if len(key) == 0 {
		return ErrNoKey
	}
	head, frames := packet.MakeChain(content)
	for _, frame := range frames {
		ptr, err := packet.FrameHash(frame)
		if err != nil {
			return err
		}
		if err := writeBlobFile(f.dir, ptr, frame); err != nil {
			return err
		}
	}
	return f.Append(key, packet.Chain20, head[:])
}

// VerifyAndAppend is the consumer path: it re-derives the expected name for
// the next sequence number, checks DMX and signature and appends. Any
// failure leaves the feed byte-identical. frame is the 128-byte record form
// (8 reserved bytes + 120-byte wire packet).
func (f *Feed) VerifyAndAppend(frame []byte) error {
	if len(frame) != packet.RecordSize {
		return fmt.Errorf("feed %x: frame must be %d bytes (got %d)", f.FID[:8], packet.RecordSize, len(frame))
	}
	waiting, err := f.WaitingForBlob()
	if err != nil {
		return err
	}
	if waiting != nil {
		return fmt.Errorf("feed %x: %w", f.FID[:8], ErrChainIncomplete)
	}
	p, err := packet.FromWire(f.prov, f.FID, f.FrontSeq+1, f.FrontMID, frame[packet.RecordReserved:])
	if err != nil {
		return err
	}
	return f.appendRecord(p.Wire(), p.MID)
}

// NextDMX is the demultiplexing tag of the packet expected next.
func (f *Feed) NextDMX() [packet.DMXSize]byte {
	name := packet.Name(f.FID, f.FrontSeq+1, f.FrontMID)
	return packet.DMX(name[:])
}

// GetWant returns the broadcast request for this feed's missing data:
// 43 bytes (want-dmx | fid | next seq) while waiting for a packet, 63 bytes
// (want-dmx | fid | front seq | blob ptr) while waiting for a blob frame.
func (f *Feed) GetWant() ([]byte, error) {
	dmx := packet.WantDMX(f.FID)
	ptr, err := f.WaitingForBlob()
	if err != nil {
		return nil, err
	}

	if ptr == nil {
		want := make([]byte, 43)
		n := copy(want, dmx[:])
		n += copy(want[n:], f.FID[:])
		packet.PutU32(want[n:], f.FrontSeq+1)
		return want, nil
	}
	want := make([]byte, 63)
	n := copy(want, dmx[:])
	n += copy(want[n:], f.FID[:])
	packet.PutU32(want[n:], f.FrontSeq)
	n += 4
	copy(want[n:], ptr[:])
	return want, nil
}
