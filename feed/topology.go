package feed

import (
	"bytes"
	"fmt"
	"strings"

	"tinyssb.dev/node/packet"
)

// Topology is read back from the packets themselves: a feed's first packet
// says where it came from, MKCHILD/CONTDAS packets say where it branched.

// Parent returns the parent feed id if this feed's first packet is ISCHILD.
func (f *Feed) Parent() ([32]byte, bool) {
	var none [32]byte
	if f.AnchorSeq != 0 || f.Length() < 1 {
		return none, false
	}
	record, err := f.GetWire(int(f.AnchorSeq) + 1)
	if err != nil || recordType(record) != packet.IsChild {
		return none, false
	}
	return packet.PayloadFID(recordPayload(record)), true
}

// Predecessor returns the feed this one continues, if the first packet is
// ISCONTN.
func (f *Feed) Predecessor() ([32]byte, bool) {
	var none [32]byte
	if f.AnchorSeq != 0 || f.Length() < 1 {
		return none, false
	}
	record, err := f.GetWire(int(f.AnchorSeq) + 1)
	if err != nil || recordType(record) != packet.IsContn {
		return none, false
	}
	return packet.PayloadFID(recordPayload(record)), true
}

// Continuation returns the successor feed id if the last packet is CONTDAS.
func (f *Feed) Continuation() ([32]byte, bool) {
	var none [32]byte
	if f.Length() < 1 {
		return none, false
	}
	record, err := f.GetWire(-1)
	if err != nil || recordType(record) != packet.ContDas {
		return none, false
	}
	return packet.PayloadFID(recordPayload(record)), true
}

// Child is one MKCHILD declaration: the child feed id and the sequence
// number of the declaring packet.
type Child struct {
	FID [32]byte
	Seq uint32
}

// Children scans the whole feed for MKCHILD packets, in feed order.
func (f *Feed) Children() ([]Child, error) {
	var out []Child
	for i := int(f.AnchorSeq) + 1; i <= int(f.FrontSeq); i++ {
		record, err := f.GetWire(i)
		if err != nil {
			return nil, err
		}
		if recordType(record) == packet.MkChild {
			out = append(out, Child{FID: packet.PayloadFID(recordPayload(record)), Seq: uint32(i)})
		}
	}
	return out, nil
}

// CreateChild declares childFID in the parent feed (MKCHILD) and creates
// the child with a matching ISCHILD first packet. Both packets reference
// each other: the child's payload carries the parent fid, the declaring
// sequence number and a 12-byte hash of the declaring wire packet.
// Producer-side only; both keys are required.
func CreateChild(parent *Feed, parentKey []byte, childFID [32]byte, childKey []byte) (*Feed, error) {
	return createBranch(parent, parentKey, childFID, childKey, packet.MkChild, packet.IsChild)
}

// CreateContinuation ends the feed with CONTDAS naming contnFID and creates
// the continuation with an ISCONTN first packet.
func CreateContinuation(ending *Feed, endingKey []byte, contnFID [32]byte, contnKey []byte) (*Feed, error) {
	return createBranch(ending, endingKey, contnFID, contnKey, packet.ContDas, packet.IsContn)
}

func createBranch(parent *Feed, parentKey []byte, childFID [32]byte, childKey []byte, parentType, childType packet.Type) (*Feed, error) {
	if len(parentKey) == 0 || len(childKey) == 0 {
		return nil, ErrNoKey
	}
	declareSeq := parent.FrontSeq + 1
	fidPayload := packet.FIDPayload(childFID)
	declare, err := packet.New(parent.prov, parentKey, parent.FID, declareSeq, parent.FrontMID, parentType, fidPayload[:])
	if err != nil {
		return nil, err
	}

	child, err := Create(parent.dir, parent.prov, childFID, CreateOptions{
		ParentFID: parent.FID,
		ParentSeq: declareSeq,
	})
	if err != nil {
		return nil, err
	}

	ref := packet.RefPayload(parent.FID, declareSeq, declare.Wire())
	first, err := packet.New(parent.prov, childKey, childFID, 1, midFromFID(childFID), childType, ref[:])
	if err != nil {
		return nil, err
	}
	if err := child.appendRecord(first.Wire(), first.MID); err != nil {
		return nil, err
	}
	if err := parent.appendRecord(declare.Wire(), declare.MID); err != nil {
		return nil, err
	}
	return child, nil
}

func midFromFID(fid [32]byte) [20]byte {
	var mid [20]byte
	copy(mid[:], fid[:20])
	return mid
}

// AppendUpdFile appends the UPDFILE metadata packet of a file-update feed.
func (f *Feed) AppendUpdFile(key []byte, fileName string, baseVersion uint32) error {
	payload, err := packet.UpdFilePayload(fileName, baseVersion)
	if err != nil {
		return err
	}
	return f.Append(key, packet.UpdFile, payload[:])
}

// UpdFileInfo reads the UPDFILE packet a well-formed file-update feed
// carries at sequence 2.
func (f *Feed) UpdFileInfo() (string, uint32, bool) {
	record, err := f.GetWire(int(f.AnchorSeq) + 2)
	if err != nil || recordType(record) != packet.UpdFile {
		return "", 0, false
	}
	name, base, err := packet.ParseUpdFile(recordPayload(record))
	if err != nil {
		return "", 0, false
	}
	return name, base, true
}

// AppendApply appends an APPLYUP packet to this (version-control) feed.
func (f *Feed) AppendApply(key []byte, fileFID [32]byte, version uint32) error {
	payload := packet.ApplyPayload(fileFID, version)
	return f.Append(key, packet.ApplyUp, payload[:])
}

// NewestApply scans backwards for the most recent APPLYUP naming fileFID.
func (f *Feed) NewestApply(fileFID [32]byte) (uint32, bool) {
	for i := int(f.FrontSeq); i > int(f.AnchorSeq); i-- {
		record, err := f.GetWire(i)
		if err != nil {
			return 0, false
		}
		if recordType(record) != packet.ApplyUp {
			continue
		}
		fid, version, err := packet.ParseApply(recordPayload(record))
		if err != nil {
			continue
		}
		if bytes.Equal(fid[:], fileFID[:]) {
			return version, true
		}
	}
	return 0, false
}

var renderAbbrev = map[packet.Type]string{
	packet.Plain48: "P48",
	packet.Chain20: "C20",
	packet.IsChild: "ICH",
	packet.IsContn: "ICN",
	packet.MkChild: "MKC",
	packet.ContDas: "CTD",
	packet.UpdFile: "UPD",
	packet.ApplyUp: "APP",
}

// Render draws the feed as a one-line cell diagram for diagnostics.
func (f *Feed) Render() string {
	var numbers, cells strings.Builder
	fmt.Fprintf(&numbers, "   %d  ", f.AnchorSeq)
	cells.WriteString("| HDR |")

	for i := int(f.AnchorSeq) + 1; i <= int(f.FrontSeq); i++ {
		fmt.Fprintf(&numbers, "%4d  ", i)
		typ, err := f.TypeAt(i)
		if err != nil {
			cells.WriteString(" ??? |")
			continue
		}
		abbrev, ok := renderAbbrev[typ]
		if !ok {
			abbrev = "???"
		}
		cells.WriteString(" " + abbrev + " |")
	}

	separator := strings.Repeat("+-----", int(f.Length())+1) + "+"
	title := fmt.Sprintf("%x...", f.FID[:4])
	return strings.Join([]string{title, numbers.String(), separator, cells.String(), separator}, "\n")
}
