package feed

import (
	"bytes"
	"testing"

	"tinyssb.dev/node/packet"
)

func TestCreateChildLinksBothFeeds(t *testing.T) {
	dir := t.TempDir()
	parentKey, parentFID := mustKeypair(t)
	childKey, childFID := mustKeypair(t)

	parent := mustCreate(t, dir, parentFID)
	mustAppend(t, parent, parentKey, []byte("pre"))

	child, err := CreateChild(parent, parentKey[:], childFID, childKey[:])
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	if parent.FrontSeq != 2 {
		t.Fatalf("parent front %d", parent.FrontSeq)
	}
	if typ, _ := parent.TypeAt(-1); typ != packet.MkChild {
		t.Fatal("parent missing MKCHILD")
	}
	children, err := parent.Children()
	if err != nil || len(children) != 1 {
		t.Fatalf("children: %v (%d)", err, len(children))
	}
	if children[0].FID != childFID || children[0].Seq != 2 {
		t.Fatal("child declaration mismatch")
	}

	gotParent, ok := child.Parent()
	if !ok || gotParent != parentFID {
		t.Fatal("child does not name its parent")
	}
	if child.ParentFID != parentFID || child.ParentSeq != 2 {
		t.Fatal("child header parent linkage wrong")
	}

	// The ISCHILD payload must reference the exact declaring packet.
	record, err := child.GetWire(1)
	if err != nil {
		t.Fatalf("child first packet: %v", err)
	}
	refFID, refSeq, refHash, err := packet.ParseRef(record[packet.RecordReserved+packet.DMXSize+1 : packet.RecordReserved+packet.DMXSize+1+packet.PayloadSize])
	if err != nil {
		t.Fatalf("parse ref: %v", err)
	}
	parentRecord, err := parent.GetWire(2)
	if err != nil {
		t.Fatalf("parent packet: %v", err)
	}
	wireHash := packet.Hash20(parentRecord[packet.RecordReserved:])
	if refFID != parentFID || refSeq != 2 || !bytes.Equal(refHash[:], wireHash[:12]) {
		t.Fatal("ISCHILD reference does not match the declaring packet")
	}
}

func TestCreateContinuation(t *testing.T) {
	dir := t.TempDir()
	endKey, endFID := mustKeypair(t)
	contnKey, contnFID := mustKeypair(t)

	ending := mustCreate(t, dir, endFID)
	mustAppend(t, ending, endKey, []byte("last words"))

	contn, err := CreateContinuation(ending, endKey[:], contnFID, contnKey[:])
	if err != nil {
		t.Fatalf("create continuation: %v", err)
	}

	successor, ok := ending.Continuation()
	if !ok || successor != contnFID {
		t.Fatal("ending feed does not name its successor")
	}
	prev, ok := contn.Predecessor()
	if !ok || prev != endFID {
		t.Fatal("continuation does not name its predecessor")
	}
	if _, ok := contn.Parent(); ok {
		t.Fatal("continuation reported as child")
	}
}

func TestUpdFileAndApplyScans(t *testing.T) {
	dir := t.TempDir()
	parentKey, parentFID := mustKeypair(t)
	childKey, childFID := mustKeypair(t)

	parent := mustCreate(t, dir, parentFID)
	child, err := CreateChild(parent, parentKey[:], childFID, childKey[:])
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if err := child.AppendUpdFile(childKey[:], "app.txt", 3); err != nil {
		t.Fatalf("updfile: %v", err)
	}

	name, base, ok := child.UpdFileInfo()
	if !ok || name != "app.txt" || base != 3 {
		t.Fatalf("updfile info: %q %d %v", name, base, ok)
	}

	var fileFID [32]byte
	fileFID[5] = 0x55
	if err := parent.AppendApply(parentKey[:], fileFID, 2); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := parent.AppendApply(parentKey[:], fileFID, 5); err != nil {
		t.Fatalf("apply: %v", err)
	}

	version, ok := parent.NewestApply(fileFID)
	if !ok || version != 5 {
		t.Fatalf("newest apply: %d %v", version, ok)
	}
	var other [32]byte
	if _, ok := parent.NewestApply(other); ok {
		t.Fatal("apply found for unknown feed")
	}
}

func TestRenderShowsTypes(t *testing.T) {
	dir := t.TempDir()
	key, fid := mustKeypair(t)
	f := mustCreate(t, dir, fid)
	mustAppend(t, f, key, []byte("x"))

	out := f.Render()
	if !bytes.Contains([]byte(out), []byte("P48")) {
		t.Fatalf("render missing packet cell:\n%s", out)
	}
	if !bytes.Contains([]byte(out), []byte("HDR")) {
		t.Fatalf("render missing header cell:\n%s", out)
	}
}
