package feed

import (
	"bytes"
	"os"
	"testing"

	"tinyssb.dev/node/crypto"
	"tinyssb.dev/node/packet"
)

func testProvider() crypto.Provider { return crypto.Ed25519Provider{} }

func mustKeypair(t *testing.T) ([32]byte, [32]byte) {
	t.Helper()
	key, fid, err := testProvider().Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return key, fid
}

func mustCreate(t *testing.T, dir string, fid [32]byte) *Feed {
	t.Helper()
	f, err := Create(dir, testProvider(), fid, CreateOptions{})
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}
	return f
}

func mustAppend(t *testing.T, f *Feed, key [32]byte, payload []byte) {
	t.Helper()
	if err := f.AppendPayload(key[:], payload); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key, fid := mustKeypair(t)
	f := mustCreate(t, dir, fid)
	mustAppend(t, f, key, []byte("one"))

	got, err := Open(dir, testProvider(), fid)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got.FrontSeq != 1 || got.FrontMID != f.FrontMID {
		t.Fatalf("header round trip: seq=%d", got.FrontSeq)
	}
	if got.AnchorSeq != 0 || !bytes.Equal(got.AnchorMID[:], fid[:20]) {
		t.Fatal("anchor does not follow the self-signed convention")
	}
}

func TestOpenMissingFeed(t *testing.T) {
	_, fid := mustKeypair(t)
	if _, err := Open(t.TempDir(), testProvider(), fid); err == nil {
		t.Fatal("open of absent feed succeeded")
	}
}

func TestCreateTwiceFails(t *testing.T) {
	dir := t.TempDir()
	_, fid := mustKeypair(t)
	mustCreate(t, dir, fid)
	if _, err := Create(dir, testProvider(), fid, CreateOptions{}); err == nil {
		t.Fatal("second create succeeded")
	}
}

func TestLogLengthInvariant(t *testing.T) {
	dir := t.TempDir()
	key, fid := mustKeypair(t)
	f := mustCreate(t, dir, fid)
	for i := 0; i < 5; i++ {
		mustAppend(t, f, key, []byte{byte(i)})
	}

	info, err := os.Stat(LogPath(dir, fid))
	if err != nil {
		t.Fatalf("stat log: %v", err)
	}
	if info.Size() != int64(128*f.Length()) {
		t.Fatalf("log size %d, want %d", info.Size(), 128*f.Length())
	}
}

func TestGetWireBounds(t *testing.T) {
	dir := t.TempDir()
	key, fid := mustKeypair(t)
	f := mustCreate(t, dir, fid)
	mustAppend(t, f, key, []byte("one"))
	mustAppend(t, f, key, []byte("two"))

	if _, err := f.GetWire(0); err == nil {
		t.Fatal("anchor sequence readable")
	}
	if _, err := f.GetWire(3); err == nil {
		t.Fatal("past-front sequence readable")
	}
	last, err := f.GetWire(int(f.FrontSeq))
	if err != nil {
		t.Fatalf("front read: %v", err)
	}
	neg, err := f.GetWire(-1)
	if err != nil {
		t.Fatalf("negative index: %v", err)
	}
	if !bytes.Equal(last, neg) {
		t.Fatal("get_wire(-1) differs from get_wire(front_seq)")
	}
}

func TestPlain48RoundTrip(t *testing.T) {
	dir := t.TempDir()
	key, fid := mustKeypair(t)
	f := mustCreate(t, dir, fid)
	mustAppend(t, f, key, []byte("hi"))

	payload, err := f.GetPayload(1)
	if err != nil {
		t.Fatalf("get payload: %v", err)
	}
	want := append([]byte("hi"), make([]byte, 46)...)
	if !bytes.Equal(payload, want) {
		t.Fatalf("payload %q", payload)
	}
}

func TestProducerRequiresKey(t *testing.T) {
	dir := t.TempDir()
	_, fid := mustKeypair(t)
	f := mustCreate(t, dir, fid)
	if err := f.AppendPayload(nil, []byte("x")); err == nil {
		t.Fatal("append without key succeeded")
	}
}

// Scenario: producer appends, consumer replicates record by record through
// the verify path.
func TestVerifyAndAppendReplication(t *testing.T) {
	producerDir, consumerDir := t.TempDir(), t.TempDir()
	key, fid := mustKeypair(t)

	producer := mustCreate(t, producerDir, fid)
	mustAppend(t, producer, key, []byte("hi"))
	mustAppend(t, producer, key, []byte("again"))

	consumer := mustCreate(t, consumerDir, fid)
	for seq := 1; seq <= int(producer.FrontSeq); seq++ {
		record, err := producer.GetWire(seq)
		if err != nil {
			t.Fatalf("producer read %d: %v", seq, err)
		}
		if err := consumer.VerifyAndAppend(record); err != nil {
			t.Fatalf("consumer append %d: %v", seq, err)
		}
	}

	if consumer.FrontSeq != producer.FrontSeq || consumer.FrontMID != producer.FrontMID {
		t.Fatal("consumer tail diverges from producer")
	}
	payload, err := consumer.GetPayload(1)
	if err != nil {
		t.Fatalf("consumer payload: %v", err)
	}
	if !bytes.Equal(payload, append([]byte("hi"), make([]byte, 46)...)) {
		t.Fatalf("payload %q", payload)
	}
}

func TestVerifyAndAppendRejectsOutOfOrder(t *testing.T) {
	producerDir, consumerDir := t.TempDir(), t.TempDir()
	key, fid := mustKeypair(t)

	producer := mustCreate(t, producerDir, fid)
	mustAppend(t, producer, key, []byte("one"))
	mustAppend(t, producer, key, []byte("two"))

	consumer := mustCreate(t, consumerDir, fid)
	record2, err := producer.GetWire(2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := consumer.VerifyAndAppend(record2); err == nil {
		t.Fatal("seq 2 accepted before seq 1")
	}
	if consumer.FrontSeq != 0 {
		t.Fatal("rejected packet changed feed state")
	}
}

func TestVerifyAndAppendRejectsForgery(t *testing.T) {
	producerDir, consumerDir := t.TempDir(), t.TempDir()
	key, fid := mustKeypair(t)

	producer := mustCreate(t, producerDir, fid)
	mustAppend(t, producer, key, []byte("one"))

	consumer := mustCreate(t, consumerDir, fid)
	record, err := producer.GetWire(1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	forged := append([]byte(nil), record...)
	forged[packet.RecordReserved+packet.DMXSize+1] ^= 0x01
	if err := consumer.VerifyAndAppend(forged); err == nil {
		t.Fatal("forged record accepted")
	}

	before, _ := os.ReadFile(LogPath(consumerDir, fid))
	if len(before) != 0 {
		t.Fatal("forgery left bytes in the log")
	}
}

func TestGetWantPacketForm(t *testing.T) {
	dir := t.TempDir()
	_, fid := mustKeypair(t)
	f := mustCreate(t, dir, fid)

	want, err := f.GetWant()
	if err != nil {
		t.Fatalf("want: %v", err)
	}
	if len(want) != 43 {
		t.Fatalf("want length %d", len(want))
	}
	dmx := packet.WantDMX(fid)
	if !bytes.Equal(want[:7], dmx[:]) {
		t.Fatal("want-dmx mismatch")
	}
	if !bytes.Equal(want[7:39], fid[:]) {
		t.Fatal("want fid mismatch")
	}
	if packet.U32(want[39:]) != 1 {
		t.Fatalf("want seq %d, want 1", packet.U32(want[39:]))
	}
}
