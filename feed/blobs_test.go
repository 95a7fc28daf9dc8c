package feed

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"tinyssb.dev/node/packet"
)

// Scenario: a 250-byte payload crosses as a CHAIN20 head plus three blob
// frames; the consumer accepts frames strictly in chain order and reads
// back the exact content.
func TestBlobRoundTrip(t *testing.T) {
	producerDir, consumerDir := t.TempDir(), t.TempDir()
	key, fid := mustKeypair(t)
	content := bytes.Repeat([]byte("A"), 250)

	producer := mustCreate(t, producerDir, fid)
	if err := producer.AppendBlob(key[:], content); err != nil {
		t.Fatalf("append blob: %v", err)
	}
	got, err := producer.GetPayload(1)
	if err != nil {
		t.Fatalf("producer read back: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("producer blob mismatch")
	}

	consumer := mustCreate(t, consumerDir, fid)
	head, err := producer.GetWire(1)
	if err != nil {
		t.Fatalf("head read: %v", err)
	}
	if err := consumer.VerifyAndAppend(head); err != nil {
		t.Fatalf("head append: %v", err)
	}

	// Consumer is now in the waiting-for-blob state; reads must signal
	// chain-incomplete.
	if _, err := consumer.GetPayload(1); err == nil {
		t.Fatal("incomplete chain readable")
	}
	ptr, err := consumer.WaitingForBlob()
	if err != nil {
		t.Fatalf("waiting: %v", err)
	}
	if ptr == nil {
		t.Fatal("consumer not waiting for blob")
	}

	want, err := consumer.GetWant()
	if err != nil {
		t.Fatalf("want: %v", err)
	}
	if len(want) != 63 {
		t.Fatalf("blob want length %d", len(want))
	}
	if !bytes.Equal(want[43:], ptr[:]) {
		t.Fatal("blob want pointer mismatch")
	}

	for ptr != nil {
		frame, err := os.ReadFile(BlobPath(producerDir, *ptr))
		if err != nil {
			t.Fatalf("producer blob read: %v", err)
		}
		if err := consumer.VerifyAndAppendBlob(frame); err != nil {
			t.Fatalf("blob append: %v", err)
		}
		ptr, err = consumer.WaitingForBlob()
		if err != nil {
			t.Fatalf("waiting: %v", err)
		}
	}

	got, err = consumer.GetPayload(1)
	if err != nil {
		t.Fatalf("consumer read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("consumer blob mismatch")
	}
}

func TestBlobRejectsUnexpectedFrame(t *testing.T) {
	dir := t.TempDir()
	key, fid := mustKeypair(t)
	f := mustCreate(t, dir, fid)
	mustAppend(t, f, key, []byte("plain"))

	frame := make([]byte, packet.FrameSize)
	if err := f.VerifyAndAppendBlob(frame); err == nil {
		t.Fatal("blob accepted while not waiting")
	}
}

func TestSmallBlobNoFrames(t *testing.T) {
	dir := t.TempDir()
	key, fid := mustKeypair(t)
	f := mustCreate(t, dir, fid)
	if err := f.AppendBlob(key[:], []byte("short")); err != nil {
		t.Fatalf("append: %v", err)
	}

	ptr, err := f.WaitingForBlob()
	if err != nil {
		t.Fatalf("waiting: %v", err)
	}
	if ptr != nil {
		t.Fatal("≤27-byte blob should not open a chain")
	}
	got, err := f.GetPayload(1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte("short")) {
		t.Fatalf("payload %q", got)
	}

	// No blob files may exist.
	entries, err := os.ReadDir(dir + "/_blobs")
	if err == nil && len(entries) != 0 {
		t.Fatal("blob files written for inline content")
	}
}

func TestChainIncompleteError(t *testing.T) {
	producerDir, consumerDir := t.TempDir(), t.TempDir()
	key, fid := mustKeypair(t)

	producer := mustCreate(t, producerDir, fid)
	if err := producer.AppendBlob(key[:], bytes.Repeat([]byte("z"), 300)); err != nil {
		t.Fatalf("append: %v", err)
	}

	consumer := mustCreate(t, consumerDir, fid)
	head, _ := producer.GetWire(1)
	if err := consumer.VerifyAndAppend(head); err != nil {
		t.Fatalf("head: %v", err)
	}
	_, err := consumer.GetPayload(1)
	if !errors.Is(err, ErrChainIncomplete) {
		t.Fatalf("expected chain-incomplete, got %v", err)
	}
}
