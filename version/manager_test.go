package version

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"tinyssb.dev/node/crypto"
	"tinyssb.dev/node/feed"
	"tinyssb.dev/node/node"
	"tinyssb.dev/node/packet"
	"tinyssb.dev/node/store"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// initProducer seeds a producer the way the init command does: master feed,
// one generic child, the update feed and its version-control feed.
func initProducer(t *testing.T, dir string) (*node.FeedManager, [32]byte) {
	t.Helper()
	fm, err := node.NewFeedManager(dir, crypto.Ed25519Provider{}, testLogger())
	require.NoError(t, err)

	masterKey, masterFID, err := fm.Keys().Generate(fm.Provider())
	require.NoError(t, err)
	master, err := fm.CreateFeed(masterFID, feed.CreateOptions{})
	require.NoError(t, err)

	childKey, childFID, err := fm.Keys().Generate(fm.Provider())
	require.NoError(t, err)
	_, err = fm.CreateChildFeed(master, masterKey[:], childFID, childKey[:])
	require.NoError(t, err)

	updateKey, updateFID, err := fm.Keys().Generate(fm.Provider())
	require.NoError(t, err)
	updateFeed, err := fm.CreateChildFeed(master, masterKey[:], updateFID, updateKey[:])
	require.NoError(t, err)

	vcKey, vcFID, err := fm.Keys().Generate(fm.Provider())
	require.NoError(t, err)
	_, err = fm.CreateChildFeed(updateFeed, updateKey[:], vcFID, vcKey[:])
	require.NoError(t, err)

	return fm, masterFID
}

// deliver mimics the RX classification of a 128-byte frame.
func deliver(fm *node.FeedManager, frame []byte) bool {
	dmx := frame[packet.RecordReserved : packet.RecordReserved+packet.DMXSize]
	if handler, fid, ok := fm.ConsultDMX(dmx); ok {
		handler(fid, frame)
		return true
	}
	hash := packet.Hash20(frame[packet.RecordReserved:])
	if handler, fid, ok := fm.ConsultDMX(hash[:]); ok {
		handler(fid, frame)
		return true
	}
	return false
}

// pump replicates producer state into the consumer by looping wants until
// no progress is made, poking the version manager's bootstrap the way the
// I/O loop does.
func pump(t *testing.T, producer, consumer *node.FeedManager, vm *Manager, masterFID [32]byte) {
	t.Helper()
	for round := 0; round < 2000; round++ {
		progressed := false
		fids, err := consumer.ListFIDs()
		require.NoError(t, err)
		for _, fid := range fids {
			if consumer.Keys().Has(fid) {
				continue
			}
			f, err := consumer.GetFeed(fid)
			require.NoError(t, err)
			want, err := f.GetWant()
			require.NoError(t, err)
			handler, wfid, ok := producer.ConsultDMX(want[:packet.DMXSize])
			if !ok {
				continue
			}
			frame := handler(wfid, want)
			if frame == nil {
				continue
			}
			if deliver(consumer, frame) {
				progressed = true
			}
		}
		if vm != nil && !vm.IsConfigured() {
			vm.TryConfigure(masterFID)
		}
		if !progressed {
			return
		}
	}
	t.Fatal("replication did not converge")
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(raw)
}

// Scenario D: three linear updates, APPLYUP(3); the consumer applies 1, 2,
// 3 and converges byte-for-byte with the producer.
func TestLinearApplyReplication(t *testing.T) {
	producerDir, consumerDir := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(producerDir, "app.txt"), nil, 0o644))

	producerFM, masterFID := initProducer(t, producerDir)
	snaps, err := store.Open(producerDir)
	require.NoError(t, err)
	defer snaps.Close()
	producerVM, err := NewManager(producerFM, snaps, testLogger())
	require.NoError(t, err)
	require.True(t, producerVM.TryConfigure(masterFID))
	require.True(t, producerVM.IsConfigured())

	require.NoError(t, producerVM.UpdateFile("app.txt", []Change{{Idx: 0, Op: OpInsert, Text: "hello"}}, 0))
	require.NoError(t, producerVM.UpdateFile("app.txt", []Change{{Idx: 5, Op: OpInsert, Text: " world"}}, 1))
	require.NoError(t, producerVM.UpdateFile("app.txt", []Change{{Idx: 11, Op: OpInsert, Text: "!"}}, 2))
	require.NoError(t, producerVM.AddApply("app.txt", 3))
	require.Equal(t, "hello world!", readFile(t, producerDir, "app.txt"))

	consumerFM, err := node.NewFeedManager(consumerDir, crypto.Ed25519Provider{}, testLogger())
	require.NoError(t, err)
	_, err = consumerFM.CreateFeed(masterFID, feed.CreateOptions{})
	require.NoError(t, err)
	consumerVM, err := NewManager(consumerFM, nil, testLogger())
	require.NoError(t, err)

	pump(t, producerFM, consumerFM, consumerVM, masterFID)

	require.True(t, consumerVM.IsConfigured())
	require.Equal(t, "hello world!", readFile(t, consumerDir, "app.txt"))
	applied, ok := consumerVM.AppliedVersion("app.txt")
	require.True(t, ok)
	require.Equal(t, uint32(3), applied)

	// Both sides track the same feed pair.
	pUpdate, pEmergency, ok := producerVM.TrackedFeeds("app.txt")
	require.True(t, ok)
	cUpdate, cEmergency, ok := consumerVM.TrackedFeeds("app.txt")
	require.True(t, ok)
	require.Equal(t, pUpdate, cUpdate)
	require.Equal(t, pEmergency, cEmergency)
}

// Scenario F: after three updates the producer rotates to the emergency
// feed and ships u4 through it; the consumer migrates its tracking to
// (E, E') and applies u4.
func TestEmergencyRotation(t *testing.T) {
	producerDir, consumerDir := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(producerDir, "app.txt"), nil, 0o644))

	producerFM, masterFID := initProducer(t, producerDir)
	producerVM, err := NewManager(producerFM, nil, testLogger())
	require.NoError(t, err)
	require.True(t, producerVM.TryConfigure(masterFID))

	require.NoError(t, producerVM.UpdateFile("app.txt", []Change{{Idx: 0, Op: OpInsert, Text: "v1"}}, 0))
	require.NoError(t, producerVM.UpdateFile("app.txt", []Change{{Idx: 2, Op: OpInsert, Text: " v2"}}, 1))
	require.NoError(t, producerVM.UpdateFile("app.txt", []Change{{Idx: 5, Op: OpInsert, Text: " v3"}}, 2))
	require.NoError(t, producerVM.AddApply("app.txt", 3))

	_, oldEmergency, ok := producerVM.TrackedFeeds("app.txt")
	require.True(t, ok)

	consumerFM, err := node.NewFeedManager(consumerDir, crypto.Ed25519Provider{}, testLogger())
	require.NoError(t, err)
	_, err = consumerFM.CreateFeed(masterFID, feed.CreateOptions{})
	require.NoError(t, err)
	consumerVM, err := NewManager(consumerFM, nil, testLogger())
	require.NoError(t, err)
	pump(t, producerFM, consumerFM, consumerVM, masterFID)
	require.Equal(t, "v1 v2 v3", readFile(t, consumerDir, "app.txt"))

	// Key compromise: rotate and ship u4 through the emergency feed.
	require.NoError(t, producerVM.EmergencyUpdateFile("app.txt", []Change{{Idx: 8, Op: OpInsert, Text: " v4"}}, 3))
	require.Equal(t, "v1 v2 v3 v4", readFile(t, producerDir, "app.txt"))

	pUpdate, pEmergency, ok := producerVM.TrackedFeeds("app.txt")
	require.True(t, ok)
	require.Equal(t, oldEmergency, pUpdate, "emergency feed must become the update feed")

	pump(t, producerFM, consumerFM, consumerVM, masterFID)

	require.Equal(t, "v1 v2 v3 v4", readFile(t, consumerDir, "app.txt"))
	applied, ok := consumerVM.AppliedVersion("app.txt")
	require.True(t, ok)
	require.Equal(t, uint32(4), applied)

	cUpdate, cEmergency, ok := consumerVM.TrackedFeeds("app.txt")
	require.True(t, ok)
	require.Equal(t, pUpdate, cUpdate, "consumer must migrate to the emergency feed")
	require.Equal(t, pEmergency, cEmergency, "consumer must track the fresh emergency feed")
}

// An APPLYUP that arrives before its update data defers via the apply queue
// and completes once the data lands; restarting the manager keeps the queue.
func TestApplyQueuePersistence(t *testing.T) {
	producerDir, consumerDir := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(producerDir, "app.txt"), nil, 0o644))

	producerFM, masterFID := initProducer(t, producerDir)
	producerVM, err := NewManager(producerFM, nil, testLogger())
	require.NoError(t, err)
	require.True(t, producerVM.TryConfigure(masterFID))
	require.NoError(t, producerVM.UpdateFile("app.txt", []Change{{Idx: 0, Op: OpInsert, Text: "data"}}, 0))
	require.NoError(t, producerVM.AddApply("app.txt", 1))

	consumerFM, err := node.NewFeedManager(consumerDir, crypto.Ed25519Provider{}, testLogger())
	require.NoError(t, err)
	_, err = consumerFM.CreateFeed(masterFID, feed.CreateOptions{})
	require.NoError(t, err)
	consumerVM, err := NewManager(consumerFM, nil, testLogger())
	require.NoError(t, err)

	// An apply for a feed that has not replicated yet must queue, not fail.
	var ghost [32]byte
	ghost[7] = 0x42
	consumerVM.ApplyUpdate(ghost, 9)

	pump(t, producerFM, consumerFM, consumerVM, masterFID)
	require.Equal(t, "data", readFile(t, consumerDir, "app.txt"))

	// The ghost entry survives a restart via update_cfg.json.
	reloaded, err := NewManager(consumerFM, nil, testLogger())
	require.NoError(t, err)
	require.True(t, reloaded.IsConfigured())
	require.Equal(t, uint32(9), reloaded.applyQueue[ghost])
}

func TestProducerOnlyOperationsRefused(t *testing.T) {
	consumerDir := t.TempDir()
	producerDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(producerDir, "app.txt"), nil, 0o644))

	producerFM, masterFID := initProducer(t, producerDir)
	producerVM, err := NewManager(producerFM, nil, testLogger())
	require.NoError(t, err)
	require.True(t, producerVM.TryConfigure(masterFID))

	consumerFM, err := node.NewFeedManager(consumerDir, crypto.Ed25519Provider{}, testLogger())
	require.NoError(t, err)
	_, err = consumerFM.CreateFeed(masterFID, feed.CreateOptions{})
	require.NoError(t, err)
	consumerVM, err := NewManager(consumerFM, nil, testLogger())
	require.NoError(t, err)
	pump(t, producerFM, consumerFM, consumerVM, masterFID)

	err = consumerVM.UpdateFile("app.txt", []Change{{Idx: 0, Op: OpInsert, Text: "x"}}, 0)
	require.ErrorIs(t, err, ErrNotAuthorised)
	err = consumerVM.AddApply("app.txt", 1)
	require.ErrorIs(t, err, ErrNotAuthorised)
	err = consumerVM.CreateNewFile("new.txt")
	require.ErrorIs(t, err, ErrNotAuthorised)
}

func TestUpdateFileRejectsBadDependency(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.txt"), nil, 0o644))
	fm, masterFID := initProducer(t, dir)
	vm, err := NewManager(fm, nil, testLogger())
	require.NoError(t, err)
	require.True(t, vm.TryConfigure(masterFID))

	err = vm.UpdateFile("app.txt", []Change{{Idx: 0, Op: OpInsert, Text: "x"}}, 5)
	require.Error(t, err)
	err = vm.UpdateFile("ghost.txt", nil, 0)
	require.Error(t, err)
}

func TestCreateNewFile(t *testing.T) {
	dir := t.TempDir()
	fm, masterFID := initProducer(t, dir)
	vm, err := NewManager(fm, nil, testLogger())
	require.NoError(t, err)
	require.True(t, vm.TryConfigure(masterFID))

	require.NoError(t, vm.CreateNewFile("sub/new.txt"))
	require.FileExists(t, filepath.Join(dir, "sub", "new.txt"))
	_, _, ok := vm.TrackedFeeds("sub/new.txt")
	require.True(t, ok)
	applied, ok := vm.AppliedVersion("sub/new.txt")
	require.True(t, ok)
	require.Equal(t, uint32(0), applied)

	require.Error(t, vm.CreateNewFile("sub/new.txt"))
}
