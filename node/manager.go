// Package node hosts the feed manager, the demultiplexing table and the
// broadcast I/O loop that together drive replication.
package node

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"tinyssb.dev/node/crypto"
	"tinyssb.dev/node/feed"
	"tinyssb.dev/node/packet"
)

// Handler processes one classified frame for a feed. Want handlers return
// the 128-byte response frame to send; packet/blob handlers return nil.
type Handler func(fid [32]byte, frame []byte) []byte

// Callback runs after a packet is appended to (or a blob chain completed
// on) the feed it is registered for. Callbacks execute on the RX path and
// must not block on the network.
type Callback func(fid [32]byte)

type dmxEntry struct {
	handler Handler
	fid     [32]byte
}

// FeedManager owns the local feed directory, the DMX table, the key store
// and the per-feed callback registry.
//
// Two locks, never held together: dmxLock guards the table, callbackLock
// guards the registry.
type FeedManager struct {
	dir  string
	prov crypto.Provider
	keys *KeyStore
	log  *logrus.Entry

	dmxLock  sync.Mutex
	dmxTable map[string]dmxEntry

	callbackLock sync.Mutex
	callbacks    map[[32]byte][]Callback
}

// NewFeedManager creates the _feeds/_blobs directories if needed, loads the
// key store and fills the DMX table from the feeds on disk.
func NewFeedManager(dir string, prov crypto.Provider, log *logrus.Entry) (*FeedManager, error) {
	for _, sub := range []string{"_feeds", "_blobs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	keys, err := LoadKeyStore(dir)
	if err != nil {
		return nil, err
	}
	fm := &FeedManager{
		dir:       dir,
		prov:      prov,
		keys:      keys,
		log:       log,
		dmxTable:  make(map[string]dmxEntry),
		callbacks: make(map[[32]byte][]Callback),
	}
	if err := fm.fillDMX(); err != nil {
		return nil, err
	}
	return fm, nil
}

// Dir returns the data directory this manager works in.
func (fm *FeedManager) Dir() string { return fm.dir }

// Provider returns the signing provider.
func (fm *FeedManager) Provider() crypto.Provider { return fm.prov }

// Keys returns the key store.
func (fm *FeedManager) Keys() *KeyStore { return fm.keys }

// ListFIDs discovers local feeds by scanning _feeds/*.head.
func (fm *FeedManager) ListFIDs() ([][32]byte, error) {
	entries, err := os.ReadDir(filepath.Join(fm.dir, "_feeds"))
	if err != nil {
		return nil, err
	}
	var out [][32]byte
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".head") {
			continue
		}
		raw, err := hex.DecodeString(strings.TrimSuffix(name, ".head"))
		if err != nil || len(raw) != 32 {
			continue
		}
		var fid [32]byte
		copy(fid[:], raw)
		out = append(out, fid)
	}
	return out, nil
}

// GetFeed opens a local feed.
func (fm *FeedManager) GetFeed(fid [32]byte) (*feed.Feed, error) {
	return feed.Open(fm.dir, fm.prov, fid)
}

// fillDMX seeds the table: a want entry for every feed, and a next-packet
// or blob entry for every feed we consume (no key held).
func (fm *FeedManager) fillDMX() error {
	fids, err := fm.ListFIDs()
	if err != nil {
		return err
	}
	for _, fid := range fids {
		f, err := fm.GetFeed(fid)
		if err != nil {
			return err
		}
		if err := fm.registerFeed(f); err != nil {
			return err
		}
	}
	return nil
}

// registerFeed installs the want entry and, for consumed feeds, the
// next-packet or blob entry.
func (fm *FeedManager) registerFeed(f *feed.Feed) error {
	want := packet.WantDMX(f.FID)

	fm.dmxLock.Lock()
	fm.dmxTable[string(want[:])] = dmxEntry{handler: fm.HandleWant, fid: f.FID}
	fm.dmxLock.Unlock()

	if fm.keys.Has(f.FID) {
		return nil
	}
	ptr, err := f.WaitingForBlob()
	if err != nil {
		return err
	}
	fm.dmxLock.Lock()
	defer fm.dmxLock.Unlock()
	if ptr != nil {
		fm.dmxTable[string(ptr[:])] = dmxEntry{handler: fm.HandleBlob, fid: f.FID}
	} else {
		next := f.NextDMX()
		fm.dmxTable[string(next[:])] = dmxEntry{handler: fm.HandlePacket, fid: f.FID}
	}
	return nil
}

// CreateFeed creates a local feed and registers its DMX entries.
func (fm *FeedManager) CreateFeed(fid [32]byte, opt feed.CreateOptions) (*feed.Feed, error) {
	f, err := feed.Create(fm.dir, fm.prov, fid, opt)
	if err != nil {
		return nil, err
	}
	return f, fm.registerFeed(f)
}

// CreateChildFeed is the producer-side atomic child creation: MKCHILD in
// the parent, ISCHILD as the child's first packet, DMX entries for the
// child.
func (fm *FeedManager) CreateChildFeed(parent *feed.Feed, parentKey []byte, childFID [32]byte, childKey []byte) (*feed.Feed, error) {
	child, err := feed.CreateChild(parent, parentKey, childFID, childKey)
	if err != nil {
		return nil, err
	}
	return child, fm.registerFeed(child)
}

// CreateContnFeed ends a feed with CONTDAS and creates its continuation.
func (fm *FeedManager) CreateContnFeed(ending *feed.Feed, endingKey []byte, contnFID [32]byte, contnKey []byte) (*feed.Feed, error) {
	contn, err := feed.CreateContinuation(ending, endingKey, contnFID, contnKey)
	if err != nil {
		return nil, err
	}
	return contn, fm.registerFeed(contn)
}

// ConsultDMX looks up a 7-byte DMX tag or 20-byte blob pointer.
func (fm *FeedManager) ConsultDMX(key []byte) (Handler, [32]byte, bool) {
	fm.dmxLock.Lock()
	defer fm.dmxLock.Unlock()
	entry, ok := fm.dmxTable[string(key)]
	if !ok {
		return nil, [32]byte{}, false
	}
	return entry.handler, entry.fid, true
}

// HandleWant serves a want request: 43 bytes ask for a packet by sequence,
// 63 bytes for a blob by pointer. Returns the 128-byte frame or nil.
func (fm *FeedManager) HandleWant(fid [32]byte, request []byte) []byte {
	if len(request) != 43 && len(request) != 63 {
		return nil
	}
	f, err := fm.GetFeed(fid)
	if err != nil {
		return nil
	}
	seq := packet.U32(request[39:43])
	if len(request) == 43 {
		if seq > f.FrontSeq {
			return nil
		}
		record, err := f.GetWire(int(seq))
		if err != nil {
			return nil
		}
		return record
	}

	var ptr [20]byte
	copy(ptr[:], request[43:])
	frame, err := os.ReadFile(feed.BlobPath(fm.dir, ptr))
	if err != nil || len(frame) != packet.FrameSize {
		return nil
	}
	return frame
}

// HandlePacket verifies and appends an incoming packet, rotates the DMX
// entry to the next expectation (packet or blob), auto-creates feeds that
// MKCHILD/CONTDAS declare, and runs callbacks.
func (fm *FeedManager) HandlePacket(fid [32]byte, frame []byte) []byte {
	if len(frame) != packet.RecordSize {
		return nil
	}
	f, err := fm.GetFeed(fid)
	if err != nil {
		fm.log.WithError(err).WithField("fid", hex.EncodeToString(fid[:8])).Warn("packet for unknown feed")
		return nil
	}
	oldDMX := frame[packet.RecordReserved : packet.RecordReserved+packet.DMXSize]
	if err := f.VerifyAndAppend(frame); err != nil {
		fm.log.WithError(err).WithField("fid", hex.EncodeToString(fid[:8])).Debug("packet rejected")
		return nil
	}

	ptr, err := f.WaitingForBlob()
	if err != nil {
		fm.log.WithError(err).Warn("blob chain check failed")
		return nil
	}

	fm.dmxLock.Lock()
	delete(fm.dmxTable, string(oldDMX))
	if ptr != nil {
		fm.dmxTable[string(ptr[:])] = dmxEntry{handler: fm.HandleBlob, fid: fid}
	} else {
		next := f.NextDMX()
		fm.dmxTable[string(next[:])] = dmxEntry{handler: fm.HandlePacket, fid: fid}
	}
	fm.dmxLock.Unlock()
	if ptr != nil {
		// Side chain open: callbacks wait for the blobs.
		return nil
	}

	fm.maybeCreateDeclaredFeed(f)
	fm.runCallbacks(fid)
	return nil
}

// maybeCreateDeclaredFeed creates the child or continuation feed a freshly
// appended MKCHILD/CONTDAS packet names, consumer side.
func (fm *FeedManager) maybeCreateDeclaredFeed(f *feed.Feed) {
	record, err := f.GetWire(-1)
	if err != nil {
		return
	}
	typ := packet.Type(record[packet.RecordReserved+packet.DMXSize])
	if typ != packet.MkChild && typ != packet.ContDas {
		return
	}
	payload := record[packet.RecordReserved+packet.DMXSize+1 : packet.RecordReserved+packet.DMXSize+1+packet.PayloadSize]
	newFID := packet.PayloadFID(payload)

	_, err = fm.CreateFeed(newFID, feed.CreateOptions{
		ParentFID: f.FID,
		ParentSeq: f.FrontSeq,
	})
	if errors.Is(err, feed.ErrExists) {
		return
	}
	if err != nil {
		fm.log.WithError(err).WithField("fid", hex.EncodeToString(newFID[:8])).Warn("declared feed creation failed")
		return
	}
	fm.log.WithFields(logrus.Fields{
		"fid":  hex.EncodeToString(newFID[:8]),
		"from": hex.EncodeToString(f.FID[:8]),
		"type": typ.String(),
	}).Info("created declared feed")
}

// HandleBlob verifies and stores an incoming blob frame. When the chain
// completes, the next-packet entry is installed and callbacks run;
// otherwise the next blob pointer is installed.
func (fm *FeedManager) HandleBlob(fid [32]byte, frame []byte) []byte {
	f, err := fm.GetFeed(fid)
	if err != nil {
		return nil
	}
	hash, err := packet.FrameHash(frame)
	if err != nil {
		return nil
	}
	if err := f.VerifyAndAppendBlob(frame); err != nil {
		fm.log.WithError(err).Debug("blob rejected")
		return nil
	}

	next, err := f.WaitingForBlob()
	if err != nil {
		fm.log.WithError(err).Warn("blob chain check failed")
		return nil
	}

	fm.dmxLock.Lock()
	delete(fm.dmxTable, string(hash[:]))
	if next != nil {
		fm.dmxTable[string(next[:])] = dmxEntry{handler: fm.HandleBlob, fid: fid}
	} else {
		nd := f.NextDMX()
		fm.dmxTable[string(nd[:])] = dmxEntry{handler: fm.HandlePacket, fid: fid}
	}
	fm.dmxLock.Unlock()

	if next == nil {
		fm.runCallbacks(fid)
	}
	return nil
}

// RegisterCallback adds fn to the callback list of fid.
func (fm *FeedManager) RegisterCallback(fid [32]byte, fn Callback) {
	fm.callbackLock.Lock()
	defer fm.callbackLock.Unlock()
	fm.callbacks[fid] = append(fm.callbacks[fid], fn)
}

// RemoveCallbacks drops every callback registered for fid.
func (fm *FeedManager) RemoveCallbacks(fid [32]byte) {
	fm.callbackLock.Lock()
	defer fm.callbackLock.Unlock()
	delete(fm.callbacks, fid)
}

// runCallbacks executes the callbacks of fid outside the callback lock. A
// panicking callback is isolated: DMX and feed state were already updated.
func (fm *FeedManager) runCallbacks(fid [32]byte) {
	fm.callbackLock.Lock()
	fns := append([]Callback(nil), fm.callbacks[fid]...)
	fm.callbackLock.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					fm.log.WithField("panic", r).Error("feed callback panicked")
				}
			}()
			fn(fid)
		}()
	}
}

// AppendToFeed appends payload as PLAIN48 to a feed this node produces.
func (fm *FeedManager) AppendToFeed(fid [32]byte, payload []byte) error {
	key, ok := fm.keys.Get(fid)
	if !ok {
		return feed.ErrNoKey
	}
	f, err := fm.GetFeed(fid)
	if err != nil {
		return err
	}
	return f.AppendPayload(key[:], payload)
}

// AppendBlobToFeed appends content as a blob chain to a feed this node
// produces.
func (fm *FeedManager) AppendBlobToFeed(fid [32]byte, content []byte) error {
	key, ok := fm.keys.Get(fid)
	if !ok {
		return feed.ErrNoKey
	}
	f, err := fm.GetFeed(fid)
	if err != nil {
		return err
	}
	return f.AppendBlob(key[:], content)
}
