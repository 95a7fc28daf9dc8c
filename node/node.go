package node

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tinyssb.dev/node/packet"
)

// VersionControl is the hook the I/O loop pokes so the version manager can
// finish its bootstrap once the update feed has replicated, and drain
// deferred applies off the RX path.
type VersionControl interface {
	IsConfigured() bool
	TryConfigure(masterFID [32]byte) bool
	ExecuteNext()
}

// Node runs the broadcast I/O loop: RX classifies and dispatches frames,
// TX drains the outbound queue with an inter-frame delay, and a filler
// appends wants for every consumed feed when the queue runs empty.
//
// Queue discipline: requests beat responses. The RX path pushes the next
// want of a freshly advanced feed to the head (greedy pull); responses and
// periodic wants go to the tail.
type Node struct {
	fm        *FeedManager
	vc        VersionControl
	settings  Settings
	transport Transport
	log       *logrus.Entry
	metrics   *Metrics

	nonce     [8]byte
	masterFID [32]byte
	hasMaster bool

	queueLock sync.Mutex
	queue     [][]byte
}

// NewNode wires a node from its collaborators and loads node_cfg.json.
// vc may be nil when no version control is attached.
func NewNode(fm *FeedManager, vc VersionControl, settings Settings, transport Transport, log *logrus.Entry, metrics *Metrics) (*Node, error) {
	n := &Node{
		fm:        fm,
		vc:        vc,
		settings:  settings,
		transport: transport,
		log:       log,
		metrics:   metrics,
	}
	if _, err := rand.Read(n.nonce[:]); err != nil {
		return nil, err
	}
	fid, ok, err := LoadMasterFID(fm.Dir())
	if err != nil {
		return nil, err
	}
	n.masterFID, n.hasMaster = fid, ok
	return n, nil
}

// MasterFID returns the configured master feed, if any.
func (n *Node) MasterFID() ([32]byte, bool) {
	return n.masterFID, n.hasMaster
}

// SetMasterFID persists the master feed id.
func (n *Node) SetMasterFID(fid [32]byte) error {
	if err := SaveMasterFID(n.fm.Dir(), fid); err != nil {
		return err
	}
	n.masterFID, n.hasMaster = fid, true
	return nil
}

// FeedManager returns the feed manager this node drives.
func (n *Node) FeedManager() *FeedManager { return n.fm }

// Run starts the RX, TX and want-fill loops and blocks until ctx is
// cancelled.
func (n *Node) Run(ctx context.Context) error {
	if n.vc != nil && !n.vc.IsConfigured() && n.hasMaster {
		n.vc.TryConfigure(n.masterFID)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		n.rxLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		n.txLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		n.wantLoop(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

func (n *Node) rxLoop(ctx context.Context) {
	timeout := time.Duration(n.settings.RXTimeoutMS) * time.Millisecond
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := n.transport.Recv(timeout)
		if errors.Is(err, ErrRecvTimeout) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.WithError(err).Warn("receive failed")
			continue
		}
		n.metrics.FramesReceived.Inc()

		if len(frame) <= 8 {
			n.metrics.FramesDropped.Inc()
			continue
		}
		if bytes.Equal(frame[:8], n.nonce[:]) {
			// Own echo off the broadcast group.
			n.metrics.FramesDropped.Inc()
			continue
		}
		n.handleFrame(frame[8:])

		if n.vc != nil && !n.vc.IsConfigured() && n.hasMaster {
			n.vc.TryConfigure(n.masterFID)
		}
	}
}

// handleFrame classifies a nonce-stripped frame by length: 43/63 bytes are
// wants (looked up by the leading 7 bytes), 128 bytes are packets (DMX at
// offset 8) or, failing that, blob frames (content hash). Packet lookup
// takes precedence over blob lookup. Unknown frames are dropped silently:
// the protocol is best-effort broadcast.
func (n *Node) handleFrame(body []byte) {
	switch len(body) {
	case 43, 63:
		handler, fid, ok := n.fm.ConsultDMX(body[:packet.DMXSize])
		if !ok {
			n.metrics.FramesDropped.Inc()
			return
		}
		if resp := handler(fid, body); resp != nil {
			n.metrics.WantsServed.Inc()
			n.enqueueBack(resp)
		}

	case packet.RecordSize:
		dmx := body[packet.RecordReserved : packet.RecordReserved+packet.DMXSize]
		if handler, fid, ok := n.fm.ConsultDMX(dmx); ok {
			handler(fid, body)
			if _, _, still := n.fm.ConsultDMX(dmx); !still {
				// Entry rotated out: the packet was accepted.
				n.metrics.PacketsAccepted.Inc()
				n.pullNext(fid)
			}
			return
		}
		hash := packet.Hash20(body[packet.RecordReserved:])
		if handler, fid, ok := n.fm.ConsultDMX(hash[:]); ok {
			handler(fid, body)
			if _, _, still := n.fm.ConsultDMX(hash[:]); !still {
				n.metrics.BlobsAccepted.Inc()
				n.pullNext(fid)
			}
			return
		}
		n.metrics.FramesDropped.Inc()

	default:
		n.metrics.FramesDropped.Inc()
	}
}

// pullNext front-queues the want for a feed that just advanced, keeping the
// pull greedy while a producer is in range.
func (n *Node) pullNext(fid [32]byte) {
	if n.fm.Keys().Has(fid) {
		return
	}
	f, err := n.fm.GetFeed(fid)
	if err != nil {
		return
	}
	want, err := f.GetWant()
	if err != nil {
		n.log.WithError(err).WithField("fid", hex.EncodeToString(fid[:8])).Warn("want build failed")
		return
	}
	n.enqueueFront(want)
}

func (n *Node) txLoop(ctx context.Context) {
	delay := time.Duration(n.settings.TXDelayMS) * time.Millisecond
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		msg := n.dequeue()
		if msg == nil {
			continue
		}
		frame := make([]byte, 0, len(msg)+8)
		frame = append(frame, n.nonce[:]...)
		frame = append(frame, msg...)
		if err := n.transport.Send(frame); err != nil {
			n.log.WithError(err).Warn("send failed")
			continue
		}
		n.metrics.FramesSent.Inc()
	}
}

// wantLoop periodically refills the queue with wants for every feed whose
// key we do not hold, and drains deferred version-manager work.
func (n *Node) wantLoop(ctx context.Context) {
	interval := time.Duration(n.settings.WantIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n.vc != nil {
			n.vc.ExecuteNext()
		}
		if !n.queueEmpty() {
			continue
		}
		fids, err := n.fm.ListFIDs()
		if err != nil {
			n.log.WithError(err).Warn("feed scan failed")
			continue
		}
		for _, fid := range fids {
			if n.fm.Keys().Has(fid) {
				continue
			}
			f, err := n.fm.GetFeed(fid)
			if err != nil {
				continue
			}
			want, err := f.GetWant()
			if err != nil {
				continue
			}
			n.enqueueBack(want)
		}
	}
}

func (n *Node) queueEmpty() bool {
	n.queueLock.Lock()
	defer n.queueLock.Unlock()
	return len(n.queue) == 0
}

func (n *Node) dequeue() []byte {
	n.queueLock.Lock()
	defer n.queueLock.Unlock()
	if len(n.queue) == 0 {
		return nil
	}
	msg := n.queue[0]
	n.queue = n.queue[1:]
	return msg
}

func (n *Node) enqueueFront(msg []byte) {
	n.queueLock.Lock()
	defer n.queueLock.Unlock()
	if n.queued(msg) {
		return
	}
	n.queue = append([][]byte{msg}, n.queue...)
}

func (n *Node) enqueueBack(msg []byte) {
	n.queueLock.Lock()
	defer n.queueLock.Unlock()
	if n.queued(msg) {
		return
	}
	n.queue = append(n.queue, msg)
}

// queued reports whether an identical frame already waits in the queue.
// Callers hold queueLock.
func (n *Node) queued(msg []byte) bool {
	for _, q := range n.queue {
		if bytes.Equal(q, msg) {
			return true
		}
	}
	return false
}
