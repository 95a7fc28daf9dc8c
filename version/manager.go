package version

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"tinyssb.dev/node/node"
	"tinyssb.dev/node/packet"
	"tinyssb.dev/node/store"
)

const configFileName = "update_cfg.json"

// ErrNotAuthorised is returned when a node without the update feed's key
// tries to produce updates.
var ErrNotAuthorised = errors.New("version: not authorised to produce updates")

// feedPair is one file's (update feed, emergency feed) pair.
type feedPair struct {
	Update    [32]byte
	Emergency [32]byte
}

type applyJob struct {
	FID     [32]byte
	Version uint32
}

// Manager converges every node on the same applied version of each tracked
// file. It owns the update-feed subtree rooted at updateFID:
//
//	updateFID ── child 0: vcFID (APPLYUP records)
//	          ── child 1..N: per-file update feeds
//	per-file feed: ISCHILD, UPDFILE, MKCHILD(emergency), then update blobs.
//
// Exactly one Manager instance exists per process; it is created at startup
// and handed to the node as its version-control hook.
type Manager struct {
	dir   string
	fm    *node.FeedManager
	snaps *store.Store
	log   *logrus.Entry

	mu         sync.Mutex
	vcDict     map[string]feedPair
	applyDict  map[string]uint32
	applyQueue map[[32]byte]uint32
	updateNext []applyJob
	updateFID  [32]byte
	hasUpdate  bool
	vcFID      [32]byte
	hasVC      bool
	mayUpdate  bool
}

// NewManager loads update_cfg.json under the feed manager's directory and
// registers callbacks for every feed it already tracks. snaps may be nil to
// run without the snapshot cache.
func NewManager(fm *node.FeedManager, snaps *store.Store, log *logrus.Entry) (*Manager, error) {
	m := &Manager{
		dir:        fm.Dir(),
		fm:         fm,
		snaps:      snaps,
		log:        log,
		vcDict:     make(map[string]feedPair),
		applyDict:  make(map[string]uint32),
		applyQueue: make(map[[32]byte]uint32),
	}
	if err := m.loadConfig(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.mayUpdate = m.hasUpdate && m.fm.Keys().Has(m.updateFID)
	m.registerCallbacksLocked()
	m.mu.Unlock()
	return m, nil
}

type configDisk struct {
	VCDict     map[string][2]string `json:"vc_dict"`
	ApplyQueue map[string]uint32    `json:"apply_queue"`
	ApplyDict  map[string]uint32    `json:"apply_dict"`
	UpdateFID  string               `json:"update_fid"`
	UpdateNext []applyJobDisk       `json:"update_next"`
}

type applyJobDisk struct {
	FID     string `json:"fid"`
	Version uint32 `json:"version"`
}

func (m *Manager) loadConfig() error {
	raw, err := os.ReadFile(filepath.Join(m.dir, configFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var disk configDisk
	if err := json.Unmarshal(raw, &disk); err != nil {
		return fmt.Errorf("decode %s: %w", configFileName, err)
	}

	for name, pair := range disk.VCDict {
		update, err := parseHex32(pair[0])
		if err != nil {
			return err
		}
		emergency, err := parseHex32(pair[1])
		if err != nil {
			return err
		}
		m.vcDict[name] = feedPair{Update: update, Emergency: emergency}
	}
	for fidHex, version := range disk.ApplyQueue {
		fid, err := parseHex32(fidHex)
		if err != nil {
			return err
		}
		m.applyQueue[fid] = version
	}
	for name, version := range disk.ApplyDict {
		m.applyDict[name] = version
	}
	for _, job := range disk.UpdateNext {
		fid, err := parseHex32(job.FID)
		if err != nil {
			return err
		}
		m.updateNext = append(m.updateNext, applyJob{FID: fid, Version: job.Version})
	}
	if disk.UpdateFID != "" {
		fid, err := parseHex32(disk.UpdateFID)
		if err != nil {
			return err
		}
		m.updateFID, m.hasUpdate = fid, true
		m.findVCFeed()
	}
	return nil
}

// findVCFeed resolves the version-control feed: the update feed's first
// child.
func (m *Manager) findVCFeed() {
	if !m.hasUpdate {
		return
	}
	f, err := m.fm.GetFeed(m.updateFID)
	if err != nil {
		return
	}
	children, err := f.Children()
	if err != nil || len(children) < 1 {
		return
	}
	m.vcFID, m.hasVC = children[0].FID, true
}

func (m *Manager) saveConfigLocked() {
	if !m.hasUpdate {
		return
	}
	disk := configDisk{
		VCDict:     make(map[string][2]string, len(m.vcDict)),
		ApplyQueue: make(map[string]uint32, len(m.applyQueue)),
		ApplyDict:  m.applyDict,
		UpdateFID:  hex.EncodeToString(m.updateFID[:]),
		UpdateNext: make([]applyJobDisk, 0, len(m.updateNext)),
	}
	for name, pair := range m.vcDict {
		disk.VCDict[name] = [2]string{
			hex.EncodeToString(pair.Update[:]),
			hex.EncodeToString(pair.Emergency[:]),
		}
	}
	for fid, version := range m.applyQueue {
		disk.ApplyQueue[hex.EncodeToString(fid[:])] = version
	}
	for _, job := range m.updateNext {
		disk.UpdateNext = append(disk.UpdateNext, applyJobDisk{
			FID:     hex.EncodeToString(job.FID[:]),
			Version: job.Version,
		})
	}
	raw, err := json.Marshal(disk)
	if err != nil {
		m.log.WithError(err).Error("config encode failed")
		return
	}
	raw = append(raw, '\n')
	tmp := filepath.Join(m.dir, configFileName+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		m.log.WithError(err).Error("config write failed")
		return
	}
	if err := os.Rename(tmp, filepath.Join(m.dir, configFileName)); err != nil {
		m.log.WithError(err).Error("config rename failed")
	}
}

// IsConfigured reports whether an update feed was attached.
func (m *Manager) IsConfigured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasUpdate
}

// TryConfigure attaches the update feed once the master feed's second child
// has replicated. Called from the I/O loop at start-up and after every
// received frame until it succeeds.
func (m *Manager) TryConfigure(masterFID [32]byte) bool {
	if m.IsConfigured() {
		return true
	}
	master, err := m.fm.GetFeed(masterFID)
	if err != nil {
		return false
	}
	children, err := master.Children()
	if err != nil || len(children) < 2 {
		return false
	}
	if err := m.SetUpdateFeed(children[1].FID); err != nil {
		m.log.WithError(err).Warn("update feed attach failed")
		return false
	}
	return true
}

// SetUpdateFeed makes fid the root of the update subtree. On the producer
// (key held) every monitorable file under the data directory gets its
// update and emergency feeds; consumers only register callbacks and follow.
func (m *Manager) SetUpdateFeed(fid [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updateFID, m.hasUpdate = fid, true
	m.findVCFeed()

	if !m.fm.Keys().Has(fid) {
		m.mayUpdate = false
		m.registerCallbacksLocked()
		m.saveConfigLocked()
		return nil
	}
	m.mayUpdate = true

	files, err := WalkFiles(m.dir)
	if err != nil {
		return err
	}
	for _, name := range files {
		if _, tracked := m.vcDict[name]; tracked {
			continue
		}
		if err := m.createFileFeedsLocked(name); err != nil {
			return fmt.Errorf("track %q: %w", name, err)
		}
	}
	m.registerCallbacksLocked()
	m.saveConfigLocked()
	return nil
}

// createFileFeedsLocked builds the update + emergency feed pair of a file
// on the producer.
func (m *Manager) createFileFeedsLocked(name string) error {
	updateKey, ok := m.fm.Keys().Get(m.updateFID)
	if !ok {
		return ErrNotAuthorised
	}
	updateFeed, err := m.fm.GetFeed(m.updateFID)
	if err != nil {
		return err
	}

	childKey, childFID, err := m.fm.Keys().Generate(m.fm.Provider())
	if err != nil {
		return err
	}
	child, err := m.fm.CreateChildFeed(updateFeed, updateKey[:], childFID, childKey[:])
	if err != nil {
		return err
	}
	if err := child.AppendUpdFile(childKey[:], name, 0); err != nil {
		return err
	}

	emergencyKey, emergencyFID, err := m.fm.Keys().Generate(m.fm.Provider())
	if err != nil {
		return err
	}
	if _, err := m.fm.CreateChildFeed(child, childKey[:], emergencyFID, emergencyKey[:]); err != nil {
		return err
	}

	m.vcDict[name] = feedPair{Update: childFID, Emergency: emergencyFID}
	m.applyDict[name] = 0
	m.saveConfigLocked()
	m.log.WithFields(logrus.Fields{
		"file": name,
		"fid":  hex.EncodeToString(childFID[:8]),
	}).Info("tracking file")
	return nil
}

func (m *Manager) registerCallbacksLocked() {
	if !m.hasUpdate {
		return
	}
	m.fm.RegisterCallback(m.updateFID, m.updateFeedCallback)
	if m.hasVC {
		m.fm.RegisterCallback(m.vcFID, m.vcFeedCallback)
	}
	for _, pair := range m.vcDict {
		m.fm.RegisterCallback(pair.Update, m.fileFeedCallback)
		m.fm.RegisterCallback(pair.Emergency, m.emergencyFeedCallback)
	}
}

// updateFeedCallback reacts to growth of the root update feed: the first
// child becomes the version-control feed, later children are new file
// update feeds.
func (m *Manager) updateFeedCallback(fid [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasUpdate {
		return
	}
	f, err := m.fm.GetFeed(m.updateFID)
	if err != nil {
		return
	}
	children, err := f.Children()
	if err != nil {
		return
	}

	if !m.hasVC {
		if len(children) >= 1 {
			m.vcFID, m.hasVC = children[0].FID, true
			m.fm.RegisterCallback(m.vcFID, m.vcFeedCallback)
		}
		return
	}
	if len(children) < 2 {
		return
	}
	newest := children[len(children)-1]
	m.fm.RegisterCallback(newest.FID, m.fileFeedCallback)
}

// vcFeedCallback applies every APPLYUP record arriving on the
// version-control feed.
func (m *Manager) vcFeedCallback(fid [32]byte) {
	m.mu.Lock()
	if !m.hasVC {
		m.mu.Unlock()
		return
	}
	vcf, err := m.fm.GetFeed(m.vcFID)
	if err != nil {
		m.mu.Unlock()
		return
	}
	typ, err := vcf.TypeAt(-1)
	if err != nil || typ != packet.ApplyUp {
		m.mu.Unlock()
		return
	}
	payload, err := vcf.GetPayload(-1)
	m.mu.Unlock()
	if err != nil {
		return
	}
	fileFID, version, err := packet.ParseApply(payload)
	if err != nil {
		return
	}
	m.ApplyUpdate(fileFID, version)
}

// fileFeedCallback follows a file's update feed: completed update blobs
// unblock queued applies, MKCHILD finishes the feed's setup, UPDFILE
// creates the file locally.
func (m *Manager) fileFeedCallback(fid [32]byte) {
	f, err := m.fm.GetFeed(fid)
	if err != nil {
		return
	}
	if ptr, err := f.WaitingForBlob(); err != nil || ptr != nil {
		return
	}
	typ, err := f.TypeAt(-1)
	if err != nil {
		return
	}

	switch typ {
	case packet.Chain20:
		m.mu.Lock()
		version, queued := m.applyQueue[fid]
		m.mu.Unlock()
		if queued {
			m.ApplyUpdate(fid, version)
		}

	case packet.MkChild:
		name, base, ok := f.UpdFileInfo()
		if !ok {
			return
		}
		children, err := f.Children()
		if err != nil || len(children) < 1 {
			return
		}
		emergencyFID := children[0].FID
		m.fm.RegisterCallback(emergencyFID, m.emergencyFeedCallback)

		m.mu.Lock()
		m.vcDict[name] = feedPair{Update: fid, Emergency: emergencyFID}
		if _, ok := m.applyDict[name]; !ok {
			m.applyDict[name] = base
		}
		m.saveConfigLocked()
		m.mu.Unlock()

	case packet.UpdFile:
		name, _, ok := f.UpdFileInfo()
		if !ok {
			return
		}
		if !FileExists(m.dir, name) {
			if err := CreateDirsAndFile(m.dir, name); err != nil {
				m.log.WithError(err).WithField("file", name).Warn("file creation failed")
			}
		}
	}
}

// emergencyFeedCallback watches a file's emergency feed for the MKCHILD
// that signals a rotation: the emergency feed becomes the update feed, its
// new child the next emergency feed, and the previous update feed is
// abandoned for this file.
func (m *Manager) emergencyFeedCallback(fid [32]byte) {
	f, err := m.fm.GetFeed(fid)
	if err != nil {
		return
	}
	if ptr, err := f.WaitingForBlob(); err != nil || ptr != nil {
		return
	}
	typ, err := f.TypeAt(-1)
	if err != nil || typ != packet.MkChild {
		return
	}

	name, _, ok := f.UpdFileInfo()
	if !ok {
		return
	}
	children, err := f.Children()
	if err != nil || len(children) < 1 {
		return
	}
	newEmergencyFID := children[0].FID

	if parentFID, ok := f.Parent(); ok {
		m.fm.RemoveCallbacks(parentFID)
	}
	m.fm.RemoveCallbacks(fid)
	m.fm.RegisterCallback(fid, m.fileFeedCallback)
	m.fm.RegisterCallback(newEmergencyFID, m.emergencyFeedCallback)

	m.mu.Lock()
	m.vcDict[name] = feedPair{Update: fid, Emergency: newEmergencyFID}
	m.saveConfigLocked()
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"file": name,
		"fid":  hex.EncodeToString(fid[:8]),
	}).Info("switched to emergency feed")
}

// ApplyUpdate brings the file owned by fileFID to version. Any missing
// prerequisite (feed, update packet, blob) defers the work via the apply
// queue; arrival callbacks resume it. It never fails an apply: it either
// completes or queues, except for a file name that resolves outside the
// data directory, which is logged and dropped.
func (m *Manager) ApplyUpdate(fileFID [32]byte, version uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(fileFID, version)
}

func (m *Manager) applyLocked(fileFID [32]byte, version uint32) {
	defer m.saveConfigLocked()

	enqueue := func(reason string) {
		if existing, ok := m.applyQueue[fileFID]; ok && existing == version {
			return
		}
		m.applyQueue[fileFID] = version
		m.log.WithFields(logrus.Fields{
			"fid":     hex.EncodeToString(fileFID[:8]),
			"version": version,
			"reason":  reason,
		}).Debug("apply deferred")
	}

	f, err := m.fm.GetFeed(fileFID)
	if err != nil {
		enqueue("feed missing")
		return
	}
	numUpdates := int(f.Length()) - 3
	if numUpdates < 0 {
		enqueue("feed setup incomplete")
		return
	}
	name, base, ok := f.UpdFileInfo()
	if !ok {
		enqueue("UPDFILE missing")
		return
	}
	newest := base + uint32(numUpdates)
	if newest < version {
		enqueue("update missing")
		return
	}
	if newest == version {
		ptr, err := f.WaitingForBlob()
		if err != nil || ptr != nil {
			enqueue("blob incomplete")
			return
		}
	}

	current := m.applyDict[name]
	if current == version {
		delete(m.applyQueue, fileFID)
		return
	}

	newContent, ok := m.snapshot(name, version)
	if !ok {
		path, err := ResolvePath(m.dir, name)
		if err != nil {
			m.log.WithError(err).WithField("file", name).Error("apply rejected")
			return
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			enqueue("file unreadable")
			return
		}

		graph, err := ExtractGraph(m.fm.GetFeed, f)
		if err != nil {
			enqueue("graph incomplete")
			return
		}
		if !graph.Has(int(version)) {
			enqueue("version outside known graph")
			return
		}
		jumped, err := graph.JumpVersions(string(raw), int(current), int(version))
		if err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"file":    name,
				"version": version,
			}).Warn("apply stalled")
			enqueue("jump failed")
			return
		}
		newContent = []byte(jumped)
	}

	path, err := ResolvePath(m.dir, name)
	if err != nil {
		m.log.WithError(err).WithField("file", name).Error("apply rejected")
		return
	}
	if err := os.WriteFile(path, newContent, 0o644); err != nil {
		m.log.WithError(err).WithField("file", name).Error("file write failed")
		enqueue("file write failed")
		return
	}
	m.putSnapshot(name, version, newContent)

	delete(m.applyQueue, fileFID)
	m.applyDict[name] = version
	m.log.WithFields(logrus.Fields{
		"file":    name,
		"version": version,
	}).Info("applied version")
}

func (m *Manager) snapshot(name string, version uint32) ([]byte, bool) {
	if m.snaps == nil {
		return nil, false
	}
	content, ok, err := m.snaps.Get(name, version)
	if err != nil || !ok {
		return nil, false
	}
	return content, true
}

func (m *Manager) putSnapshot(name string, version uint32, content []byte) {
	if m.snaps == nil {
		return
	}
	if err := m.snaps.Put(name, version, content); err != nil {
		m.log.WithError(err).Warn("snapshot write failed")
	}
}

// UpdateFile appends a new update (change list + dependency) to the file's
// update feed. Producer only.
func (m *Manager) UpdateFile(name string, changes []Change, dependsOn uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateFileLocked(name, changes, dependsOn)
}

func (m *Manager) updateFileLocked(name string, changes []Change, dependsOn uint32) error {
	if !m.mayUpdate {
		return ErrNotAuthorised
	}
	pair, ok := m.vcDict[name]
	if !ok {
		return fmt.Errorf("version: file %q not tracked", name)
	}
	f, err := m.fm.GetFeed(pair.Update)
	if err != nil {
		return err
	}
	_, base, ok := f.UpdFileInfo()
	if !ok {
		return fmt.Errorf("version: feed %x has no UPDFILE metadata", pair.Update[:8])
	}
	newest := base + uint32(int(f.Length())-3)
	if dependsOn > newest {
		return fmt.Errorf("version: dependency %d does not exist yet (newest %d)", dependsOn, newest)
	}
	return m.fm.AppendBlobToFeed(pair.Update, EncodeChanges(changes, dependsOn))
}

// AddApply emits APPLYUP(file feed, version) on the version-control feed
// and applies locally. version -1 selects the newest update.
func (m *Manager) AddApply(name string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addApplyLocked(name, version)
}

func (m *Manager) addApplyLocked(name string, version int) error {
	if !m.mayUpdate {
		return ErrNotAuthorised
	}
	if !m.hasVC {
		return errors.New("version: no version-control feed present")
	}
	pair, ok := m.vcDict[name]
	if !ok {
		return fmt.Errorf("version: file %q not tracked", name)
	}
	f, err := m.fm.GetFeed(pair.Update)
	if err != nil {
		return err
	}
	_, base, ok := f.UpdFileInfo()
	if !ok {
		return fmt.Errorf("version: feed %x has no UPDFILE metadata", pair.Update[:8])
	}
	newest := int(base) + int(f.Length()) - 3

	if version < 0 {
		version += newest + 1
	}
	if version > newest {
		return fmt.Errorf("version: update %d does not exist yet (newest %d)", version, newest)
	}

	vcKey, ok := m.fm.Keys().Get(m.vcFID)
	if !ok {
		return ErrNotAuthorised
	}
	m.applyLocked(pair.Update, uint32(version))

	vcf, err := m.fm.GetFeed(m.vcFID)
	if err != nil {
		return err
	}
	return vcf.AppendApply(vcKey[:], pair.Update, uint32(version))
}

// EmergencyUpdateFile rotates producer authority for one file: UPDFILE on
// the existing emergency feed (making it the new update feed), a fresh
// emergency feed as its child, then the update itself and an APPLYUP.
// Consumers follow by reacting to the same packets.
func (m *Manager) EmergencyUpdateFile(name string, changes []Change, dependsOn uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mayUpdate {
		return ErrNotAuthorised
	}
	pair, ok := m.vcDict[name]
	if !ok {
		return fmt.Errorf("version: file %q not tracked", name)
	}
	oldFeed, err := m.fm.GetFeed(pair.Update)
	if err != nil {
		return err
	}
	emergencyFeed, err := m.fm.GetFeed(pair.Emergency)
	if err != nil {
		return err
	}
	emergencyKey, ok := m.fm.Keys().Get(pair.Emergency)
	if !ok {
		return ErrNotAuthorised
	}

	_, base, ok := oldFeed.UpdFileInfo()
	if !ok {
		return fmt.Errorf("version: feed %x has no UPDFILE metadata", pair.Update[:8])
	}
	maxv := base + uint32(int(oldFeed.Length())-3)

	// The compromised feed is abandoned for this file.
	m.fm.RemoveCallbacks(pair.Update)

	// The emergency feed inherits the version space at maxv: its first
	// update becomes maxv+1.
	if err := emergencyFeed.AppendUpdFile(emergencyKey[:], name, maxv); err != nil {
		return err
	}

	nextKey, nextFID, err := m.fm.Keys().Generate(m.fm.Provider())
	if err != nil {
		return err
	}
	if _, err := m.fm.CreateChildFeed(emergencyFeed, emergencyKey[:], nextFID, nextKey[:]); err != nil {
		return err
	}

	m.vcDict[name] = feedPair{Update: pair.Emergency, Emergency: nextFID}
	m.saveConfigLocked()

	if err := m.updateFileLocked(name, changes, dependsOn); err != nil {
		return err
	}
	if err := m.addApplyLocked(name, -1); err != nil {
		return err
	}

	m.fm.RemoveCallbacks(pair.Emergency)
	m.fm.RegisterCallback(pair.Emergency, m.fileFeedCallback)
	m.fm.RegisterCallback(nextFID, m.emergencyFeedCallback)
	m.log.WithField("file", name).Info("emergency rotation complete")
	return nil
}

// CreateNewFile starts tracking a new, empty file. Producer only.
func (m *Manager) CreateNewFile(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mayUpdate {
		return ErrNotAuthorised
	}
	if FileExists(m.dir, name) {
		return fmt.Errorf("version: file %q already exists", name)
	}
	if err := CreateDirsAndFile(m.dir, name); err != nil {
		return err
	}
	return m.createFileFeedsLocked(name)
}

// ExecuteNext drains deferred applies, keeping only the newest version per
// feed. Runs off the RX path (the embedded stack-depth mitigation).
func (m *Manager) ExecuteNext() {
	m.mu.Lock()
	if len(m.updateNext) == 0 {
		m.mu.Unlock()
		return
	}
	newest := make(map[[32]byte]uint32)
	for _, job := range m.updateNext {
		if existing, ok := newest[job.FID]; !ok || job.Version > existing {
			newest[job.FID] = job.Version
		}
	}
	m.updateNext = nil
	for fid, version := range newest {
		m.applyLocked(fid, version)
	}
	m.saveConfigLocked()
	m.mu.Unlock()
}

// AppliedVersion returns the currently applied version of a tracked file.
func (m *Manager) AppliedVersion(name string) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	version, ok := m.applyDict[name]
	return version, ok
}

// TrackedFeeds returns the (update, emergency) pair of a tracked file.
func (m *Manager) TrackedFeeds(name string) ([32]byte, [32]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair, ok := m.vcDict[name]
	return pair.Update, pair.Emergency, ok
}

// RenderFileGraph draws the dependency DAG of a tracked file with its
// applied version highlighted.
func (m *Manager) RenderFileGraph(name string) (string, error) {
	m.mu.Lock()
	pair, ok := m.vcDict[name]
	applied := int(m.applyDict[name])
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("version: file %q not tracked", name)
	}
	f, err := m.fm.GetFeed(pair.Update)
	if err != nil {
		return "", err
	}
	return RenderGraph(m.fm.GetFeed, f, applied)
}

// TrackedFiles lists the files under version control.
func (m *Manager) TrackedFiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.vcDict))
	for name := range m.vcDict {
		out = append(out, name)
	}
	return out
}

// VCFID returns the version-control feed id once resolved.
func (m *Manager) VCFID() ([32]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vcFID, m.hasVC
}

func parseHex32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

var _ node.VersionControl = (*Manager)(nil)
