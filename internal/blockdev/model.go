// Package blockdev implements the declarative, serializable block-device
// model: controllers, drives, drive paths, copy-on-write overlays, and the
// named snapshot list that threads them together.
package blockdev

import (
	"fmt"
	"path/filepath"
)

// Media is the kind of storage a Drive represents.
type Media string

const (
	MediaDisk  Media = "disk"
	MediaCdrom Media = "cdrom"
)

// Format is an on-disk block image format.
type Format string

const (
	FormatQcow2 Format = "qcow2"
	FormatRaw   Format = "raw"
)

// Controller emits one CLI -device line and owns zero or more DrivePaths.
type Controller struct {
	ID    string
	Model string // e.g. virtio-scsi-pci, ahci, ide, nvme
}

// DrivePath attaches a Drive to a Controller; a drive may have several for
// multipath configurations.
type DrivePath struct {
	ID            string
	DriveID       string
	ControllerID  string
}

// Overlay is a qcow2 file whose backing file is either the Drive's base
// image or another Overlay; the live node for a drive is the head of its
// overlay chain.
type Overlay struct {
	NodeName   string
	File       string
	Driver     Format
	BackingRef string // node-name of the Overlay or Drive beneath this one
	Sequence   int    // the Snapshot sequence number that created it, 0 for none
}

// Drive is a disk or cdrom with its own overlay chain.
type Drive struct {
	ID           string
	Media        Media
	NodeName     string
	SourceFile   string
	Format       Format
	SizeBytes    int64
	BootIndex    *int
	CachePolicy  string
	Serial       string
	PathIDs      []string
	liveNode     string   // current head of the overlay chain; starts as NodeName
	overlayOrder []string // overlay node-names in creation order
}

// Snapshot records one save_snapshot's state: a RAM migration file and, for
// every drive, the overlay that was the live node at save time.
type Snapshot struct {
	Name         string
	Sequence     int
	RAMFile      string
	DriveOverlay map[string]string // driveID -> overlay node-name
}

// Model is the arena holding every node, keyed by id, plus the ordered
// snapshot list. References between nodes are ids, resolved on demand;
// serialization (ToMap/FromMap) uses ids only, never pointers.
type Model struct {
	BaseDir string

	controllers map[string]*Controller
	drives      map[string]*Drive
	paths       map[string]*DrivePath
	overlays    map[string]*Overlay
	snapshots   []*Snapshot

	nextSeq int
}

// New creates an empty Model rooted at baseDir, the directory overlay and
// snapshot files are written under.
func New(baseDir string) *Model {
	return &Model{
		BaseDir:     baseDir,
		controllers: make(map[string]*Controller),
		drives:      make(map[string]*Drive),
		paths:       make(map[string]*DrivePath),
		overlays:    make(map[string]*Overlay),
		nextSeq:     1,
	}
}

// ErrDuplicateID is returned when an id is reused.
type ErrDuplicateID struct{ ID string }

func (e *ErrDuplicateID) Error() string { return fmt.Sprintf("blockdev: duplicate id %q", e.ID) }

// ErrUnknownRef is returned when a mutation references a nonexistent node.
type ErrUnknownRef struct{ Kind, ID string }

func (e *ErrUnknownRef) Error() string { return fmt.Sprintf("blockdev: unknown %s %q", e.Kind, e.ID) }

// AddController registers a new controller.
func (m *Model) AddController(id, model string) (*Controller, error) {
	if _, exists := m.controllers[id]; exists {
		return nil, &ErrDuplicateID{ID: id}
	}
	c := &Controller{ID: id, Model: model}
	m.controllers[id] = c
	return c, nil
}

// AddDrive registers a new drive. For cdrom media and raw-format base
// images, the initial live node is a thin qcow2 overlay created over the
// base file so that writes land in the overlay rather than the base. A
// qcow2 disk gets no initial overlay; whether its base file is read-only
// is not checked.
func (m *Model) AddDrive(id string, media Media, baseFile string, format Format, size int64) (*Drive, error) {
	if _, exists := m.drives[id]; exists {
		return nil, &ErrDuplicateID{ID: id}
	}
	nodeName := "node-" + id
	d := &Drive{
		ID:         id,
		Media:      media,
		NodeName:   nodeName,
		SourceFile: baseFile,
		Format:     format,
		SizeBytes:  size,
		liveNode:   nodeName,
	}

	if media == MediaCdrom || format == FormatRaw {
		overlayNode := nodeName + "-overlay0"
		overlayFile := filepath.Join(m.BaseDir, id+"-base.qcow2")
		m.overlays[overlayNode] = &Overlay{
			NodeName:   overlayNode,
			File:       overlayFile,
			Driver:     FormatQcow2,
			BackingRef: nodeName,
		}
		d.liveNode = overlayNode
		d.overlayOrder = append(d.overlayOrder, overlayNode)
	}

	m.drives[id] = d
	return d, nil
}

// Attach binds a drive to a controller via a new DrivePath.
func (m *Model) Attach(driveID, controllerID string) (*DrivePath, error) {
	d, ok := m.drives[driveID]
	if !ok {
		return nil, &ErrUnknownRef{Kind: "drive", ID: driveID}
	}
	if _, ok := m.controllers[controllerID]; !ok {
		return nil, &ErrUnknownRef{Kind: "controller", ID: controllerID}
	}
	pathID := fmt.Sprintf("%s-path%d", driveID, len(d.PathIDs))
	p := &DrivePath{ID: pathID, DriveID: driveID, ControllerID: controllerID}
	m.paths[pathID] = p
	d.PathIDs = append(d.PathIDs, pathID)
	return p, nil
}

// AddOverlay creates a fresh qcow2 overlay over driveID's current live node
// and advances the live node to it. The overlay filename is
// <basedir>/<drive-id>-<snapshot-seq>.qcow2. It depends only on the drive
// id and the sequence number, which is persisted with the model, so a
// recorded snapshot's overlay path is the same after a restart. Sequence
// numbers are never reused, so saving a name again after a revert yields
// a new path.
func (m *Model) AddOverlay(driveID string, seq int) (*Overlay, error) {
	d, ok := m.drives[driveID]
	if !ok {
		return nil, &ErrUnknownRef{Kind: "drive", ID: driveID}
	}
	nodeName := fmt.Sprintf("node-%s-s%d", driveID, seq)
	ov := &Overlay{
		NodeName:   nodeName,
		File:       filepath.Join(m.BaseDir, fmt.Sprintf("%s-%d.qcow2", driveID, seq)),
		Driver:     FormatQcow2,
		BackingRef: d.liveNode,
		Sequence:   seq,
	}
	m.overlays[nodeName] = ov
	d.liveNode = nodeName
	d.overlayOrder = append(d.overlayOrder, nodeName)
	return ov, nil
}

// LiveNode returns the current head node-name of a drive's overlay chain.
func (m *Model) LiveNode(driveID string) (string, error) {
	d, ok := m.drives[driveID]
	if !ok {
		return "", &ErrUnknownRef{Kind: "drive", ID: driveID}
	}
	return d.liveNode, nil
}

// NodePath resolves a node-name (an overlay, or a drive's own base node) to
// the on-disk file backing it.
func (m *Model) NodePath(nodeName string) (string, error) {
	if ov, ok := m.overlays[nodeName]; ok {
		return ov.File, nil
	}
	for _, d := range m.drives {
		if d.NodeName == nodeName {
			return d.SourceFile, nil
		}
	}
	return "", &ErrUnknownRef{Kind: "node", ID: nodeName}
}

// NextSequence reserves and returns the next strictly-monotonic snapshot
// sequence number.
func (m *Model) NextSequence() int {
	seq := m.nextSeq
	m.nextSeq++
	return seq
}

// RecordSnapshot appends a Snapshot after the caller has already created
// per-drive overlays via AddOverlay with the given sequence number.
func (m *Model) RecordSnapshot(name string, seq int, ramFile string) (*Snapshot, error) {
	for _, s := range m.snapshots {
		if s.Name == name {
			return nil, fmt.Errorf("blockdev: snapshot %q already exists", name)
		}
	}
	snap := &Snapshot{Name: name, Sequence: seq, RAMFile: ramFile, DriveOverlay: make(map[string]string)}
	for id, d := range m.drives {
		snap.DriveOverlay[id] = d.liveNode
	}
	m.snapshots = append(m.snapshots, snap)
	return snap, nil
}

// Snapshots returns the ordered snapshot list.
func (m *Model) Snapshots() []*Snapshot {
	return m.snapshots
}

// RevertTo truncates the snapshot list to name (inclusive), dropping every
// overlay created after it for every drive and resetting each drive's live
// node to the overlay that snapshot recorded. Dropped overlay files are
// returned for the caller to unlink; this method does not touch the
// filesystem itself.
func (m *Model) RevertTo(name string) (removedFiles []string, err error) {
	idx := -1
	for i, s := range m.snapshots {
		if s.Name == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, fmt.Errorf("blockdev: unknown snapshot %q", name)
	}
	target := m.snapshots[idx]

	for driveID, d := range m.drives {
		keepNode, ok := target.DriveOverlay[driveID]
		if !ok {
			continue
		}
		var kept []string
		dropping := false
		for _, node := range d.overlayOrder {
			if node == keepNode {
				dropping = true
				kept = append(kept, node)
				continue
			}
			if dropping {
				if ov, ok := m.overlays[node]; ok {
					removedFiles = append(removedFiles, ov.File)
					delete(m.overlays, node)
				}
				continue
			}
			kept = append(kept, node)
		}
		d.overlayOrder = kept
		d.liveNode = keepNode
	}

	m.snapshots = m.snapshots[:idx+1]
	// nextSeq is never rewound: sequence numbers never reuse.
	return removedFiles, nil
}

// Drives returns every registered drive, unordered.
func (m *Model) Drives() []*Drive {
	out := make([]*Drive, 0, len(m.drives))
	for _, d := range m.drives {
		out = append(out, d)
	}
	return out
}

// Controllers returns every registered controller, unordered.
func (m *Model) Controllers() []*Controller {
	out := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		out = append(out, c)
	}
	return out
}

// HasNVMeDrive reports whether any controller attached to any drive uses
// the nvme model, the compatibility gate for snapshot support.
func (m *Model) HasNVMeDrive() bool {
	for _, p := range m.paths {
		c, ok := m.controllers[p.ControllerID]
		if ok && c.Model == "nvme" {
			return true
		}
	}
	return false
}
