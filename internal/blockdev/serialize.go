package blockdev

// serializedModel is the lossless plain-tree form of Model used by
// ToMap/FromMap, keyed entirely by id so cyclic references (drive -> path
// -> controller) never appear as pointers on the wire.
type serializedModel struct {
	BaseDir     string                 `json:"base_dir"`
	Controllers []Controller           `json:"controllers"`
	Drives      []serializedDrive      `json:"drives"`
	Paths       []DrivePath            `json:"paths"`
	Overlays    []Overlay              `json:"overlays"`
	Snapshots   []Snapshot             `json:"snapshots"`
	NextSeq     int                    `json:"next_seq"`
}

type serializedDrive struct {
	Drive
	LiveNode     string   `json:"live_node"`
	OverlayOrder []string `json:"overlay_order"`
}

// ToMap produces the lossless serializable form.
func (m *Model) ToMap() interface{} {
	out := serializedModel{BaseDir: m.BaseDir, NextSeq: m.nextSeq}
	for _, id := range sortedKeys(m.controllers) {
		out.Controllers = append(out.Controllers, *m.controllers[id])
	}
	for _, id := range sortedKeys(m.drives) {
		d := *m.drives[id]
		out.Drives = append(out.Drives, serializedDrive{Drive: d, LiveNode: d.liveNode, OverlayOrder: append([]string(nil), d.overlayOrder...)})
	}
	for _, id := range sortedKeys(m.paths) {
		out.Paths = append(out.Paths, *m.paths[id])
	}
	for _, id := range sortedKeys(m.overlays) {
		out.Overlays = append(out.Overlays, *m.overlays[id])
	}
	for _, s := range m.snapshots {
		out.Snapshots = append(out.Snapshots, *s)
	}
	return &out
}

// FromMap rebuilds a Model from a value previously produced by ToMap.
// FromMap(ToMap(x)) reproduces x's externally observable state exactly.
func FromMap(v interface{}) (*Model, error) {
	sm, ok := v.(*serializedModel)
	if !ok {
		return nil, errNotSerializedModel
	}

	m := New(sm.BaseDir)
	m.nextSeq = sm.NextSeq

	for i := range sm.Controllers {
		c := sm.Controllers[i]
		m.controllers[c.ID] = &c
	}
	for i := range sm.Drives {
		sd := sm.Drives[i]
		d := sd.Drive
		d.liveNode = sd.LiveNode
		d.overlayOrder = append([]string(nil), sd.OverlayOrder...)
		m.drives[d.ID] = &d
	}
	for i := range sm.Paths {
		p := sm.Paths[i]
		m.paths[p.ID] = &p
	}
	for i := range sm.Overlays {
		o := sm.Overlays[i]
		m.overlays[o.NodeName] = &o
	}
	for i := range sm.Snapshots {
		s := sm.Snapshots[i]
		m.snapshots = append(m.snapshots, &s)
	}

	return m, nil
}

var errNotSerializedModel = &typeError{}

type typeError struct{}

func (*typeError) Error() string { return "blockdev: FromMap requires a value produced by ToMap" }
