package blockdev

import "fmt"

// GenCmdline emits controllers first, then for each drive a -blockdev chain
// (base then overlays, oldest first) followed by a -device binding to its
// primary path, plus one extra -device per additional path referencing the
// shared node. Argv generation is deterministic given a fixed Model: drives
// and controllers are walked in id order.
func (m *Model) GenCmdline() []string {
	var args []string

	for _, id := range sortedKeys(m.controllers) {
		c := m.controllers[id]
		args = append(args, "-device", fmt.Sprintf("%s,id=%s", c.Model, c.ID))
	}

	for _, id := range sortedKeys(m.drives) {
		d := m.drives[id]

		args = append(args, blockdevArgs(d.NodeName, d.Format, d.SourceFile, "")...)
		backing := d.NodeName
		for _, node := range d.overlayOrder {
			ov := m.overlays[node]
			args = append(args, blockdevArgs(ov.NodeName, ov.Driver, ov.File, backing)...)
			backing = ov.NodeName
		}

		for i, pathID := range d.PathIDs {
			p := m.paths[pathID]
			ctrl := m.controllers[p.ControllerID]
			if i == 0 {
				args = append(args, "-device", fmt.Sprintf("%s,drive=%s,id=%s", ctrl.Model, d.liveNode, d.ID))
			} else {
				args = append(args, "-device", fmt.Sprintf("%s,drive=%s,id=%s-%d", ctrl.Model, d.liveNode, d.ID, i))
			}
		}
	}

	return args
}

func blockdevArgs(nodeName string, format Format, file, backing string) []string {
	spec := fmt.Sprintf("driver=%s,node-name=%s,file.driver=file,file.filename=%s", format, nodeName, file)
	if backing != "" {
		spec += fmt.Sprintf(",backing=%s", backing)
	}
	return []string{"-blockdev", spec}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// simple insertion sort: id sets are small (controllers/drives per VM)
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
