package driver

import (
	"context"
	"encoding/json"
	"fmt"
)

// Dispatch unmarshals a raw command's arguments and invokes the matching
// Driver method, returning a value the bridge can marshal straight into a
// response frame. It is the single place that knows the on-wire argument
// shape for every command name.
func (d *Driver) Dispatch(ctx context.Context, cmd string, args json.RawMessage) (interface{}, error) {
	switch cmd {
	case "start_vm":
		var a struct {
			ResumeSnapshot string `json:"resume_snapshot"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		return d.StartVM(ctx, a.ResumeSnapshot), nil

	case "stop_vm":
		return d.StopVM(ctx), nil

	case "power":
		var a struct {
			Action string `json:"action"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		return d.Power(ctx, a.Action), nil

	case "eject_cd":
		return d.EjectCD(ctx), nil

	case "save_snapshot":
		var a struct {
			Name string `json:"name"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		return d.SaveSnapshot(ctx, a.Name), nil

	case "load_snapshot":
		var a struct {
			Name string `json:"name"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		return d.LoadSnapshot(ctx, a.Name), nil

	case "extract_assets":
		var a struct {
			Selector string `json:"selector"`
			Name     string `json:"name"`
			Dir      string `json:"dir"`
			Format   string `json:"format"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		return d.ExtractAssets(ctx, a.Selector, a.Name, a.Dir, a.Format), nil

	case "start_audiocapture":
		var a struct {
			Filename string `json:"filename"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		return d.StartAudioCapture(ctx, a.Filename), nil

	case "stop_audiocapture":
		return d.StopAudioCapture(ctx), nil

	case "cpu_stat":
		return d.CPUStat(), nil

	case "is_shutdown":
		return d.IsShutdown(ctx), nil

	case "freeze_vm":
		return d.FreezeVM(ctx), nil

	case "cont_vm":
		return d.ContVM(ctx), nil

	case "mouse_hide":
		var a struct {
			BorderOffset int `json:"border_offset"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		return d.MouseHide(ctx, a.BorderOffset), nil

	default:
		return nil, fmt.Errorf("driver: unknown command %q", cmd)
	}
}

func unmarshalArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("driver: malformed arguments: %w", err)
	}
	return nil
}
