package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/os-autoinst/backend-qemu/internal/blockdev"
	"github.com/os-autoinst/backend-qemu/internal/config"
)

// buildArgv constructs the QEMU argv. It is pure and deterministic given a
// fixed VmConfig + Model + the resolved firmware/qemu binary paths, so it
// is directly unit-testable without a real QEMU.
func buildArgv(vm *config.VmConfig, model *blockdev.Model, flags *config.RuntimeFlags, qmpSocket, serialLog string, snapshotsSupported, delayedStart bool) ([]string, error) {
	var args []string

	args = append(args, "-S")
	args = append(args, "-no-shutdown")
	if snapshotsSupported {
		args = append(args, "-only-migratable")
	}

	args = append(args, "-chardev", "socket,id=qmp_socket,path="+qmpSocket+",server,nowait")
	args = append(args, "-qmp", "chardev:qmp_socket")

	args = append(args, "-chardev", "ringbuf,id=serial0,logfile="+serialLog+",logappend=on")
	args = append(args, "-serial", "chardev:serial0")

	args = append(args, "-m", fmt.Sprintf("%d", vm.RAMMiB))
	args = append(args, "-smp", fmt.Sprintf("%d", vm.CPUs))

	machine, err := machineArgs(vm)
	if err != nil {
		return nil, err
	}
	args = append(args, machine...)

	if vm.Firmware == config.FirmwareUEFISplit || vm.Firmware == config.FirmwareUEFISingle {
		fw, err := resolveFirmware(vm, flags)
		if err != nil {
			return nil, err
		}
		args = append(args, fw...)
	}

	for i, nic := range vm.Nics {
		args = append(args, netArgs(i, nic, vm.WorkerID)...)
	}

	if vm.VirtioConsoles > 0 {
		args = append(args, "-device", "virtio-serial")
		for i := 0; i < vm.VirtioConsoles; i++ {
			id := fmt.Sprintf("virtcon%d", i)
			path := filepath.Join(model.BaseDir, fmt.Sprintf("console-%d", i))
			args = append(args, "-chardev", fmt.Sprintf("pipe,id=%s,path=%s", id, path))
			args = append(args, "-device", fmt.Sprintf("virtconsole,chardev=%s,id=%s-dev", id, id))
		}
	}

	args = append(args, model.GenCmdline()...)

	return args, nil
}

func machineArgs(vm *config.VmConfig) ([]string, error) {
	switch {
	case strings.HasPrefix(vm.Arch, "aarch64") || strings.HasPrefix(vm.Arch, "arm"):
		args := []string{"-device", "virtio-gpu-pci", "-device", "usb-kbd"}
		return args, nil
	case strings.HasPrefix(vm.Arch, "ppc64"):
		// OFW firmware requires a known VGA mode; the cap-cfpc workaround
		// flag is added unconditionally, whatever the QEMU version.
		return []string{"-vga", "std", "-machine", "cap-cfpc=broken"}, nil
	case vm.Arch == "x86_64", vm.Arch == "i386", vm.Arch == "":
		return nil, nil
	default:
		return nil, fmt.Errorf("driver: unknown architecture %q", vm.Arch)
	}
}

func resolveFirmware(vm *config.VmConfig, flags *config.RuntimeFlags) ([]string, error) {
	if vm.Arch != "x86_64" && vm.Arch != "" {
		return nil, nil
	}
	var code string
	for _, candidate := range flags.OVMFCodeCandidates {
		if _, err := os.Stat(candidate); err == nil {
			code = candidate
			break
		}
	}
	if code == "" {
		return nil, fmt.Errorf("driver: no OVMF firmware found among candidates %v", flags.OVMFCodeCandidates)
	}
	varsFile := strings.Replace(code, "code", "vars", 1)
	return []string{
		"-drive", fmt.Sprintf("if=pflash,format=raw,unit=0,file=%s,readonly=on", code),
		"-drive", fmt.Sprintf("if=pflash,format=raw,unit=1,file=%s", varsFile),
	}, nil
}

func netArgs(index int, nic config.Nic, workerID int) []string {
	mac := nic.MAC
	if mac == "" {
		mac = synthesizeMAC(workerID, index)
	}
	netdevID := fmt.Sprintf("netdev%d", index)

	var netdev string
	switch nic.Type {
	case config.NicUser:
		netdev = fmt.Sprintf("user,id=%s", netdevID)
	case config.NicTap:
		netdev = fmt.Sprintf("tap,id=%s,script=%s", netdevID, nic.Script)
	case config.NicVDE:
		netdev = fmt.Sprintf("vde,id=%s,sock=%s", netdevID, nic.Sock)
	}

	return []string{
		"-netdev", netdev,
		"-device", fmt.Sprintf("virtio-net-pci,netdev=%s,mac=%s", netdevID, mac),
	}
}

func synthesizeMAC(workerID, index int) string {
	return fmt.Sprintf("52:54:00:12:%02x:%02x", workerID&0xff, index&0xff)
}
