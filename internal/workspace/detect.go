package workspace

import (
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

const btrfsSuperMagic = 0x9123683e

// detectMode probes what the filesystem under root can do. The probe writes
// a scratch file and attempts a real reflink copy; capability flags alone
// are not trustworthy across kernels.
func detectMode(root string) Mode {
	if err := os.MkdirAll(root, 0755); err != nil {
		log.Printf("workspace: cannot prepare root %s: %v", root, err)
		return ModeCopy
	}

	if supportsReflink(root) {
		return ModeReflink
	}
	if isBtrfs(root) && haveBinary("btrfs") {
		return ModeSnapshot
	}
	if haveBinary("rsync") {
		return ModeRsync
	}
	return ModeCopy
}

func supportsReflink(root string) bool {
	if !haveBinary("cp") {
		return false
	}
	probeDir, err := os.MkdirTemp(root, ".cow-probe-*")
	if err != nil {
		return false
	}
	defer os.RemoveAll(probeDir)

	src := filepath.Join(probeDir, "src")
	if err := os.WriteFile(src, []byte("probe"), 0644); err != nil {
		return false
	}
	cmd := exec.Command("cp", "--reflink=always", src, filepath.Join(probeDir, "dst"))
	return cmd.Run() == nil
}

func isBtrfs(root string) bool {
	var st syscall.Statfs_t
	if err := syscall.Statfs(root, &st); err != nil {
		return false
	}
	return st.Type == btrfsSuperMagic
}

func haveBinary(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
