//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

const (
	linuxNFSMagic    = 0x6969
	linuxCIFSMagic   = 0xFF534D42
	linuxSMBMagic    = 0x517B
	linuxSMB2Magic   = 0xFE534D42
	linuxLustreMagic = 0x0BD00BD0
	linuxGPFSMagic   = 0x47504653
	linuxBeeGFSMagic = 0x19830326
	linuxCephMagic   = 0x00C36400
	linuxTmpfsMagic  = 0x01021994
	linuxExt4Magic   = 0xEF53
	linuxXFSMagic    = 0x58465342
)

var linuxFilesystemNames = map[uint64]string{
	linuxNFSMagic:    "nfs",
	linuxCIFSMagic:   "cifs",
	linuxSMBMagic:    "smbfs",
	linuxSMB2Magic:   "smb2",
	linuxLustreMagic: "lustre",
	linuxGPFSMagic:   "gpfs",
	linuxBeeGFSMagic: "beegfs",
	linuxCephMagic:   "ceph",
	linuxTmpfsMagic:  "tmpfs",
	linuxExt4Magic:   "ext4",
	linuxXFSMagic:    "xfs",
}

func detectFilesystemType(path string) (string, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}

	if name, ok := linuxFilesystemNames[uint64(stat.Type)]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", uint64(stat.Type)), nil
}
