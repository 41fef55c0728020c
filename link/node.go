// Package link connects the worker to its parent node as a hidden node
// over the distribution protocol and exchanges messages on that single
// connection.
package link

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrConnect   = errors.New("connect failed")
	ErrHandshake = errors.New("readiness handshake failed")
)

// Distribution capability flags.
const (
	flagExtendedReferences = 0x4
	flagDistMonitor        = 0x8
	flagFunTags            = 0x10
	flagNewFunTags         = 0x80
	flagExtendedPidsPorts  = 0x100
	flagExportPtrTag       = 0x200
	flagBitBinaries        = 0x400
	flagNewFloats          = 0x800
	flagSmallAtomTags      = 0x4000
	flagUTF8Atoms          = 0x10000
	flagMapTag             = 0x20000
	flagBigCreation        = 0x40000
	flagHandshake23        = 0x1000000
	flagUnlinkID           = 0x2000000
	flagV4NC               = 1 << 34
)

const localFlags uint64 = flagExtendedReferences |
	flagDistMonitor |
	flagFunTags |
	flagNewFunTags |
	flagExtendedPidsPorts |
	flagExportPtrTag |
	flagBitBinaries |
	flagNewFloats |
	flagSmallAtomTags |
	flagUTF8Atoms |
	flagMapTag |
	flagBigCreation |
	flagHandshake23 |
	flagUnlinkID |
	flagV4NC

// splitNode splits alive@host.
func splitNode(name string) (alive, host string, err error) {
	alive, host, ok := strings.Cut(name, "@")
	if !ok || alive == "" || host == "" {
		return "", "", fmt.Errorf("%w: invalid node name %q", ErrConnect, name)
	}
	return alive, host, nil
}

// LocalNodeName generates an alive name for this process and pairs it with
// the local host, shortened when the remote node uses short names.
func LocalNodeName(remoteHost, localHost string) (string, error) {
	if localHost == "" {
		h, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("%w: hostname: %v", ErrConnect, err)
		}
		localHost = h
	}
	if !strings.Contains(remoteHost, ".") {
		localHost, _, _ = strings.Cut(localHost, ".")
	}
	alive := "worker_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return alive + "@" + localHost, nil
}
