package permission

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"syscall"
)

// readOK is access(2)'s R_OK.
const readOK = 0x4

// DeviceProber derives permission state from Linux device nodes with
// access(2); nodes are never opened. There is no prompt on this platform, so
// Request is the same as Check.
type DeviceProber struct {
	// Root is prefixed to /dev paths; empty means the real filesystem.
	Root string
}

func (p DeviceProber) Check(_ context.Context, kind Kind) (State, error) {
	var pattern string
	switch kind {
	case Microphone:
		// Capture PCM nodes end in "c", e.g. pcmC0D0c.
		pattern = filepath.Join(p.Root, "/dev/snd", "pcmC*D*c")
	case Camera:
		pattern = filepath.Join(p.Root, "/dev", "video*")
	default:
		return Unavailable, nil
	}

	nodes, err := filepath.Glob(pattern)
	if err != nil {
		return Unavailable, err
	}
	if len(nodes) == 0 {
		return Unavailable, nil
	}
	denied := false
	for _, node := range nodes {
		err := syscall.Access(node, readOK)
		if err == nil {
			return Granted, nil
		}
		if errors.Is(err, fs.ErrPermission) {
			denied = true
		}
	}
	if denied {
		return Denied, nil
	}
	// Nodes exist but cannot be checked; the backend decides.
	return Unavailable, nil
}

func (p DeviceProber) Request(ctx context.Context, kind Kind) (State, error) {
	return p.Check(ctx, kind)
}

// NewProber returns the prober named in configuration ("device" or "none").
func NewProber(name string) Prober {
	if name == "device" {
		return DeviceProber{}
	}
	return NoopProber{}
}
