package topology

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/spf13/afero"
)

// DefaultVIFPattern matches the tap devices created for VM ports.
const DefaultVIFPattern = `^tap[0-9a-fA-F-]*$`

// DefaultVLANProcDir is where the kernel lists configured VLAN devices.
const DefaultVLANProcDir = "/proc/net/vlan"

// PortKind is the classification of a switch port name.
type PortKind int

const (
	KindUnknown PortKind = iota
	KindVIF
	KindVLAN
)

func (k PortKind) String() string {
	switch k {
	case KindVIF:
		return "vif"
	case KindVLAN:
		return "vlan"
	default:
		return "unknown"
	}
}

// Classifier decides what a port found on the switch is.
type Classifier struct {
	vif     *regexp.Regexp
	fs      afero.Fs
	procDir string
}

// NewClassifier compiles the VIF pattern. VLAN devices are looked up in
// procDir on fs.
func NewClassifier(vifPattern string, fs afero.Fs, procDir string) (*Classifier, error) {
	re, err := regexp.Compile(vifPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid VIF pattern %q: %w", vifPattern, err)
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if procDir == "" {
		procDir = DefaultVLANProcDir
	}
	return &Classifier{vif: re, fs: fs, procDir: procDir}, nil
}

// Classify returns the kind of the named port.
func (c *Classifier) Classify(name string) PortKind {
	if c.vif.MatchString(name) {
		return KindVIF
	}
	if _, _, ok := ParseVLANInterface(name); ok {
		exists, err := afero.Exists(c.fs, filepath.Join(c.procDir, name))
		if err == nil && exists {
			return KindVLAN
		}
	}
	return KindUnknown
}
