//go:build !linux

package killswitch

import "errors"

// codeUnsupported is returned by the engine on platforms without one.
const codeUnsupported = -1

type unsupportedEngine struct{}

// NewDefaultEngine reports that no firewall engine exists here.
func NewDefaultEngine() (Engine, error) {
	return unsupportedEngine{}, errors.New("killswitch engine not available on this platform")
}

func (unsupportedEngine) Engage(EngageParams) int { return codeUnsupported }
func (unsupportedEngine) Disengage() int          { return 0 }
func (unsupportedEngine) IsEngaged() bool         { return false }
