package pipeline

import (
	"fmt"

	"github.com/BadgerOps/v2v/internal/inspect"
	"github.com/BadgerOps/v2v/internal/model"
	"github.com/BadgerOps/v2v/internal/output"
)

// chooseFirmware picks the firmware the converted guest will boot with:
// what the source declared, else what conversion found the guest needs,
// else BIOS. The backend must be able to provide it.
func chooseFirmware(src *model.Source, res *inspect.Result, backend output.Backend) (model.Firmware, error) {
	required := res.Caps.Firmware
	if required == model.FirmwareUnknown {
		required = res.Inspection.Firmware
	}

	fw := src.Firmware
	switch {
	case fw == model.FirmwareUnknown && required != model.FirmwareUnknown:
		fw = required
	case fw == model.FirmwareUnknown:
		fw = model.FirmwareBIOS
	case required != model.FirmwareUnknown && required != fw:
		return "", fmt.Errorf("%w: source uses %s firmware but the converted guest can only boot with %s", model.ErrUser, fw, required)
	}

	if !output.SupportsFirmware(backend, fw) {
		return "", fmt.Errorf("%w: output %s does not support %s firmware", model.ErrUser, backend.Name(), fw)
	}
	return fw, nil
}
