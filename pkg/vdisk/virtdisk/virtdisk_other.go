//go:build !windows

package virtdisk

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/macvmio/smbvol/pkg/vdisk"
)

// Backend is only available on windows.
type Backend struct {
	vdisk.Backend
}

func New(log logrus.FieldLogger) (*Backend, error) {
	return nil, errors.ErrUnsupported
}
