//go:build !linux

package ble

import (
	"errors"

	"github.com/go-ble/ble"
)

func newHCIDevice(int) (ble.Device, error) {
	return nil, errors.New("HCI transport is only available on Linux")
}
