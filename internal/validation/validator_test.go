package validation

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

type otaInput struct {
    DeviceID int    `json:"device_id" validate:"required,min=1,max=255"`
    Firmware string `json:"firmware" validate:"required,max=512"`
    Mode     string `json:"mode" validate:"oneof=wifi serial"`
}

func TestValidate(t *testing.T) {
    v := NewValidator()

    require.NoError(t, v.Validate(otaInput{DeviceID: 42, Firmware: "http://fw/x.bin"}))
    require.NoError(t, v.Validate(&otaInput{DeviceID: 255, Firmware: "x", Mode: "wifi"}))

    err := v.Validate(otaInput{Firmware: "x"})
    require.Error(t, err)
    assert.Contains(t, err.Error(), "device_id")

    err = v.Validate(otaInput{DeviceID: 256, Firmware: "x"})
    require.Error(t, err)
    assert.Contains(t, err.Error(), "maximum value is 255")

    err = v.Validate(otaInput{DeviceID: -3, Firmware: "x"})
    require.Error(t, err)
    assert.Contains(t, err.Error(), "minimum value is 1")

    assert.Error(t, v.Validate(otaInput{DeviceID: 1}))
    assert.Error(t, v.Validate(otaInput{DeviceID: 1, Firmware: "x", Mode: "usb"}))
    assert.Error(t, v.Validate(42))
}
