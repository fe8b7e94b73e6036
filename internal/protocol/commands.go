package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Outbound command discriminators
const (
	OTACmdWiFiUpdate       = "WIFI_UPDATE"
	ConfigCmdSetDeviceID   = "SET_DEVICE_ID"
	ConfigCmdSetGPIOConfig = "SET_GPIO_CONFIG"
	ConfigCmdSetWiFiConfig = "SET_WIFI_CONFIG"
)

// Inbound OTA status values
const (
	OTAStarting    = "OTA_STARTING"
	OTADownloading = "OTA_DOWNLOADING"
	OTAFlashing    = "OTA_FLASHING"
	OTASuccess     = "OTA_SUCCESS"
	OTAError       = "OTA_ERROR"
)

// Inbound CONFIG confirmations
const (
	ConfigDeviceIDOK = "DEVICE_ID_OK"
	ConfigGPIOOK     = "GPIO_OK"
	ConfigWiFiOK     = "WIFI_OK"
)

// Device id and GPIO bounds accepted by the firmware
const (
	MinDeviceID = 1
	MaxDeviceID = 255
	MinGPIOPin  = 0
	MaxGPIOPin  = 48
)

// OTACommand asks a device to fetch and flash firmware on its own
type OTACommand struct {
	OTACmd string `json:"OTA_CMD"`
	Did    int    `json:"Did"`
	URL    string `json:"URL"`
}

// NewOTACommand builds a WIFI_UPDATE command
func NewOTACommand(deviceID int, source string) OTACommand {
	return OTACommand{OTACmd: OTACmdWiFiUpdate, Did: deviceID, URL: source}
}

// SetDeviceIDCommand reassigns a device id
type SetDeviceIDCommand struct {
	ConfigCmd string `json:"CONFIG_CMD"`
	Did       int    `json:"Did"`
	DeviceID  int    `json:"DeviceId"`
}

// NewSetDeviceIDCommand builds a SET_DEVICE_ID command
func NewSetDeviceIDCommand(did, newID int) SetDeviceIDCommand {
	return SetDeviceIDCommand{ConfigCmd: ConfigCmdSetDeviceID, Did: did, DeviceID: newID}
}

// GPIOConfig holds the seven configurable pins
type GPIOConfig struct {
	RedPin    int `json:"RedPin"`
	GreenPin  int `json:"GreenPin"`
	YellowPin int `json:"YellowPin"`
	ButtonA   int `json:"ButtonA"`
	ButtonB   int `json:"ButtonB"`
	ButtonC   int `json:"ButtonC"`
	ButtonD   int `json:"ButtonD"`
}

// GPIOPin names one pin field and the label used when prompting for it
type GPIOPin struct {
	Label string
	Key   string
	set   func(*GPIOConfig, int)
}

// Set stores value into the pin's field
func (p GPIOPin) Set(cfg *GPIOConfig, value int) {
	p.set(cfg, value)
}

// GPIOPins lists the pins in prompt order
var GPIOPins = []GPIOPin{
	{"Red LED pin", "RedPin", func(c *GPIOConfig, v int) { c.RedPin = v }},
	{"Green LED pin", "GreenPin", func(c *GPIOConfig, v int) { c.GreenPin = v }},
	{"Yellow LED pin", "YellowPin", func(c *GPIOConfig, v int) { c.YellowPin = v }},
	{"Button A pin", "ButtonA", func(c *GPIOConfig, v int) { c.ButtonA = v }},
	{"Button B pin", "ButtonB", func(c *GPIOConfig, v int) { c.ButtonB = v }},
	{"Button C pin", "ButtonC", func(c *GPIOConfig, v int) { c.ButtonC = v }},
	{"Button D pin", "ButtonD", func(c *GPIOConfig, v int) { c.ButtonD = v }},
}

// SetGPIOCommand rewrites the device pin map; the device reboots to apply it
type SetGPIOCommand struct {
	ConfigCmd string `json:"CONFIG_CMD"`
	Did       int    `json:"Did"`
	GPIOConfig
}

// NewSetGPIOCommand builds a SET_GPIO_CONFIG command
func NewSetGPIOCommand(did int, pins GPIOConfig) SetGPIOCommand {
	return SetGPIOCommand{ConfigCmd: ConfigCmdSetGPIOConfig, Did: did, GPIOConfig: pins}
}

// SetWiFiCommand stores WiFi credentials used for OTA downloads
type SetWiFiCommand struct {
	ConfigCmd string `json:"CONFIG_CMD"`
	Did       int    `json:"Did"`
	SSID      string `json:"SSID"`
	Password  string `json:"Password"`
}

// NewSetWiFiCommand builds a SET_WIFI_CONFIG command
func NewSetWiFiCommand(did int, ssid, password string) SetWiFiCommand {
	return SetWiFiCommand{ConfigCmd: ConfigCmdSetWiFiConfig, Did: did, SSID: ssid, Password: password}
}

// Encode serializes v as one newline-terminated JSON line. HTML escaping is
// disabled so firmware URLs keep their '&' characters.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFrame encodes v and writes it in a single call
func WriteFrame(w io.Writer, v interface{}) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	return writeAll(w, data)
}

// WriteLine writes raw text followed by a newline
func WriteLine(w io.Writer, text string) error {
	return writeAll(w, []byte(text+"\n"))
}

func writeAll(w io.Writer, data []byte) error {
	n, err := w.Write(data)
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("write frame: %w", io.ErrShortWrite)
	}
	return nil
}
