package model

// BlockBus is the class of block device the converted guest can drive.
type BlockBus string

const (
	BlockVirtioBlk  BlockBus = "virtio-blk"
	BlockIDE        BlockBus = "ide"
	BlockVirtioSCSI BlockBus = "virtio-scsi"
)

// NetBus is the NIC model the converted guest can drive.
type NetBus string

const (
	NetVirtio  NetBus = "virtio-net"
	NetE1000   NetBus = "e1000"
	NetRTL8139 NetBus = "rtl8139"
)

// Video is the display adapter the converted guest can drive.
type Video string

const (
	VideoQXL    Video = "qxl"
	VideoCirrus Video = "cirrus"
	VideoVGA    Video = "vga"
	VideoVirtio Video = "virtio"
)

// GuestCaps is what the conversion step reports the guest can use once it
// has been converted.
type GuestCaps struct {
	BlockBus BlockBus `json:"block_bus" yaml:"block_bus"`
	NetBus   NetBus   `json:"net_bus" yaml:"net_bus"`
	Video    Video    `json:"video" yaml:"video"`
	ACPI     bool     `json:"acpi" yaml:"acpi"`
	Machine  string   `json:"machine,omitempty" yaml:"machine,omitempty"`
	Arch     string   `json:"arch,omitempty" yaml:"arch,omitempty"`

	// Firmware is set when the converted guest can only boot with one
	// firmware type.
	Firmware Firmware `json:"firmware,omitempty" yaml:"firmware,omitempty"`
}

// Inspection is the subset of guest inspection data the pipeline uses.
type Inspection struct {
	Root        string   `json:"root"`
	Type        string   `json:"type"`
	Distro      string   `json:"distro,omitempty"`
	ProductName string   `json:"product_name,omitempty"`
	Arch        string   `json:"arch,omitempty"`
	Firmware    Firmware `json:"firmware,omitempty"`
}
