package radio

import "github.com/brocaar/lorawan"

type Activation string

const (
	ActivationABP  Activation = "abp"
	ActivationOTAA Activation = "otaa"
)

// DefaultNetID is the network id used by The Things Network.
var DefaultNetID = lorawan.NetID{0x00, 0x00, 0x13}

// Session is the state of an activated device.
type Session struct {
	NetID      lorawan.NetID
	DevAddr    lorawan.DevAddr
	NwkSKey    lorawan.AES128Key
	AppSKey    lorawan.AES128Key
	FCntUp     uint32
	FCntDown   uint32
	Activation Activation
}

// Credentials are the root keys used for over-the-air activation.
type Credentials struct {
	DevEUI  lorawan.EUI64
	JoinEUI lorawan.EUI64
	AppKey  lorawan.AES128Key
}

// Counters is a snapshot of the stack's bookkeeping.
type Counters struct {
	FCntUp       uint32
	FCntDown     uint32
	ADRAckCount  int
	JoinAttempts int
	Uplinks      int
	Downlinks    int
}
