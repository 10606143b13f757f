// internal/proto/proto.go
package proto

import (
	"fmt"
)

const (
	ProtoVersion = "0.1.0"
	Suite        = "clarinet-rsa-pss-sha256"
)

// Endpoint names are fixed on the wire.
type Endpoint string

const (
	Connect             Endpoint = "CONNECT"
	Witness             Endpoint = "WITNESS"
	WitnessNotification Endpoint = "WITNESS_NOTIFICATION"
	Message             Endpoint = "MESSAGE"
	MessageForward      Endpoint = "MESSAGE_FORWARD"
	Query               Endpoint = "QUERY"
	QueryForward        Endpoint = "QUERY_FORWARD"
	PeersRequest        Endpoint = "PEERS_REQUEST"
	KeysRequest         Endpoint = "KEYS_REQUEST"
	Close               Endpoint = "CLOSE"
)

var Endpoints = []Endpoint{
	Connect, Witness, WitnessNotification, Message, MessageForward,
	Query, QueryForward, PeersRequest, KeysRequest, Close,
}

func (e Endpoint) Valid() bool {
	for _, known := range Endpoints {
		if e == known {
			return true
		}
	}
	return false
}

const (
	MaxControlSize = 4 << 10
	MaxPeersSize   = 64 << 10
	MaxKeysSize    = 16 << 10
)

// MaxSizeForType caps a request frame by its endpoint. Zero means MaxFrameSize.
func MaxSizeForType(t string) int {
	switch Endpoint(t) {
	case Connect, WitnessNotification, Query, Close, KeysRequest:
		return MaxControlSize
	case Witness:
		return MaxPeersSize
	case PeersRequest:
		return MaxPeersSize
	default:
		return 0
	}
}

func ValidateWireMeta(version, suite string) error {
	if version != "" && version != ProtoVersion {
		return fmt.Errorf("unsupported proto version %q", version)
	}
	if suite != "" && suite != Suite {
		return fmt.Errorf("unsupported suite %q", suite)
	}
	return nil
}
