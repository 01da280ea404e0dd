// README: Facility definitions for the static logistics topology.
package topology

import (
	"errors"

	"parcelnet/internal/types"
)

type Kind string

const (
	KindWarehouse Kind = "warehouse"
	KindStation   Kind = "station"
	KindCenter    Kind = "center"
	KindHub       Kind = "hub"
	KindLocker    Kind = "locker"
	KindAddress   Kind = "address"
)

func (k Kind) Valid() bool {
	switch k {
	case KindWarehouse, KindStation, KindCenter, KindHub, KindLocker, KindAddress:
		return true
	}
	return false
}

// ServiceLevel selects how far up the hierarchy a cross-tree shipment travels.
type ServiceLevel string

const (
	ServiceStandard ServiceLevel = "standard"
	ServiceExpress  ServiceLevel = "express"
)

type Facility struct {
	ID       types.ID    `json:"id" yaml:"id"`
	Name     string      `json:"name" yaml:"name"`
	Kind     Kind        `json:"kind" yaml:"kind"`
	Position types.Point `json:"position" yaml:"position"`
	City     string      `json:"city,omitempty" yaml:"city"`
}

var (
	ErrUnknownFacility = errors.New("unknown facility")
	ErrCyclicTopology  = errors.New("topology parent relation has a cycle")
	ErrInvalidFacility = errors.New("invalid facility")
)
