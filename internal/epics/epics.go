// Package epics reads and writes EPICS process variables, either through a
// PV Web Socket gateway or an in-memory table for simulation.
package epics

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultTimeout        = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

var (
	ErrTimeout      = errors.New("pv timeout")
	ErrUnknownPV    = errors.New("unknown pv")
	ErrDisconnected = errors.New("pv client disconnected")
)

// Client is the transport underneath Signal. Values are float64, int64,
// string or slices of those; enum PVs read back as their label.
type Client interface {
	Get(ctx context.Context, pv string) (any, error)
	Put(ctx context.Context, pv string, value any) error
	Close() error
}

// Kind controls where a signal shows up in documents.
type Kind uint8

const (
	Omitted Kind = 0b000
	Normal  Kind = 0b001
	Config  Kind = 0b010
	Hinted  Kind = 0b101
)

func (k Kind) Has(flag Kind) bool {
	if flag == Omitted {
		return k == Omitted
	}
	return k&flag == flag
}

func (k Kind) String() string {
	switch k {
	case Omitted:
		return "omitted"
	case Normal:
		return "normal"
	case Config:
		return "config"
	case Hinted:
		return "hinted"
	default:
		return fmt.Sprintf("kind(%#b)", uint8(k))
	}
}

// ParseKind accepts the names printed by String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "omitted":
		return Omitted, nil
	case "normal":
		return Normal, nil
	case "config":
		return Config, nil
	case "hinted":
		return Hinted, nil
	}
	return Omitted, errors.New("unknown kind " + s)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
