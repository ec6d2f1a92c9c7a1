// Package areadetector maps areaDetector IOC records onto devices: the camera
// driver, its plugins and the HDF5 file writer, with the stage signals and
// document bookkeeping the run engine expects.
package areadetector

import (
	"context"
	"errors"
	"fmt"

	"tes-profile-go/internal/docs"
	"tes-profile-go/internal/epics"
)

// StageSigs is an ordered list of values pushed on stage. Unstage restores
// the values read before staging, last first.
type StageSigs struct {
	entries  []stageEntry
	restores []stageEntry
}

type stageEntry struct {
	sig   *epics.Signal
	value any
}

// Set replaces the value for sig, or appends it.
func (s *StageSigs) Set(sig *epics.Signal, value any) {
	for i := range s.entries {
		if s.entries[i].sig == sig {
			s.entries[i].value = value
			return
		}
	}
	s.entries = append(s.entries, stageEntry{sig: sig, value: value})
}

// MoveToEnd keeps sig's value but pushes it last.
func (s *StageSigs) MoveToEnd(sig *epics.Signal) {
	for i := range s.entries {
		if s.entries[i].sig == sig {
			e := s.entries[i]
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			s.entries = append(s.entries, e)
			return
		}
	}
}

func (s *StageSigs) Delete(sig *epics.Signal) {
	for i := range s.entries {
		if s.entries[i].sig == sig {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

func (s *StageSigs) Get(sig *epics.Signal) (any, bool) {
	for _, e := range s.entries {
		if e.sig == sig {
			return e.value, true
		}
	}
	return nil, false
}

func (s *StageSigs) Len() int {
	return len(s.entries)
}

// Names lists signal names in push order.
func (s *StageSigs) Names() []string {
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.sig.Name
	}
	return out
}

// Stage pushes every value. A failed push restores what was already pushed.
func (s *StageSigs) Stage(ctx context.Context) error {
	s.restores = s.restores[:0]
	for _, e := range s.entries {
		orig, err := e.sig.Get(ctx)
		if err != nil {
			return errors.Join(fmt.Errorf("stage: %w", err), s.Unstage(ctx))
		}
		if err := e.sig.Put(ctx, e.value); err != nil {
			return errors.Join(fmt.Errorf("stage: %w", err), s.Unstage(ctx))
		}
		s.restores = append(s.restores, stageEntry{sig: e.sig, value: orig})
	}
	return nil
}

// Unstage restores in reverse order and keeps going past failures.
func (s *StageSigs) Unstage(ctx context.Context) error {
	var errs []error
	for i := len(s.restores) - 1; i >= 0; i-- {
		e := s.restores[i]
		if err := e.sig.Put(ctx, e.value); err != nil {
			errs = append(errs, fmt.Errorf("unstage: %w", err))
		}
	}
	s.restores = s.restores[:0]
	return errors.Join(errs...)
}

// Component is a group of signals sharing a PV prefix, e.g. "Stats1:".
type Component struct {
	Name      string
	Prefix    string
	Kind      epics.Kind
	StageSigs StageSigs

	client  epics.Client
	attrs   []string
	signals map[string]*epics.Signal
	// readAttrs restricts Read; nil means every normal signal.
	readAttrs []string
}

func newComponent(client epics.Client, name, prefix string, kind epics.Kind) *Component {
	return &Component{
		Name:    name,
		Prefix:  prefix,
		Kind:    kind,
		client:  client,
		signals: make(map[string]*epics.Signal),
	}
}

func (c *Component) add(attr, suffix string, kind epics.Kind) *epics.Signal {
	sig := epics.NewSignal(c.client, c.Name+"_"+attr, c.Prefix+suffix, kind)
	c.attrs = append(c.attrs, attr)
	c.signals[attr] = sig
	return sig
}

func (c *Component) addRBV(attr, suffix string, kind epics.Kind) *epics.Signal {
	sig := epics.NewSignalWithRBV(c.client, c.Name+"_"+attr, c.Prefix+suffix, kind)
	c.attrs = append(c.attrs, attr)
	c.signals[attr] = sig
	return sig
}

// Signal looks up a signal by attribute name.
func (c *Component) Signal(attr string) *epics.Signal {
	return c.signals[attr]
}

// SetReadAttrs limits Read and Describe to attrs.
func (c *Component) SetReadAttrs(attrs ...string) {
	c.readAttrs = append([]string(nil), attrs...)
}

func (c *Component) readSignals() []*epics.Signal {
	if c.readAttrs != nil {
		out := make([]*epics.Signal, 0, len(c.readAttrs))
		for _, attr := range c.readAttrs {
			if sig, ok := c.signals[attr]; ok {
				out = append(out, sig)
			}
		}
		return out
	}
	var out []*epics.Signal
	for _, attr := range c.attrs {
		if sig := c.signals[attr]; sig.Kind.Has(epics.Normal) {
			out = append(out, sig)
		}
	}
	return out
}

func (c *Component) configSignals() []*epics.Signal {
	var out []*epics.Signal
	for _, attr := range c.attrs {
		if sig := c.signals[attr]; sig.Kind.Has(epics.Config) {
			out = append(out, sig)
		}
	}
	return out
}

func (c *Component) Read(ctx context.Context) (map[string]docs.Reading, error) {
	return readAll(ctx, c.readSignals())
}

func (c *Component) Describe(ctx context.Context) (map[string]docs.DataKey, error) {
	return describeAll(ctx, c.readSignals(), c.Name)
}

func (c *Component) ReadConfiguration(ctx context.Context) (map[string]docs.Reading, error) {
	return readAll(ctx, c.configSignals())
}

func (c *Component) DescribeConfiguration(ctx context.Context) (map[string]docs.DataKey, error) {
	return describeAll(ctx, c.configSignals(), c.Name)
}

// Hints names the hinted signals.
func (c *Component) Hints() []string {
	var out []string
	for _, sig := range c.readSignals() {
		if sig.Kind.Has(epics.Hinted) {
			out = append(out, sig.Name)
		}
	}
	return out
}

func readAll(ctx context.Context, sigs []*epics.Signal) (map[string]docs.Reading, error) {
	out := make(map[string]docs.Reading, len(sigs))
	for _, sig := range sigs {
		r, err := sig.Read(ctx)
		if err != nil {
			return nil, err
		}
		out[sig.Name] = r
	}
	return out, nil
}

func describeAll(ctx context.Context, sigs []*epics.Signal, object string) (map[string]docs.DataKey, error) {
	out := make(map[string]docs.DataKey, len(sigs))
	for _, sig := range sigs {
		key, err := sig.Describe(ctx)
		if err != nil {
			return nil, err
		}
		key.Object = object
		out[sig.Name] = key
	}
	return out, nil
}

// Signals returns every signal in declaration order.
func (c *Component) Signals() []*epics.Signal {
	out := make([]*epics.Signal, len(c.attrs))
	for i, attr := range c.attrs {
		out[i] = c.signals[attr]
	}
	return out
}
