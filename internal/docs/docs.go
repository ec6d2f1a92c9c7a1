// Package docs defines the run documents emitted by the run engine and the
// devices: start, descriptor, event, stop, and the resource/datum pair that
// points at externally stored data.
package docs

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	NameStart      = "start"
	NameDescriptor = "descriptor"
	NameEvent      = "event"
	NameStop       = "stop"
	NameResource   = "resource"
	NameDatum      = "datum"
)

func NewUID() string {
	return uuid.NewString()
}

// NewShortUID drops the last group of a UUID, leaving 23 characters.
func NewShortUID() string {
	parts := strings.Split(uuid.NewString(), "-")
	return strings.Join(parts[:len(parts)-1], "-")
}

// Now is a document timestamp in seconds since the epoch.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Start carries arbitrary run metadata; uid and time are always set.
type Start map[string]any

func (s Start) UID() string {
	uid, _ := s["uid"].(string)
	return uid
}

type DataKey struct {
	Source    string `json:"source"`
	DType     string `json:"dtype"`
	Shape     []int  `json:"shape"`
	External  string `json:"external,omitempty"`
	Precision int    `json:"precision,omitempty"`
	Units     string `json:"units,omitempty"`
	Object    string `json:"object_name,omitempty"`
}

type Reading struct {
	Value     any     `json:"value"`
	Timestamp float64 `json:"timestamp"`
}

type Configuration struct {
	Data       map[string]any     `json:"data"`
	Timestamps map[string]float64 `json:"timestamps"`
	DataKeys   map[string]DataKey `json:"data_keys"`
}

type Descriptor struct {
	RunStart      string                   `json:"run_start"`
	UID           string                   `json:"uid"`
	Time          float64                  `json:"time"`
	Name          string                   `json:"name"`
	DataKeys      map[string]DataKey       `json:"data_keys"`
	ObjectKeys    map[string][]string      `json:"object_keys"`
	Configuration map[string]Configuration `json:"configuration"`
	Hints         map[string]any           `json:"hints,omitempty"`
}

type Event struct {
	Descriptor string             `json:"descriptor"`
	UID        string             `json:"uid"`
	Time       float64            `json:"time"`
	SeqNum     int                `json:"seq_num"`
	Data       map[string]any     `json:"data"`
	Timestamps map[string]float64 `json:"timestamps"`
	Filled     map[string]bool    `json:"filled"`
}

type Stop struct {
	RunStart   string         `json:"run_start"`
	UID        string         `json:"uid"`
	Time       float64        `json:"time"`
	ExitStatus string         `json:"exit_status"`
	Reason     string         `json:"reason"`
	NumEvents  map[string]int `json:"num_events"`
}

// Envelope is the (name, doc) pair handed to consumers.
type Envelope struct {
	Name string `json:"name"`
	Doc  any    `json:"doc"`
}
