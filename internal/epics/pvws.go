package epics

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tes-profile-go/internal/logger"
)

const (
	writeWait = 10 * time.Second
	pingEvery = 30 * time.Second
)

// pvwsMessage covers the gateway's subscribe, write and update messages.
// Updates only carry the fields that changed.
type pvwsMessage struct {
	Type     string   `json:"type"`
	PV       string   `json:"pv,omitempty"`
	PVs      []string `json:"pvs,omitempty"`
	Value    any      `json:"value,omitempty"`
	Text     *string  `json:"text,omitempty"`
	Labels   []string `json:"labels,omitempty"`
	Severity string   `json:"severity,omitempty"`
	Units    string   `json:"units,omitempty"`
	Seconds  int64    `json:"seconds,omitempty"`
	Nanos    int64    `json:"nanos,omitempty"`
	B64Dbl   string   `json:"b64dbl,omitempty"`
	B64Flt   string   `json:"b64flt,omitempty"`
	B64Int   string   `json:"b64int,omitempty"`
	B64Srt   string   `json:"b64srt,omitempty"`
	B64Byt   string   `json:"b64byt,omitempty"`
}

type pvState struct {
	value    any
	text     *string
	labels   []string
	severity string
	has      bool
	// changed is closed and replaced on every update.
	changed chan struct{}
}

// PVWSClient talks to a PV Web Socket gateway.
type PVWSClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  *zap.Logger

	mu   sync.Mutex
	pvs  map[string]*pvState
	err  error
	done chan struct{}
}

// DialPVWS connects to url, e.g. ws://host:8080/pvws/pv.
func DialPVWS(ctx context.Context, url string, log *zap.Logger) (*PVWSClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(64 << 20)
	c := &PVWSClient{
		conn:   conn,
		logger: logger.OrNop(log).With(zap.String("pvws", url)),
		pvs:    make(map[string]*pvState),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *PVWSClient) readLoop() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var msg pvwsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Debug("skipping malformed message", zap.Error(err))
			continue
		}
		if msg.Type == "update" && msg.PV != "" {
			c.apply(msg)
		}
	}
}

func (c *PVWSClient) pingLoop() {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(pvwsMessage{Type: "echo"}); err != nil {
				return
			}
		}
	}
}

func (c *PVWSClient) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = fmt.Errorf("%w: %v", ErrDisconnected, err)
	close(c.done)
}

func (c *PVWSClient) apply(msg pvwsMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked(msg.PV)

	if msg.Labels != nil {
		st.labels = msg.Labels
	}
	if msg.Text != nil {
		st.text = msg.Text
	}
	if msg.Severity != "" {
		st.severity = msg.Severity
	}
	if v, ok := decodeArray(msg); ok {
		st.value = v
		st.has = true
	} else if msg.Value != nil {
		st.value = normalizeNumber(msg.Value)
		st.has = true
	} else if msg.Text != nil {
		st.value = *msg.Text
		st.has = true
	}
	close(st.changed)
	st.changed = make(chan struct{})
}

func (c *PVWSClient) stateLocked(pv string) *pvState {
	st, ok := c.pvs[pv]
	if !ok {
		st = &pvState{changed: make(chan struct{})}
		c.pvs[pv] = st
	}
	return st
}

// subscribe returns the channel closed by the PV's next update.
func (c *PVWSClient) subscribe(pv string) (<-chan struct{}, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	_, known := c.pvs[pv]
	st := c.stateLocked(pv)
	changed := st.changed
	c.mu.Unlock()

	if !known {
		if err := c.send(pvwsMessage{Type: "subscribe", PVs: []string{pv}}); err != nil {
			return nil, err
		}
	}
	return changed, nil
}

func (c *PVWSClient) current(pv string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.pvs[pv]
	if !ok || !st.has {
		return nil, false
	}
	if len(st.labels) > 0 {
		if idx, ok := toFloat(st.value); ok && int(idx) >= 0 && int(idx) < len(st.labels) {
			return st.labels[int(idx)], true
		}
	}
	return st.value, true
}

// Get subscribes on first use and waits for the first value.
func (c *PVWSClient) Get(ctx context.Context, pv string) (any, error) {
	for {
		changed, err := c.subscribe(pv)
		if err != nil {
			return nil, err
		}
		if v, ok := c.current(pv); ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: no value for %s", ErrTimeout, pv)
		case <-c.done:
			return nil, c.closedErr()
		case <-changed:
		}
	}
}

// Put writes value and waits for the monitor update that follows. A write
// that leaves the value unchanged may produce no update, so the put also
// succeeds when ctx expires with the cached value already equal.
func (c *PVWSClient) Put(ctx context.Context, pv string, value any) error {
	// the subscription's initial update must not count as confirmation
	if _, err := c.Get(ctx, pv); err != nil {
		return err
	}
	changed, err := c.subscribe(pv)
	if err != nil {
		return err
	}
	if err := c.send(pvwsMessage{Type: "write", PV: pv, Value: value}); err != nil {
		return err
	}
	select {
	case <-changed:
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		if v, ok := c.current(pv); ok && Equal(v, value, 0) {
			return nil
		}
		return fmt.Errorf("%w: no update after writing %s", ErrTimeout, pv)
	}
}

func (c *PVWSClient) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *PVWSClient) send(msg pvwsMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (c *PVWSClient) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.fail(fmt.Errorf("closed"))
	return c.conn.Close()
}

func normalizeNumber(v any) any {
	f, ok := v.(float64)
	if !ok {
		return v
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

func decodeArray(msg pvwsMessage) (any, bool) {
	decode := func(s string) ([]byte, bool) {
		if s == "" {
			return nil, false
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		return raw, err == nil
	}
	if raw, ok := decode(msg.B64Dbl); ok {
		out := make([]float64, len(raw)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		return out, true
	}
	if raw, ok := decode(msg.B64Flt); ok {
		out := make([]float64, len(raw)/4)
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
		return out, true
	}
	if raw, ok := decode(msg.B64Int); ok {
		out := make([]int64, len(raw)/4)
		for i := range out {
			out[i] = int64(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
		return out, true
	}
	if raw, ok := decode(msg.B64Srt); ok {
		out := make([]int64, len(raw)/2)
		for i := range out {
			out[i] = int64(int16(binary.LittleEndian.Uint16(raw[i*2:])))
		}
		return out, true
	}
	if raw, ok := decode(msg.B64Byt); ok {
		out := make([]int64, len(raw))
		for i, b := range raw {
			out[i] = int64(int8(b))
		}
		return out, true
	}
	return nil, false
}
