package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jackc/pgx/v5/pgconn"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tes-profile-go/internal/docs"
)

type fakeChannel struct {
	mu   sync.Mutex
	keys []string
	msgs []amqp.Publishing
	err  error
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, exchange+":"+key)
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func TestAMQPRoutingAndBody(t *testing.T) {
	ch := &fakeChannel{}
	pub := &AMQPPublisher{channel: ch, exchange: "bluesky", beamline: "TES"}

	err := pub.Emit(context.Background(), docs.Envelope{Name: docs.NameStop, Doc: docs.Stop{RunStart: "r1", ExitStatus: "success"}})
	require.NoError(t, err)

	require.Len(t, ch.msgs, 1)
	assert.Equal(t, "bluesky:TES.stop", ch.keys[0])
	assert.Equal(t, amqp.Persistent, ch.msgs[0].DeliveryMode)
	assert.Equal(t, "application/json", ch.msgs[0].ContentType)

	var body map[string]any
	require.NoError(t, json.Unmarshal(ch.msgs[0].Body, &body))
	assert.Equal(t, "stop", body["name"])
	assert.Equal(t, "r1", body["doc"].(map[string]any)["run_start"])
}

func TestAMQPPropagatesErrors(t *testing.T) {
	pub := &AMQPPublisher{channel: &fakeChannel{err: errors.New("channel closed")}, exchange: "x", beamline: "TES"}
	assert.Error(t, pub.Emit(context.Background(), docs.Envelope{Name: "start", Doc: docs.Start{}}))
}

type fakeExec struct {
	rows [][]any
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.rows = append(f.rows, args)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestPostgresResolvesRunUID(t *testing.T) {
	db := &fakeExec{}
	store := newPostgresStore(db)
	ctx := context.Background()

	seq := []docs.Envelope{
		{Name: docs.NameStart, Doc: docs.Start{"uid": "run"}},
		{Name: docs.NameDescriptor, Doc: docs.Descriptor{UID: "desc", RunStart: "run"}},
		{Name: docs.NameResource, Doc: docs.Resource{UID: "res", RunStart: "run"}},
		{Name: docs.NameDatum, Doc: docs.Datum{Resource: "res", DatumID: "res/0"}},
		{Name: docs.NameEvent, Doc: docs.Event{UID: "ev", Descriptor: "desc"}},
		{Name: docs.NameStop, Doc: docs.Stop{UID: "stop", RunStart: "run"}},
	}
	for _, env := range seq {
		require.NoError(t, store.Emit(ctx, env))
	}

	require.Len(t, db.rows, len(seq))
	wantUIDs := []string{"run", "desc", "res", "res/0", "ev", "stop"}
	for i, row := range db.rows {
		assert.Equal(t, wantUIDs[i], row[0])
		assert.Equal(t, "run", row[1], "row %d", i)
		assert.Equal(t, seq[i].Name, row[2])
		assert.True(t, json.Valid(row[3].([]byte)))
	}
	assert.Empty(t, store.descriptors)
	assert.Empty(t, store.resources)
}

func TestDecodeMessage(t *testing.T) {
	payload, err := cbor.Marshal(docs.Envelope{Name: "event", Doc: map[string]any{"seq_num": 1}})
	require.NoError(t, err)

	msg, err := decodeMessage([][]byte{[]byte("TES.event"), payload})
	require.NoError(t, err)
	assert.Equal(t, "TES.event", msg.Topic)
	assert.Equal(t, "event", msg.Name)

	_, err = decodeMessage([][]byte{payload})
	assert.Error(t, err)
	_, err = decodeMessage([][]byte{[]byte("x"), []byte{0xff}})
	assert.Error(t, err)
}

func TestZMQPublishSubscribe(t *testing.T) {
	endpoint := "inproc://tes-documents-test"
	pub, err := NewZMQPublisher(endpoint, "TES.")
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := Subscribe(ctx, endpoint, "TES.", nil)
	require.NoError(t, err)

	env := docs.Envelope{Name: docs.NameStart, Doc: docs.Start{"uid": "abc"}}
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case msg := <-msgs:
			assert.Equal(t, "TES.start", msg.Topic)
			assert.Equal(t, docs.NameStart, msg.Name)
			return
		case <-tick.C:
			// PUB drops messages until the subscription has propagated.
			require.NoError(t, pub.Emit(ctx, env))
		case <-deadline:
			t.Fatal("no document received")
		}
	}
}
