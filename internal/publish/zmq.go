// Package publish forwards run documents to external consumers over ZeroMQ,
// AMQP and PostgreSQL.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"tes-profile-go/internal/docs"
	"tes-profile-go/internal/logger"
)

const recvTimeout = 250 * time.Millisecond

// ZMQPublisher sends every document as a two-frame message: the document
// name as topic, then the CBOR-encoded envelope.
type ZMQPublisher struct {
	mu     sync.Mutex
	socket *zmq4.Socket
	prefix string
}

// NewZMQPublisher binds a PUB socket. prefix is prepended to each topic so
// subscribers can filter by beamline.
func NewZMQPublisher(endpoint, prefix string) (*ZMQPublisher, error) {
	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("bind %s: %w", endpoint, err)
	}
	return &ZMQPublisher{socket: socket, prefix: prefix}, nil
}

func (p *ZMQPublisher) Emit(_ context.Context, env docs.Envelope) error {
	payload, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Name, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socket == nil {
		return errors.New("zmq publisher is closed")
	}
	_, err = p.socket.SendMessage(p.prefix+env.Name, payload)
	return err
}

func (p *ZMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socket == nil {
		return nil
	}
	err := p.socket.Close()
	p.socket = nil
	return err
}

// Message is a document received from a publisher. Doc holds the decoded
// CBOR value, maps included, as generic values.
type Message struct {
	Topic string
	Name  string
	Doc   any
}

// Subscribe connects a SUB socket and streams decoded documents until ctx is
// done. Undecodable messages are logged and skipped.
func Subscribe(ctx context.Context, endpoint, topic string, log *zap.Logger) (<-chan Message, error) {
	log = logger.OrNop(log)
	socket, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, err
	}
	if err := socket.SetRcvtimeo(recvTimeout); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.SetSubscribe(topic); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}

	out := make(chan Message, 128)
	go func() {
		defer close(out)
		defer socket.Close()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			parts, err := socket.RecvMessageBytes(0)
			if err != nil {
				if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
					continue
				}
				log.Warn("document recv error", zap.Error(err))
				continue
			}
			msg, err := decodeMessage(parts)
			if err != nil {
				log.Warn("document decode skipped message", zap.Error(err))
				continue
			}

			select {
			case <-ctx.Done():
				return
			case out <- msg:
			}
		}
	}()

	return out, nil
}

func decodeMessage(parts [][]byte) (Message, error) {
	if len(parts) != 2 {
		return Message{}, fmt.Errorf("expected 2 frames, got %d", len(parts))
	}
	var env struct {
		Name string `cbor:"name"`
		Doc  any    `cbor:"doc"`
	}
	if err := cbor.Unmarshal(parts[1], &env); err != nil {
		return Message{}, fmt.Errorf("CBOR decode: %w", err)
	}
	if env.Name == "" {
		return Message{}, errors.New("envelope has no name")
	}
	return Message{Topic: string(parts[0]), Name: env.Name, Doc: env.Doc}, nil
}
