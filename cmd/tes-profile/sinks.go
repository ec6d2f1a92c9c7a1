package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"tes-profile-go/internal/archive"
	"tes-profile-go/internal/config"
	"tes-profile-go/internal/output"
	"tes-profile-go/internal/publish"
	"tes-profile-go/internal/runengine"
	"tes-profile-go/internal/stack"
)

type sinks struct {
	all     []runengine.Sink
	closers []io.Closer
	conn    *amqp.Connection
	cleanup []func()
}

// buildSinks wires every configured document consumer. Unset endpoints
// leave the consumer out.
func buildSinks(ctx context.Context, cfg config.AppConfig, log *zap.Logger) (*sinks, error) {
	s := &sinks{}

	if cfg.DocLogEnabled {
		w, err := output.NewDocLogWriter(cfg.DocLogDir, "documents")
		if err != nil {
			return nil, fmt.Errorf("start document log: %w", err)
		}
		log.Info("document log enabled", zap.String("path", w.Path()))
		s.add(w, w)
	}

	if cfg.ZMQEndpoint != "" {
		pub, err := publish.NewZMQPublisher(cfg.ZMQEndpoint, cfg.ZMQTopicPrefix)
		if err != nil {
			s.Close()
			return nil, err
		}
		log.Info("zmq publisher bound", zap.String("endpoint", cfg.ZMQEndpoint))
		s.add(pub, pub)
	}

	if cfg.AMQPURL != "" {
		pub, conn, err := publish.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, cfg.Beamline)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.conn = conn
		s.add(pub, pub)
	}

	if cfg.DatabaseURL != "" {
		pool, err := publish.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.cleanup = append(s.cleanup, pool.Close)
		store := publish.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.add(store, nil)
	}

	if cfg.MinIOEndpoint != "" {
		a, err := archive.NewMinIOArchiver(archive.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
			Bucket:    cfg.MinIOBucket,
			Specs:     []string{stack.Spec, stack.SpecHDF5},
			Logger:    log,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := a.EnsureBucket(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.add(a, nil)
	}
	return s, nil
}

func (s *sinks) add(sink runengine.Sink, closer io.Closer) {
	s.all = append(s.all, sink)
	if closer != nil {
		s.closers = append(s.closers, closer)
	}
}

func (s *sinks) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	for _, fn := range s.cleanup {
		fn()
	}
	return errors.Join(errs...)
}
