package runengine

import (
	"context"

	"tes-profile-go/internal/docs"
)

// Device is anything the engine can stage, trigger and read within a run.
// Both the video-stream detector and the area detector satisfy it.
type Device interface {
	Name() string
	Stage(ctx context.Context) error
	Trigger(ctx context.Context) error
	Read(ctx context.Context) (map[string]docs.Reading, error)
	Describe(ctx context.Context) (map[string]docs.DataKey, error)
	ReadConfiguration(ctx context.Context) (map[string]docs.Reading, error)
	DescribeConfiguration(ctx context.Context) (map[string]docs.DataKey, error)
	Unstage(ctx context.Context) error
	CollectAssetDocs() []docs.AssetDoc
}

// Hinter is implemented by devices that name their most relevant fields.
type Hinter interface {
	Hints() []string
}

// Sink receives every document of a run, in emission order.
type Sink interface {
	Emit(ctx context.Context, env docs.Envelope) error
}

type SinkFunc func(ctx context.Context, env docs.Envelope) error

func (f SinkFunc) Emit(ctx context.Context, env docs.Envelope) error {
	return f(ctx, env)
}
