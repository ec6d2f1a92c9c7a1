//go:build !gocv

package vstream

import (
	"context"
	"errors"
)

var ErrGoCVUnavailable = errors.New("built without gocv support")

func OpenGoCV(ctx context.Context, url string) (Source, error) {
	return nil, ErrGoCVUnavailable
}
