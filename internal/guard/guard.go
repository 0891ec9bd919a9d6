// Package guard enforces the request body size limit. Declared lengths are
// rejected up front by the caller; this reader covers bodies with no
// declared length by counting while the body streams.
package guard

import (
	"errors"
	"io"
)

// ErrRequestTooLarge is returned once a body crosses its limit mid-stream.
var ErrRequestTooLarge = errors.New("request body too large")

// Body wraps rc so reads fail with ErrRequestTooLarge after limit bytes.
// limit <= 0 disables the guard.
func Body(rc io.ReadCloser, limit int64) io.ReadCloser {
	if limit <= 0 {
		return rc
	}
	return &limitedBody{rc: rc, remaining: limit}
}

type limitedBody struct {
	rc        io.ReadCloser
	remaining int64
	err       error
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	// read at most one byte past the limit so the overrun is observable
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.rc.Read(p)
	if int64(n) <= b.remaining {
		b.remaining -= int64(n)
		b.err = err
		return n, err
	}
	b.remaining = 0
	b.err = ErrRequestTooLarge
	return n, b.err
}

func (b *limitedBody) Close() error { return b.rc.Close() }
