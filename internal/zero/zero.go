// Package zero provides an endless source of zero bytes.
package zero

import "io"

type reader struct{}

// NewReader returns an io.Reader that reads an infinite stream of zero
// bytes. Wrap it with io.LimitReader for a finite run.
func NewReader() io.Reader {
	return reader{}
}

func (reader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
