package wia

import (
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"go4.org/readerutil"
)

var fs = afero.NewOsFs()

type readCloser struct {
	*Decoder
	c []io.Closer
}

// OpenReader opens the WIA file at name and returns a ReadCloser over the
// logical disc image. The file handle is owned by the returned value.
func OpenReader(name string) (ReadCloser, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		err = multierror.Append(err, f.Close())
		return nil, err
	}

	var sr readerutil.SizeReaderAt = io.NewSectionReader(f, 0, info.Size())

	d, err := NewDecoder(sr)
	if err != nil {
		err = multierror.Append(err, f.Close())
		return nil, err
	}

	return &readCloser{
		Decoder: d,
		c:       []io.Closer{f},
	}, nil
}

func (r *readCloser) Close() (err error) {
	for _, c := range r.c {
		err = multierror.Append(err, c.Close())
	}
	return
}
