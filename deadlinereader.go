package resthttp

import (
	"context"
	"io"
)

// deadlineReader wraps an io.Reader and makes every Read return as soon as
// ctx is done, even if the underlying reader does not support cancellation.
// Once ctx is done the reader stays failed; an abandoned Read may still be
// pending in the background until the source is closed.
type deadlineReader struct {
	reader io.Reader
	ctx    context.Context
	buf    []byte
	err    error // last error returned by reader, other than io.EOF
}

type readResult struct {
	n   int
	err error
}

func newDeadlineReader(ctx context.Context, r io.Reader) *deadlineReader {
	return &deadlineReader{
		reader: r,
		ctx:    ctx,
	}
}

func (dr *deadlineReader) Read(p []byte) (int, error) {
	if err := dr.ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	// read into our own buffer so an abandoned read never writes into p
	if cap(dr.buf) < len(p) {
		dr.buf = make([]byte, len(p))
	}
	buf := dr.buf[:len(p)]

	readCh := make(chan readResult, 1)
	go func() {
		n, err := dr.reader.Read(buf)
		readCh <- readResult{n, err}
	}()

	select {
	case <-dr.ctx.Done():
		return 0, dr.ctx.Err()
	case res := <-readCh:
		n := copy(p, buf[:res.n])
		if res.err != nil && res.err != io.EOF {
			dr.err = res.err
		}
		return n, res.err
	}
}

// WriteTo lets io.Copy go through Read without extra buffer juggling.
func (dr *deadlineReader) WriteTo(w io.Writer) (int64, error) {
	var total int64
	p := make([]byte, 32*1024)
	for {
		n, err := dr.Read(p)
		if n > 0 {
			wn, werr := w.Write(p[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
			if wn != n {
				return total, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
