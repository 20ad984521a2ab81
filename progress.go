package resthttp

import "io"

// ProgressFunc is a callback function for download progress updates.
// It receives the number of bytes that have been written so far.
type ProgressFunc func(bytesWritten int64)

type progressWriter struct {
	w  io.Writer
	fn ProgressFunc
	n  int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.n += int64(n)
	if p.fn != nil && n > 0 {
		p.fn(p.n)
	}
	return n, err
}
