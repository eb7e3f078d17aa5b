package archive

import (
	"context"
	"errors"
	"io"
)

// copyBufSize is the buffer size shared by copies within one Pack or Unpack.
const copyBufSize = 256 << 10

// ErrSizeChanged is returned when a file grows or shrinks while it is being
// packed.
var ErrSizeChanged = errors.New("archive: file size changed during packing")

// copyContext copies from src to dst until EOF or error, checking for
// context cancellation between reads.
func copyContext(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			written += int64(nw)
			if ew != nil {
				return written, ew
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if er != nil {
			if errors.Is(er, io.EOF) {
				return written, nil
			}
			return written, er
		}
	}
}

// copyExact copies exactly size bytes of src to dst. A source with fewer
// bytes, or more, fails with ErrSizeChanged.
func copyExact(ctx context.Context, dst io.Writer, src io.Reader, size int64, buf []byte) error {
	n, err := copyContext(ctx, dst, io.LimitReader(src, size), buf)
	if err != nil {
		return err
	}
	if n != size {
		return ErrSizeChanged
	}
	var extra [1]byte
	if m, _ := src.Read(extra[:]); m > 0 {
		return ErrSizeChanged
	}
	return nil
}
