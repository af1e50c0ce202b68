package ingest

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/ulikunitz/xz"
)

// openFile opens a local file, decompressing gzip, bzip2 and xz recordings
// detected by their magic bytes.
func openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path) //nolint:gosec // input path is operator configured
	if err != nil {
		return nil, fmt.Errorf("opening input file: %w", err)
	}

	r, err := decompress(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &readCloser{Reader: r, close: f.Close}, nil
}

// decompress wraps r with a decompressor when its header matches one.
func decompress(r io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	header, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("peeking header: %w", err)
	}

	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		gzr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return gzr, nil

	case len(header) >= 3 && header[0] == 'B' && header[1] == 'Z' && header[2] == 'h':
		return bzip2.NewReader(br), nil

	case len(header) >= 6 && header[0] == 0xfd && header[1] == '7' && header[2] == 'z' && header[3] == 'X' && header[4] == 'Z' && header[5] == 0x00:
		xzr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating xz reader: %w", err)
		}
		return xzr, nil
	}
	return br, nil
}

// readCloser pairs a reader with the close of what it reads from.
type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error {
	return r.close()
}
