package stream

import (
	"io"

	"github.com/golang/snappy"
)

// CompressedInputStream and CompressedOutputStream are the optional snappy
// compression filter SPEC_FULL.md's DOMAIN STACK adds (spec.md itself has no
// compression filter). conn.Connection does not build them into its chain;
// they are standalone filters over any io.Reader/io.Writer. snappy's framed
// format already
// does its own chunking/checksums, so these are thin adapters rather than a
// hand-rolled codec.
type CompressedInputStream struct {
	r *snappy.Reader
}

func NewCompressedInputStream(base io.Reader) *CompressedInputStream {
	return &CompressedInputStream{r: snappy.NewReader(base)}
}

func (c *CompressedInputStream) Read(p []byte) (int, error) { return c.r.Read(p) }

type CompressedOutputStream struct {
	w *snappy.Writer
}

func NewCompressedOutputStream(base io.Writer) *CompressedOutputStream {
	return &CompressedOutputStream{w: snappy.NewBufferedWriter(base)}
}

func (c *CompressedOutputStream) Write(p []byte) (int, error) { return c.w.Write(p) }

// Flush forces any buffered compressed data out to base.
func (c *CompressedOutputStream) Flush() error { return c.w.Flush() }

func (c *CompressedOutputStream) Close() error { return c.w.Close() }
