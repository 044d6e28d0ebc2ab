package engine

import (
	"bufio"
	"fmt"
	"os"
	"strconv"

	"github.com/hupe1980/hashsift/internal/fs"
	"github.com/hupe1980/hashsift/keyspace"
)

// countsWriter appends candidate occurrence weights to a plain text sidecar
// file, one "DIGEST:COUNT" line per candidate. Downstream tooling sorts on
// the count to decide which candidates to act on first. The file is append
// only so a resumed run extends rather than rewrites it.
type countsWriter struct {
	f  fs.File
	bw *bufio.Writer
}

func newCountsWriter(fsys fs.FileSystem, path string) (*countsWriter, error) {
	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("engine: open counts file: %w", err)
	}
	return &countsWriter{f: f, bw: bufio.NewWriterSize(f, 64<<10)}, nil
}

func (c *countsWriter) record(d keyspace.Digest, count int64) error {
	buf := make([]byte, 0, keyspace.DigestHexLen+22)
	buf = d.AppendHex(buf)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, count, 10)
	buf = append(buf, '\n')
	_, err := c.bw.Write(buf)
	return err
}

// sync flushes buffered lines and fsyncs, called at shard boundaries.
func (c *countsWriter) sync() error {
	if err := c.bw.Flush(); err != nil {
		return err
	}
	return c.f.Sync()
}

func (c *countsWriter) Close() error {
	ferr := c.bw.Flush()
	if err := c.f.Close(); err != nil && ferr == nil {
		ferr = err
	}
	return ferr
}
