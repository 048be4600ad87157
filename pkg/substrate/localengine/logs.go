package localengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tesslate/studio/pkg/types"
)

// logPollInterval is how often the follower re-checks the log file for new
// output after hitting EOF.
const logPollInterval = 500 * time.Millisecond

// tailWindow bounds how far back the tail seek looks for line starts.
const tailWindow = 1 << 20

// ContainerLogs returns the last tail lines of a container's combined
// output and then follows the file until ctx is done.
func (d *Driver) ContainerLogs(ctx context.Context, project *types.Project, dir string, tail int) (io.ReadCloser, error) {
	path := filepath.Join(d.logDir(project), dir+".log")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no logs for container %s", types.ErrNotFound, dir)
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	if tail > 0 {
		if err := seekToTail(f, tail); err != nil {
			f.Close()
			return nil, err
		}
	}

	return &followReader{ctx: ctx, f: f}, nil
}

// seekToTail positions f so the next read starts at the beginning of the
// n-th line from the end, looking back at most tailWindow bytes.
func seekToTail(f *os.File, n int) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	window := int64(tailWindow)
	if size < window {
		window = size
	}
	if window == 0 {
		return nil
	}

	buf := make([]byte, window)
	if _, err := f.ReadAt(buf, size-window); err != nil && err != io.EOF {
		return err
	}

	// Walk newlines from the end until n lines are behind us.
	pos := len(buf)
	if pos > 0 && buf[pos-1] == '\n' {
		pos--
	}
	for lines := 0; lines < n; lines++ {
		idx := bytes.LastIndexByte(buf[:pos], '\n')
		if idx < 0 {
			pos = 0
			break
		}
		pos = idx
	}
	if pos > 0 {
		pos++
	}

	_, err = f.Seek(size-window+int64(pos), io.SeekStart)
	return err
}

// followReader reads to EOF, then polls for appended output until the
// context ends.
type followReader struct {
	ctx context.Context
	f   *os.File
}

func (r *followReader) Read(p []byte) (int, error) {
	for {
		n, err := r.f.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		select {
		case <-r.ctx.Done():
			return 0, io.EOF
		case <-time.After(logPollInterval):
		}
	}
}

func (r *followReader) Close() error {
	return r.f.Close()
}
