// Package follower implements a durable tail of the Nginx access log,
// resilient to rotation and truncation, with retarget and shutdown as
// first-class operations.
package follower

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// inodeOf extracts the inode number backing info, used to distinguish
// a rename-based log rotation (new inode, same path) from ordinary
// growth. Linux-only, matching the daemon's NET_ADMIN requirement.
func inodeOf(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

// state names the follower's current phase, kept only for tests and
// logging — the loop itself is a straight-line goroutine, not an
// explicit state type, because Go's for/select already expresses the
// transitions cleanly.
type state int

const (
	stateOpening state = iota
	stateReading
	stateAtEof
)

const (
	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 5 * time.Second
	pollInterval   = 200 * time.Millisecond
	rotationCheckEveryNPolls = 5
)

// Follower streams complete lines from path to Lines, handling
// rotation (inode change) and truncation (size shrink) the way Nginx's
// log rotation does it: by renaming the old file and creating a new
// one at the same path, or by truncating in place.
type Follower struct {
	path  string
	Lines chan string
	log   *zap.SugaredLogger

	retarget chan string
	state    atomic.Int32
}

// New creates a Follower for path. bufSize bounds the Lines channel;
// the follower blocks on a full channel rather than dropping lines, so
// detection stays complete under backpressure.
func New(path string, bufSize int, log *zap.SugaredLogger) *Follower {
	return &Follower{
		path:     path,
		Lines:    make(chan string, bufSize),
		log:      log,
		retarget: make(chan string, 1),
	}
}

// Retarget asks the follower to switch to a new path, used when
// ConfigWatcher observes log_path change. Non-blocking; the most
// recent retarget request wins if several arrive before the follower
// gets to act on one.
func (f *Follower) Retarget(path string) {
	select {
	case f.retarget <- path:
	default:
		// drain and replace so the latest path wins
		select {
		case <-f.retarget:
		default:
		}
		f.retarget <- path
	}
}

// State reports the follower's current phase, for tests.
func (f *Follower) State() state {
	return state(f.state.Load())
}

// Run streams lines until ctx is cancelled. It never returns an error:
// a missing or unreadable log file is LogUnavailable, recovered via
// bounded exponential backoff, never fatal.
func (f *Follower) Run(ctx context.Context) {
	path := f.path
	backoff := initialBackoff
	seekStart := false

	for {
		select {
		case <-ctx.Done():
			close(f.Lines)
			return
		case newPath := <-f.retarget:
			path = newPath
			backoff = initialBackoff
			seekStart = false
		default:
		}

		file, ino, size, err := openAtOffset(path, seekStart)
		if err != nil {
			f.state.Store(int32(stateOpening))
			f.log.Warnw("log file unavailable, backing off", "path", path, "error", err, "backoff", backoff)
			if !sleepOrDone(ctx, backoff) {
				close(f.Lines)
				return
			}
			backoff = minDuration(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff

		cont, rotatedOut := f.readLoop(ctx, file, path, ino, size)
		if !cont {
			close(f.Lines)
			return
		}
		seekStart = rotatedOut
	}
}

// readLoop owns one open file handle until rotation/truncation is
// detected or a retarget/shutdown request arrives. Returns cont=false
// when the caller should stop entirely (shutdown). Returns
// fromStart=true when the next open must seek to offset 0 rather than
// the current end, because the file underneath was rotated or
// truncated and lines already written before this reopen would
// otherwise be skipped.
func (f *Follower) readLoop(ctx context.Context, file *os.File, path string, ino uint64, offset int64) (cont bool, fromStart bool) {
	defer file.Close()

	reader := bufio.NewReader(file)
	pollCount := 0
	partial := ""

	for {
		select {
		case <-ctx.Done():
			return false, false
		case newPath := <-f.retarget:
			if newPath != path {
				f.Retarget(newPath)
				return true, false
			}
		default:
		}

		f.state.Store(int32(stateReading))
		line, err := reader.ReadString('\n')
		if len(line) > 0 && err == nil {
			offset += int64(len(line))
			line = partial + line
			partial = ""
			select {
			case f.Lines <- line[:len(line)-1]:
			case <-ctx.Done():
				return false, false
			}
			continue
		}
		if len(line) > 0 {
			// Trailing bytes without a newline yet: hold them until the
			// rest of the line is written.
			offset += int64(len(line))
			partial += line
		}

		if err != io.EOF {
			f.log.Warnw("log read error, reopening", "path", path, "error", err)
			return true, false
		}

		f.state.Store(int32(stateAtEof))
		if !sleepOrDone(ctx, pollInterval) {
			return false, false
		}

		pollCount++
		if pollCount%rotationCheckEveryNPolls != 0 {
			continue
		}

		rotated, truncated := checkRotation(path, ino, offset)
		if rotated || truncated {
			f.log.Infow("log rotation detected, reopening from offset 0", "path", path, "rotated", rotated, "truncated", truncated)
			return true, true
		}
	}
}

func openAtOffset(path string, fromStart bool) (*os.File, uint64, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, 0, err
	}
	ino := inodeOf(info)

	whence := io.SeekEnd
	if fromStart {
		whence = io.SeekStart
	}
	offset, err := file.Seek(0, whence)
	if err != nil {
		file.Close()
		return nil, 0, 0, err
	}
	return file, ino, offset, nil
}

// checkRotation stats path and reports whether the inode changed
// (rename-based rotation) or the file is now smaller than offset
// (truncate-based rotation).
func checkRotation(path string, ino uint64, offset int64) (rotated, truncated bool) {
	info, err := os.Stat(path)
	if err != nil {
		// Missing mid-tail counts as rotated: the next Opening phase
		// will apply backoff if it's genuinely gone.
		return true, false
	}
	if inodeOf(info) != ino {
		return true, false
	}
	if info.Size() < offset {
		return false, true
	}
	return false, false
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
