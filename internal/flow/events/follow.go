package events

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"
)

// Follower tails an events.ndjson file, delivering each decoded event to a
// callback. It polls rather than using inotify so it works on any filesystem
// the run directory lands on.
type Follower struct {
	Path string
	// Poll is the check interval for new lines. Default 250ms.
	Poll time.Duration
	// Done reports whether the run has finished; when it returns true the
	// follower drains remaining lines and stops. Nil means follow until the
	// context ends.
	Done func() bool

	offset int64
}

// Follow replays existing events and then tails for new ones until ctx ends
// or Done reports the run finished. Lines that do not decode are skipped.
func (f *Follower) Follow(ctx context.Context, fn func(Event)) error {
	poll := f.Poll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if err := f.drain(fn); err != nil {
			return err
		}
		if f.Done != nil && f.Done() {
			// One more pass: the final events may land with final.json.
			return f.drain(fn)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drain reads from the stored offset to EOF. A missing file is not an
// error; the run may not have emitted anything yet.
func (f *Follower) drain(fn func(Event)) error {
	file, err := os.Open(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()

	if f.offset > 0 {
		if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
			return err
		}
	}
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var ev Event
		if err := ev.UnmarshalJSON([]byte(line)); err != nil {
			continue
		}
		fn(ev)
	}
	f.offset, _ = file.Seek(0, io.SeekCurrent)
	return sc.Err()
}
