package history

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Fallback parks history batches that could not reach Postgres as msgpack
// frames appended to a single file. Drain reads all frames back and
// truncates the file; the recorder replays them at startup.
type Fallback struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger
}

// fallbackFrame is one parked batch.
type fallbackFrame struct {
	TagRows   []TagRow   `msgpack:"tagRows,omitempty"`
	AlarmRows []AlarmRow `msgpack:"alarmRows,omitempty"`
	ParkedAt  time.Time  `msgpack:"parkedAt"`
}

// NewFallback constructs the fallback around a file path. The file is
// created on first use.
func NewFallback(path string, log zerolog.Logger) (*Fallback, error) {
	if path == "" {
		return nil, errors.New("history: empty fallback path")
	}
	return &Fallback{path: path, log: log}, nil
}

// Append parks one batch at the end of the fallback file.
func (f *Fallback) Append(tagRows []TagRow, alarmRows []AlarmRow) error {
	if len(tagRows) == 0 && len(alarmRows) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("history: opening fallback file: %w", err)
	}
	defer file.Close()

	frame := fallbackFrame{TagRows: tagRows, AlarmRows: alarmRows, ParkedAt: time.Now().UTC()}
	if err := msgpack.NewEncoder(file).Encode(frame); err != nil {
		return fmt.Errorf("history: encoding fallback frame: %w", err)
	}
	f.log.Warn().
		Int("tagRows", len(tagRows)).
		Int("alarmRows", len(alarmRows)).
		Str("file", f.path).
		Msg("history: batch parked in fallback file")
	return nil
}

// Drain reads every parked frame and truncates the file. A missing file
// drains to nothing. A partially written trailing frame is dropped with a
// warning; everything decoded before it is still returned.
func (f *Fallback) Drain() ([]TagRow, []AlarmRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("history: opening fallback file: %w", err)
	}

	var tagRows []TagRow
	var alarmRows []AlarmRow
	dec := msgpack.NewDecoder(file)
	for {
		var frame fallbackFrame
		if err := dec.Decode(&frame); err != nil {
			if !errors.Is(err, io.EOF) {
				f.log.Warn().Err(err).Str("file", f.path).Msg("history: truncated fallback frame dropped")
			}
			break
		}
		tagRows = append(tagRows, frame.TagRows...)
		alarmRows = append(alarmRows, frame.AlarmRows...)
	}
	file.Close()

	if err := os.Truncate(f.path, 0); err != nil {
		return tagRows, alarmRows, fmt.Errorf("history: truncating fallback file: %w", err)
	}
	return tagRows, alarmRows, nil
}
