/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package logtest

import (
	"io"
	"os"
	"sync"

	"github.com/ssgreg/logf"

	"github.com/acronis/go-resilience/log"
)

type syncWriter struct {
	mu      sync.Mutex
	encoder logf.Encoder
	output  io.Writer
}

//nolint:gocritic
func (w *syncWriter) WriteEntry(e logf.Entry) {
	var buf logf.Buffer
	if err := w.encoder.Encode(&buf, e); err != nil {
		buf.Reset()
		buf.AppendString(err.Error())
		buf.AppendByte('\n')
	}
	w.mu.Lock()
	_, _ = w.output.Write(buf.Data)
	w.mu.Unlock()
}

// NewLogger returns a synchronous JSON logger writing debug and higher entries to out (stderr if nil).
// It is slow and intended for tests only.
func NewLogger(out io.Writer) log.FieldLogger {
	if out == nil {
		out = os.Stderr
	}
	w := &syncWriter{
		encoder: logf.NewJSONEncoder(logf.JSONEncoderConfig{EncodeTime: logf.RFC3339NanoTimeEncoder, FieldKeyTime: "time"}),
		output:  out,
	}
	return &log.LogfAdapter{Logger: logf.NewLogger(logf.LevelDebug, w)}
}
