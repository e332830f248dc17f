package process

import (
	"unicode/utf8"

	"github.com/guseggert/shellui/event"
	"github.com/guseggert/shellui/ledger"
)

type streamKind int

const (
	stdout streamKind = iota
	stderr
)

// streamWriter is installed as the process's stdout or stderr. Each Write is one chunk:
// it is appended to the execution's record and then published to observers.
type streamWriter struct {
	c    *Coordinator
	x    *execution
	kind streamKind

	// pending holds the bytes of a UTF-8 sequence split across writes.
	pending []byte
}

func (w *streamWriter) Write(b []byte) (int, error) {
	w.x.mut.Lock()
	defer w.x.mut.Unlock()
	if w.x.finished {
		w.c.log.Debugf("dropping %d bytes written after execution %s finished", len(b), w.x.id)
		return len(b), nil
	}

	buf := append(w.pending, b...)
	cut := completeRunes(buf)
	w.pending = append([]byte(nil), buf[cut:]...)
	w.emit(string(buf[:cut]))
	return len(b), nil
}

// flush emits any incomplete trailing bytes. The caller must hold the execution's lock.
func (w *streamWriter) flush() {
	if len(w.pending) == 0 {
		return
	}
	data := string(w.pending)
	w.pending = nil
	w.emit(data)
}

func (w *streamWriter) emit(data string) {
	if data == "" {
		return
	}
	var (
		patch ledger.Patch
		e     event.Event
	)
	switch w.kind {
	case stdout:
		patch.AppendOutput = data
		e = event.Output{Execution: w.x.id, Data: data}
	case stderr:
		patch.AppendError = data
		e = event.Error{Execution: w.x.id, Data: data}
	}
	w.c.ledger.Update(w.x.id, patch)
	w.c.pub.Publish(w.x.ctx, e)
}

// completeRunes returns the length of the longest prefix of b that does not end
// in the middle of a UTF-8 sequence.
func completeRunes(b []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		start := len(b) - i
		if !utf8.RuneStart(b[start]) {
			continue
		}
		if utf8.FullRune(b[start:]) {
			return len(b)
		}
		return start
	}
	return len(b)
}
