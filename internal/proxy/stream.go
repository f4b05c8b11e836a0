package proxy

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"unicode/utf8"
)

// lineBufferCap bounds the SSE line buffer against an upstream that never
// terminates a line. On overflow the whole buffer is dropped.
const lineBufferCap = 64 * 1024

// sseDone is the sentinel data line terminating an OpenAI-compatible stream.
const sseDone = "[DONE]"

// StreamUsage is the token usage recovered from the stream's final chunks.
type StreamUsage struct {
	PromptTokens     uint32
	CompletionTokens uint32
}

// StreamResult is what the observer hands back once the stream ends. When
// DoneReceived is false the stream did not complete normally and Usage and
// FinishReason are always nil — partial data makes for bad accounting.
type StreamResult struct {
	Usage        *StreamUsage
	FinishReason *string
	DoneReceived bool
}

// StreamObserver watches the raw SSE bytes on their way to the client and
// recovers the usage object that OpenAI-compatible providers only emit in the
// final chunks. Bytes pass through unmodified; the observer keeps its own
// line buffer so JSON split across TCP chunks is still parsed.
//
// Observe and Finalize are safe to call from any goroutine. Extraction runs
// under a per-chunk recover so a malformed event can never kill the stream.
type StreamObserver struct {
	mu sync.Mutex

	buf          []byte
	usage        *StreamUsage
	finishReason *string
	done         bool

	finalized bool
	result    StreamResult

	log *slog.Logger
}

func newStreamObserver(log *slog.Logger) *StreamObserver {
	if log == nil {
		log = slog.Default()
	}
	return &StreamObserver{log: log}
}

// Observe feeds one upstream chunk. The caller forwards the same bytes to the
// client; the observer never mutates them.
func (o *StreamObserver) Observe(chunk []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finalized {
		return
	}

	o.withRecover(func() {
		o.buf = append(o.buf, chunk...)
		o.drainCompleteLines()
		if len(o.buf) > lineBufferCap {
			o.log.Warn("sse line buffer overflow, dropping partial line",
				slog.Int("buffered", len(o.buf)),
			)
			o.buf = o.buf[:0]
		}
	})
}

// Finalize flushes any trailing partial line and freezes the result. It is
// idempotent: only the first call takes effect, and chunks observed after it
// are ignored.
func (o *StreamObserver) Finalize() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finalized {
		return
	}
	o.finalized = true

	o.withRecover(func() {
		if len(o.buf) > 0 {
			o.processLine(bytes.TrimSuffix(o.buf, []byte("\r")))
			o.buf = nil
		}
	})

	if o.done {
		o.result = StreamResult{
			Usage:        o.usage,
			FinishReason: o.finishReason,
			DoneReceived: true,
		}
	} else {
		// No [DONE] sentinel: the data is untrustworthy, report nothing.
		o.result = StreamResult{}
	}
}

// Result returns the final StreamResult. Valid only after Finalize.
func (o *StreamObserver) Result() StreamResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// withRecover isolates extraction panics: the bytes were already forwarded,
// so a parser blowup is logged and the stream keeps going.
func (o *StreamObserver) withRecover(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("stream observer panic recovered", slog.Any("panic", r))
		}
	}()
	fn()
}

// drainCompleteLines processes every terminated line in the buffer, leaving a
// partial trailing line for the next chunk.
func (o *StreamObserver) drainCompleteLines() {
	for {
		i := bytes.IndexByte(o.buf, '\n')
		if i < 0 {
			return
		}
		line := o.buf[:i]
		line = bytes.TrimSuffix(line, []byte("\r"))
		o.processLine(line)
		o.buf = o.buf[i+1:]
	}
}

func (o *StreamObserver) processLine(line []byte) {
	if len(line) == 0 {
		return // event delimiter
	}
	if !utf8.Valid(line) {
		o.log.Warn("skipping invalid UTF-8 SSE line", slog.Int("len", len(line)))
		return
	}

	s := string(line)
	switch {
	case s[0] == ':':
		return // comment
	case hasFieldPrefix(s, "event:"), hasFieldPrefix(s, "id:"), hasFieldPrefix(s, "retry:"):
		return
	case hasFieldPrefix(s, "data:"):
		data := s[len("data:"):]
		if len(data) > 0 && data[0] == ' ' {
			data = data[1:]
		}
		o.processData(data)
	}
}

func hasFieldPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// chunkPayload is the slice of an OpenAI streaming chunk the observer cares
// about. Usage counts only when the object carries both fields.
type chunkPayload struct {
	Choices []struct {
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     *uint32 `json:"prompt_tokens"`
		CompletionTokens *uint32 `json:"completion_tokens"`
	} `json:"usage"`
}

func (o *StreamObserver) processData(data string) {
	if data == sseDone {
		o.done = true
		return
	}

	var p chunkPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		// Usage may still arrive in a later, well-formed chunk.
		o.log.Warn("unparseable SSE data line", slog.String("error", err.Error()))
		return
	}

	if len(p.Choices) > 0 && p.Choices[0].FinishReason != nil && *p.Choices[0].FinishReason != "" {
		fr := *p.Choices[0].FinishReason
		o.finishReason = &fr
	}

	if p.Usage != nil && p.Usage.PromptTokens != nil && p.Usage.CompletionTokens != nil {
		o.usage = &StreamUsage{
			PromptTokens:     *p.Usage.PromptTokens,
			CompletionTokens: *p.Usage.CompletionTokens,
		}
	}
}
