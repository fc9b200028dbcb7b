package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/openclaude/autopilot/internal/event"
	"github.com/openclaude/autopilot/internal/testutil"
)

// collect drains the decoder into a slice of event types.
func collect(testingHandle *testing.T, decoder *Decoder) ([]string, error) {
	testingHandle.Helper()
	var types []string
	var streamErr error
	for ev, err := range decoder.Events() {
		if err != nil {
			streamErr = err
			break
		}
		types = append(types, ev.Type)
	}
	return types, streamErr
}

func TestDecoderFramesAndMultipleDataLines(testingHandle *testing.T) {
	// Arrange a stream with a comment, named fields, CRLF endings and a two-event frame.
	stream := ": keep-alive\n\n" +
		"event: message\nid: 1\ndata: {\"type\":\"session.idle\",\"properties\":{\"sessionID\":\"s\"}}\n\n" +
		"data:{\"type\":\"a\",\"properties\":{}}\r\n" +
		"data: {\"type\":\"b\",\"properties\":{}}\r\n\r\n"

	// Act.
	types, err := collect(testingHandle, NewDecoder(strings.NewReader(stream)))

	// Assert.
	testutil.RequireNoError(testingHandle, err, "decode stream")
	testutil.RequireEqual(testingHandle, types, []string{event.TypeSessionIdle, "a", "b"}, "decoded types")
}

func TestDecoderDropsMalformedPayloads(testingHandle *testing.T) {
	// Arrange a frame whose first data line is broken JSON.
	stream := "data: {\"type\":\n" +
		"data: {\"type\":\"ok\",\"properties\":{}}\n\n" +
		"data: not json\n\n" +
		"data: {\"type\":\"after\",\"properties\":{}}\n\n"
	var dropped []string
	decoder := NewDecoder(strings.NewReader(stream), WithMalformedHandler(func(payload string, err error) {
		dropped = append(dropped, payload)
	}))

	// Act.
	types, err := collect(testingHandle, decoder)

	// Assert.
	testutil.RequireNoError(testingHandle, err, "decode stream")
	testutil.RequireEqual(testingHandle, types, []string{"ok", "after"}, "surviving events")
	testutil.RequireEqual(testingHandle, dropped, []string{`{"type":`, "not json"}, "dropped payloads")
}

func TestDecoderDropsUnterminatedTrailingFrame(testingHandle *testing.T) {
	stream := "data: {\"type\":\"first\",\"properties\":{}}\n\n" +
		"data: {\"type\":\"partial\",\"properties\":{}}\n"

	decoder := NewDecoder(strings.NewReader(stream))
	first, err := decoder.Next()
	testutil.RequireNoError(testingHandle, err, "first event")
	testutil.RequireEqual(testingHandle, first.Type, "first", "first type")

	_, err = decoder.Next()
	testutil.RequireTrue(testingHandle, errors.Is(err, io.EOF), "expected EOF after partial frame")
	_, err = decoder.Next()
	testutil.RequireTrue(testingHandle, errors.Is(err, io.EOF), "EOF is sticky")
}

func TestDecoderHandlesOneByteReads(testingHandle *testing.T) {
	stream := "data: {\"type\":\"message.part.updated\",\"properties\":{\"delta\":\"Hel\"}}\n\n"

	decoder := NewDecoder(iotest.OneByteReader(strings.NewReader(stream)))
	ev, err := decoder.Next()

	testutil.RequireNoError(testingHandle, err, "decode")
	testutil.RequireEqual(testingHandle, ev.Properties.Delta, "Hel", "delta")
}

func TestDecoderYieldsReadError(testingHandle *testing.T) {
	// Arrange a reader that fails after one complete frame.
	failure := errors.New("connection reset")
	reader := io.MultiReader(
		strings.NewReader("data: {\"type\":\"x\",\"properties\":{}}\n\n"),
		iotest.ErrReader(failure),
	)

	// Act.
	types, err := collect(testingHandle, NewDecoder(reader))

	// Assert.
	testutil.RequireEqual(testingHandle, types, []string{"x"}, "events before failure")
	testutil.RequireTrue(testingHandle, errors.Is(err, failure), "read error surfaced")
}
