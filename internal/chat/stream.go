package chat

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// readStream consumes newline-delimited records:
//
//	data: <text or json>
//	error: <text>
//	: comment
//
// A trailing line without a terminator is delivered when the body ends.
func readStream(r io.Reader, onChunk func(string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushTrailing(line, onChunk)
				return nil
			}
			return err
		}
		if lineErr := handleLine(line, onChunk); lineErr != nil {
			return lineErr
		}
	}
}

func handleLine(line string, onChunk func(string)) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") {
		return nil
	}
	if data, ok := cutField(line, "data"); ok {
		deliverData(data, onChunk)
		return nil
	}
	if msg, ok := cutField(line, "error"); ok {
		return &Error{Message: translateStreamError(msg), Err: errors.New("chat: stream error: " + msg)}
	}
	return nil
}

// cutField strips "<name>:" and one optional following space.
func cutField(line, name string) (string, bool) {
	rest, ok := strings.CutPrefix(line, name+":")
	if !ok {
		return "", false
	}
	return strings.TrimPrefix(rest, " "), true
}

type streamPayload struct {
	Content string          `json:"content"`
	Text    string          `json:"text"`
	Chunk   string          `json:"chunk"`
	Error   json.RawMessage `json:"error"`
}

func deliverData(data string, onChunk func(string)) {
	if data == "" {
		return
	}
	if strings.HasPrefix(data, "[") {
		// JSON arrays carry no text; bracketed prose is still text.
		if !json.Valid([]byte(data)) {
			onChunk(data)
		}
		return
	}
	if !strings.HasPrefix(data, "{") {
		onChunk(data)
		return
	}
	var p streamPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		onChunk(data)
		return
	}
	if len(p.Error) > 0 && string(p.Error) != "null" && string(p.Error) != "false" {
		var msg string
		if err := json.Unmarshal(p.Error, &msg); err != nil {
			msg = string(p.Error)
		}
		onChunk(translateStreamError(msg))
		return
	}
	switch {
	case p.Content != "":
		onChunk(p.Content)
	case p.Text != "":
		onChunk(p.Text)
	case p.Chunk != "":
		onChunk(p.Chunk)
	}
}

func flushTrailing(rest string, onChunk func(string)) {
	rest = strings.TrimSpace(rest)
	if rest == "" || strings.HasPrefix(rest, ":") {
		return
	}
	if data, ok := cutField(rest, "data"); ok {
		if data != "" {
			onChunk(data)
		}
		return
	}
	onChunk(rest)
}
