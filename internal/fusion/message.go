package fusion

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"voxmerge/internal/medianame"
)

// Message is one record of the message stream.
type Message struct {
	Contact        string              `json:"contact"`
	Timestamp      string              `json:"timestamp"`
	Direction      medianame.Direction `json:"direction,omitempty"`
	Text           string              `json:"text"`
	AudioReference string              `json:"audio_reference,omitempty"`

	// Set by fusion.
	Transcript string      `json:"transcript,omitempty"`
	Audio      string      `json:"audio,omitempty"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

// Resolution records how a reference was resolved.
type Resolution struct {
	Reference   string `json:"reference"`
	Strategy    string `json:"strategy,omitempty"`
	Transcribed bool   `json:"transcribed"`
	Marker      string `json:"marker"`
}

// ReadMessages decodes a JSON array or JSON lines stream of messages.
func ReadMessages(r io.Reader) ([]Message, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read messages: %w", err)
	}

	var messages []Message
	if first == '[' {
		if err := json.NewDecoder(br).Decode(&messages); err != nil {
			return nil, fmt.Errorf("decode message array: %w", err)
		}
	} else {
		dec := json.NewDecoder(br)
		for line := 1; ; line++ {
			var msg Message
			if err := dec.Decode(&msg); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("decode message %d: %w", line, err)
			}
			messages = append(messages, msg)
		}
	}
	for i := range messages {
		messages[i].Direction = medianame.ParseDirection(string(messages[i].Direction))
	}
	return messages, nil
}

// WriteMessages encodes messages as an indented JSON array.
func WriteMessages(w io.Writer, messages []Message) error {
	if messages == nil {
		messages = []Message{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(messages); err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	return nil
}

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}
