package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// maxMessageSize bounds a single inbound line.
const maxMessageSize = 4 << 20

// ErrMalformedMessage is returned by ReadMessage for lines that are not
// valid JSON-RPC.
var ErrMalformedMessage = errors.New("malformed message")

// Transport frames JSON-RPC messages as newline-delimited JSON.
type Transport struct {
	scanner *bufio.Scanner
	writer  io.Writer
	log     *slog.Logger

	// serializes writes; responses and notifications come from different
	// goroutines
	mu sync.Mutex
}

// NewTransport creates a transport over the given streams.
func NewTransport(reader io.Reader, writer io.Writer, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	return &Transport{
		scanner: scanner,
		writer:  writer,
		log:     log,
	}
}

// ReadMessage returns the next request, skipping blank lines. It returns
// io.EOF once the stream is exhausted.
func (t *Transport) ReadMessage() (*Request, error) {
	for t.scanner.Scan() {
		line := bytes.TrimSpace(t.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		t.log.Debug("received message", "raw", string(line))

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if req.Method == "" {
			return nil, fmt.Errorf("%w: missing method", ErrMalformedMessage)
		}
		return &req, nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return nil, io.EOF
}

// SendResult sends a successful response.
func (t *Transport) SendResult(id interface{}, result interface{}) error {
	return t.write(&Response{JSONRPC: jsonrpcVersion, ID: id, Result: result})
}

// SendError sends an error response.
func (t *Transport) SendError(id interface{}, code int, message string, data interface{}) error {
	return t.write(&Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	})
}

// SendNotification sends a message that expects no response.
func (t *Transport) SendNotification(method string, params interface{}) error {
	return t.write(&Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

func (t *Transport) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	t.log.Debug("sending message", "raw", string(data[:len(data)-1]))
	if _, err := t.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
