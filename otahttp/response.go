// Package otahttp speaks just enough HTTP/1.1 to fetch a firmware image:
// a fixed GET request and a parser for the head of the response.
package otahttp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrNoHeaderEnd      = errors.New("otahttp: header terminator not in first chunk")
	ErrBadStatusLine    = errors.New("otahttp: malformed status line")
	ErrStatus           = errors.New("otahttp: unexpected status")
	ErrNoContentLength  = errors.New("otahttp: missing Content-Length")
	ErrBadContentLength = errors.New("otahttp: invalid Content-Length")
)

var (
	headerEnd     = []byte("\r\n\r\n")
	crlf          = []byte("\r\n")
	httpPrefix    = []byte("HTTP/1.")
	contentLength = []byte("content-length")
)

// Head is what the update needs from a response head.
type Head struct {
	Status        int
	BodyOffset    int    // start of the body within the parsed chunk
	ContentLength uint32 // declared body length
}

// ParseHead parses the status line and headers at the start of chunk. The
// whole head must be present in chunk; there is no buffering across chunks.
// Any status other than 200 is an error.
func ParseHead(chunk []byte) (Head, error) {
	var h Head
	end := bytes.Index(chunk, headerEnd)
	if end < 0 {
		return h, ErrNoHeaderEnd
	}
	h.BodyOffset = end + len(headerEnd)
	head := chunk[:end]

	line, rest, _ := bytes.Cut(head, crlf)
	status, err := parseStatusLine(line)
	if err != nil {
		return h, err
	}
	h.Status = status
	if status != 200 {
		return h, fmt.Errorf("%w %d", ErrStatus, status)
	}

	found := false
	for len(rest) > 0 {
		line, rest, _ = bytes.Cut(rest, crlf)
		name, value, ok := bytes.Cut(line, []byte{':'})
		if !ok || !bytes.EqualFold(bytes.TrimSpace(name), contentLength) {
			continue
		}
		n, err := strconv.ParseUint(string(bytes.TrimSpace(value)), 10, 32)
		if err != nil {
			return h, fmt.Errorf("%w: %q", ErrBadContentLength, value)
		}
		h.ContentLength = uint32(n)
		found = true
		break
	}
	if !found {
		return h, ErrNoContentLength
	}
	return h, nil
}

// parseStatusLine returns the code from "HTTP/1.x NNN reason".
func parseStatusLine(line []byte) (int, error) {
	if !bytes.HasPrefix(line, httpPrefix) || len(line) < 12 || line[8] != ' ' {
		return 0, fmt.Errorf("%w: %q", ErrBadStatusLine, line)
	}
	code := line[9:12]
	if len(line) > 12 && line[12] != ' ' {
		return 0, fmt.Errorf("%w: %q", ErrBadStatusLine, line)
	}
	n, err := strconv.Atoi(string(code))
	if err != nil || n < 100 {
		return 0, fmt.Errorf("%w: %q", ErrBadStatusLine, line)
	}
	return n, nil
}
