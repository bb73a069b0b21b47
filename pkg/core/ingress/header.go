//go:build linux

package ingress

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

// MaxHeader bounds the request line plus headers.
const MaxHeader = 10 * 1024

var (
	headerEnd = []byte("\r\n\r\n")

	connectRe = regexp.MustCompile(`^CONNECT\s+([^:]+):(\d+)\s+HTTP/(1\.0|1\.1)`)
	requestRe = regexp.MustCompile(`^(\S+)\s+(\S+)\s+HTTP/(1\.0|1\.1)`)
)

// request is a parsed proxy request.
type request struct {
	connect bool
	host    string
	port    int
	// httpVersion is "1.0" or "1.1"; failure responses match it.
	httpVersion string
	// header is the full received header block plus any body bytes already
	// read; forwarded verbatim origin-ward for non-CONNECT requests.
	header []byte
}

// parseErr distinguishes the failure responses.
type parseErr int

const (
	parseOK parseErr = iota
	// parseBad is a protocol violation: malformed request line, missing
	// host, or a CONNECT with trailing bytes after the header terminator.
	parseBad
)

// headerComplete reports the index just past the header terminator, or -1.
func headerComplete(buf []byte) int {
	i := bytes.Index(buf, headerEnd)
	if i < 0 {
		return -1
	}
	return i + len(headerEnd)
}

// parseRequest parses a complete header block. buf holds everything read
// so far; end is the index just past the terminator.
func parseRequest(buf []byte, end int) (request, parseErr) {
	head := buf[:end]

	if m := connectRe.FindSubmatch(head); m != nil {
		req := request{
			connect:     true,
			host:        string(m[1]),
			httpVersion: string(m[3]),
		}
		port, err := strconv.Atoi(string(m[2]))
		if err != nil || port <= 0 || port > 65535 {
			return request{httpVersion: req.httpVersion}, parseBad
		}
		req.port = port
		// A CONNECT carries no body; anything after the terminator is a
		// protocol violation.
		if end != len(buf) {
			return request{httpVersion: req.httpVersion}, parseBad
		}
		if req.host == "" {
			return request{httpVersion: req.httpVersion}, parseBad
		}
		return req, parseOK
	}

	if m := requestRe.FindSubmatch(head); m != nil {
		req := request{
			httpVersion: string(m[3]),
			header:      buf,
		}
		host, port, ok := hostFromHeaders(head)
		if !ok || host == "" {
			return request{httpVersion: req.httpVersion}, parseBad
		}
		req.host = host
		req.port = port
		return req, parseOK
	}

	return request{httpVersion: "1.1"}, parseBad
}

// hostFromHeaders extracts the target from the Host header. A host:port
// value carries the port; otherwise port 80.
func hostFromHeaders(head []byte) (string, int, bool) {
	for _, line := range bytes.Split(head, []byte("\r\n")) {
		i := bytes.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		if !strings.EqualFold(string(line[:i]), "Host") {
			continue
		}
		value := strings.TrimSpace(string(line[i+1:]))
		if value == "" {
			return "", 0, false
		}
		// IPv6 literals are bracketed; the port separator is the colon
		// after the closing bracket.
		if strings.HasPrefix(value, "[") {
			end := strings.Index(value, "]")
			if end < 0 {
				return "", 0, false
			}
			host := value[:end+1]
			rest := value[end+1:]
			if rest == "" {
				return host, 80, true
			}
			if !strings.HasPrefix(rest, ":") {
				return "", 0, false
			}
			port, err := strconv.Atoi(rest[1:])
			if err != nil || port <= 0 || port > 65535 {
				return "", 0, false
			}
			return host, port, true
		}
		if j := strings.LastIndex(value, ":"); j >= 0 {
			port, err := strconv.Atoi(value[j+1:])
			if err != nil || port <= 0 || port > 65535 {
				return "", 0, false
			}
			return value[:j], port, true
		}
		return value, 80, true
	}
	return "", 0, false
}

// Handshake and failure responses. Bit-exact; the 1.0/1.1 variant always
// matches the client's version. The 403 deliberately carries the text
// "Not Found".
func okResponse(version string) []byte {
	return []byte("HTTP/" + version + " 200 OK\r\n\r\n")
}

func badRequestResponse(version string) []byte {
	return []byte("HTTP/" + version + " 400 Bad Request\r\n\r\n")
}

func notFoundResponse(version string) []byte {
	return []byte("HTTP/" + version + " 403 Not Found\r\n\r\n")
}
