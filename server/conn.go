package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrRequestTooLarge is returned when a request does not fit in the
// configured byte cap.
var ErrRequestTooLarge = errors.New("request exceeds size limit")

// ProtocolError is a request the server refused to process. The connection
// it arrived on is dropped without a response.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// cappedReader fails once more than limit bytes have been read through it.
type cappedReader struct {
	r        io.Reader
	limit    int64
	read     int64
	exceeded bool
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.read >= c.limit {
		// One byte of lookahead tells a request that ends exactly at the
		// limit from one that keeps going.
		var next [1]byte
		n, err := c.r.Read(next[:])
		if n > 0 {
			c.exceeded = true
			return 0, ErrRequestTooLarge
		}
		return 0, err
	}
	if rest := c.limit - c.read; int64(len(p)) > rest {
		p = p[:rest]
	}
	n, err := c.r.Read(p)
	c.read += int64(n)
	return n, err
}

// readRequest reads one HTTP/1.1 request from r, body included, buffering
// at most limit bytes in total. Split reads are reassembled. The body is
// framed by Content-Length only; a request with a Transfer-Encoding is
// refused.
func readRequest(r io.Reader, limit int64) (*http.Request, []byte, error) {
	cr := &cappedReader{r: r, limit: limit}
	br := bufio.NewReader(cr)

	req, err := http.ReadRequest(br)
	if err != nil {
		// http.ReadRequest rejects request lines without a method or
		// request target, so those land here too.
		return nil, nil, classify(cr, "malformed request", err)
	}
	if len(req.TransferEncoding) > 0 {
		req.Body.Close()
		return nil, nil, &ProtocolError{Reason: "unsupported transfer encoding"}
	}

	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, nil, classify(cr, "truncated body", err)
	}
	return req, body, nil
}

func classify(cr *cappedReader, reason string, err error) error {
	if cr.exceeded || errors.Is(err, ErrRequestTooLarge) {
		return &ProtocolError{Reason: "oversized request", Err: ErrRequestTooLarge}
	}
	return &ProtocolError{Reason: reason, Err: err}
}
