package server

import (
	"net/http"
)

// DefaultResponseBuffer is how much of a query result is held back before
// the response is committed.
const DefaultResponseBuffer = 64 << 10

// streamWriter passes a query result through to the client. The first limit
// bytes are held back so that a failure early in the scan still gets a
// proper error status. Past the limit every write goes straight to the
// connection, so a slow client stalls the scan instead of growing a buffer.
type streamWriter struct {
	w         http.ResponseWriter
	limit     int
	buf       []byte
	commit    func(streaming bool)
	committed bool
}

func (s *streamWriter) Write(p []byte) (int, error) {
	if !s.committed {
		if len(s.buf)+len(p) <= s.limit {
			s.buf = append(s.buf, p...)
			return len(p), nil
		}
		if err := s.flush(true); err != nil {
			return 0, err
		}
	}
	return s.w.Write(p)
}

// flush commits the response and sends the held back bytes. streaming
// reports whether more bytes follow.
func (s *streamWriter) flush(streaming bool) error {
	s.committed = true
	s.commit(streaming)
	_, err := s.w.Write(s.buf)
	s.buf = nil
	return err
}
