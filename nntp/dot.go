package nntp

import (
	"io"
)

var dotcrlf = []byte(".\r\n")

// DataWrite reads an article from r and writes it to NNTP connection w with
// dot stuffing and a terminating ".\r\n", as required by the POST command.
//
// Lines in the input may end in bare LF or in CRLF, both are written as CRLF.
// A final line without line ending gets one.
func DataWrite(w io.Writer, r io.Reader) error {
	var prevlast, last byte = '\r', '\n' // Start on a new line, so we stuff if the first byte is a dot.
	buf := make([]byte, 8*1024)
	for {
		nr, err := r.Read(buf)
		if nr > 0 {
			// Process buf a line at a time, stuffing an extra dot at the start of a
			// line when needed and turning a bare LF ending into CRLF.
			p := buf[:nr]
			for len(p) > 0 {
				if p[0] == '.' && prevlast == '\r' && last == '\n' {
					if _, err := w.Write([]byte{'.'}); err != nil {
						return err
					}
				}
				// Look for the next newline, or end of buffer.
				n := 0
				for n < len(p) {
					if p[n] == '\n' {
						n++
						break
					}
					n++
				}
				if p[n-1] == '\n' && (n == 1 && last != '\r' || n > 1 && p[n-2] != '\r') {
					// Bare LF, write the line with CRLF instead.
					if _, err := w.Write(p[:n-1]); err != nil {
						return err
					}
					if _, err := w.Write([]byte("\r\n")); err != nil {
						return err
					}
					prevlast, last = '\r', '\n'
					p = p[n:]
					continue
				}
				if _, err := w.Write(p[:n]); err != nil {
					return err
				}
				if n == 1 {
					prevlast, last = last, p[0]
				} else {
					prevlast, last = p[n-2], p[n-1]
				}
				p = p[n:]
			}
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}
	if !(prevlast == '\r' && last == '\n') {
		// Input did not end in a line ending, add one.
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
	}
	if _, err := w.Write(dotcrlf); err != nil {
		return err
	}
	return nil
}
