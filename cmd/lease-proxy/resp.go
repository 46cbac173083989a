package main

import (
	"bufio"
	"errors"
	"io"
	"strconv"
)

// maxBulkLen bounds a single argument; keys and owners are short.
const maxBulkLen = 64 * 1024

var errProtocol = errors.New("ERR protocol error")

// respReader parses RESP2 commands, both multibulk and inline.
type respReader struct {
	rd *bufio.Reader
}

func newRESPReader(rd *bufio.Reader) *respReader {
	return &respReader{rd: rd}
}

// readLine returns the next line without its CRLF terminator.
func (r *respReader) readLine() ([]byte, error) {
	line, err := r.rd.ReadSlice('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, errProtocol
	}
	return line[:len(line)-2], nil
}

func (r *respReader) readCommand() ([]string, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		// inline command, e.g. "PING" typed into telnet
		var args []string
		for _, f := range splitInline(line) {
			args = append(args, string(f))
		}
		return args, nil
	}

	count, err := strconv.Atoi(string(line[1:]))
	if err != nil || count < 0 {
		return nil, errProtocol
	}
	args := make([]string, 0, count)
	for i := 0; i < count; i++ {
		line, err = r.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 || line[0] != '$' {
			return nil, errProtocol
		}
		n, err := strconv.Atoi(string(line[1:]))
		if err != nil || n < -1 || n > maxBulkLen {
			return nil, errProtocol
		}
		if n == -1 {
			args = append(args, "")
			continue
		}
		data := make([]byte, n+2)
		if _, err := io.ReadFull(r.rd, data); err != nil {
			return nil, err
		}
		if data[n] != '\r' || data[n+1] != '\n' {
			return nil, errProtocol
		}
		args = append(args, string(data[:n]))
	}
	return args, nil
}

func splitInline(line []byte) [][]byte {
	var out [][]byte
	start := -1
	for i, c := range line {
		if c == ' ' || c == '\t' {
			if start >= 0 {
				out = append(out, line[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, line[start:])
	}
	return out
}

// respWriter writes RESP2 replies.
type respWriter struct {
	wr      *bufio.Writer
	scratch []byte
}

func newRESPWriter(wr *bufio.Writer) *respWriter {
	return &respWriter{wr: wr, scratch: make([]byte, 0, 32)}
}

func (w *respWriter) line(prefix byte, s string) {
	w.wr.WriteByte(prefix)
	w.wr.WriteString(s)
	w.wr.WriteString("\r\n")
}

func (w *respWriter) writeError(msg string)  { w.line('-', msg) }
func (w *respWriter) writeSimple(msg string) { w.line('+', msg) }

func (w *respWriter) writeInt(n int64) {
	w.scratch = strconv.AppendInt(w.scratch[:0], n, 10)
	w.line(':', string(w.scratch))
}

func (w *respWriter) writeBool(b bool) {
	if b {
		w.writeInt(1)
		return
	}
	w.writeInt(0)
}

func (w *respWriter) writeBulk(s string) {
	w.scratch = strconv.AppendInt(w.scratch[:0], int64(len(s)), 10)
	w.line('$', string(w.scratch))
	w.wr.WriteString(s)
	w.wr.WriteString("\r\n")
}

func (w *respWriter) writeNull() {
	w.wr.WriteString("$-1\r\n")
}

func (w *respWriter) flush() error {
	return w.wr.Flush()
}
