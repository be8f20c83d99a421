/* vusb - USB-over-network bridge
 *
 * Logging
 */

// Package vlog implements the logging facilities shared by the vusbd
// server and the vusb-client dispatcher: level-masked, atomic multi-line
// messages, optional carbon-copy fan-out and log files with rotation.
package vlog

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	LogMaxFileSize    = 256 * 1024
	LogMaxBackupFiles = 5
)

// Standard loggers
var (
	// Log is the default logger, used until something reconfigures it
	Log = NewLogger().ToConsole()

	// Console logger always writes to console
	Console = NewLogger().ToConsole()

	// ColorConsole logger uses ANSI colors
	ColorConsole = NewLogger().ToColorConsole()
)

// LogLevel enumerates possible log levels
type LogLevel int

const (
	LogError LogLevel = 1 << iota
	LogInfo
	LogDebug
	LogTraceProto // wire frame tracing (SUBMIT_URB/URB_COMPLETE/...)
	LogTraceUrb   // URB payload hex dumps

	LogAll      = LogError | LogInfo | LogDebug | LogTraceAll
	LogTraceAll = LogTraceProto | LogTraceUrb
)

// loggerMode enumerates possible Logger modes
type loggerMode int

const (
	loggerNoMode       loggerMode = iota // Mode not yet set; log is buffered
	loggerConsole                        // Log goes to console
	loggerColorConsole                   // Log goes to console and uses ANSI colors
	loggerFile                           // Log goes to disk file
)

// Logger implements logging facilities
type Logger struct {
	LogMessage                 // "Root" log message
	mode       loggerMode      // Logger mode
	lock       sync.Mutex      // Write lock
	path       string          // Path to log file
	out        io.Writer       // Output stream, may be *os.File
	outhook    func(io.Writer, // Output hook
		LogLevel, []byte)
	cc []struct { // Loggers to send carbon copy to
		mask LogLevel
		to   *Logger
	}
}

// NewLogger creates a new logger. Logger mode is not set, so logs
// written to it are buffered until mode (and direction) is set.
func NewLogger() *Logger {
	l := &Logger{
		mode: loggerNoMode,
		outhook: func(w io.Writer, _ LogLevel, line []byte) {
			w.Write(line)
		},
	}

	l.LogMessage.logger = l

	return l
}

// ToConsole redirects log to console
func (l *Logger) ToConsole() *Logger {
	l.mode = loggerConsole
	l.out = os.Stdout
	return l
}

// ToColorConsole redirects log to console with ANSI colors
func (l *Logger) ToColorConsole() *Logger {
	if logIsAtty(os.Stdout) {
		l.outhook = logColorConsoleWrite
	}

	return l.ToConsole()
}

// ToFile redirects log to the file ident+".log" under dir (vusbd and
// vusb-client pass their program name as ident).
func (l *Logger) ToFile(dir, ident string) *Logger {
	l.path = filepath.Join(dir, ident+".log")
	l.mode = loggerFile
	l.out = nil // Opened on demand
	return l
}

// Cc adds io.Writer (another Logger) to send a "carbon copy" to.
// The mask parameter filters what lines are included into the copy.
//
// Note:
//
//	LogTraceXxx implies LogDebug
//	LogDebug implies LogInfo
//	LogInfo implies LogError
func (l *Logger) Cc(mask LogLevel, to *Logger) {
	if (mask & LogTraceAll) != 0 {
		mask |= LogDebug
	}

	if (mask & LogDebug) != 0 {
		mask |= LogInfo
	}

	if (mask & LogInfo) != 0 {
		mask |= LogError
	}

	l.cc = append(l.cc, struct {
		mask LogLevel
		to   *Logger
	}{mask, to})
}

// Close the logger
func (l *Logger) Close() {
	if l.mode == loggerFile && l.out != nil {
		if file, ok := l.out.(*os.File); ok {
			file.Close()
		}
	}
}

// These methods are not reexported from the underlying root LogMessage
func (l *Logger) Commit() {}
func (l *Logger) Flush()  {}
func (l *Logger) Reject() {}

// fmtTime formats a time prefix
func (l *Logger) fmtTime() *logLineBuf {
	buf := logLineBufAlloc(0, 0)

	if l.mode == loggerFile {
		now := time.Now()

		year, month, day := now.Date()
		hour, min, sec := now.Clock()

		fmt.Fprintf(buf, "%2.2d-%2.2d-%4.4d %2.2d:%2.2d:%2.2d:",
			day, month, year,
			hour, min, sec)
	}

	return buf
}

// rotate handles log rotation
func (l *Logger) rotate() {
	file, ok := l.out.(*os.File)
	if !ok {
		return
	}

	stat, err := file.Stat()
	if err != nil || stat.Size() <= LogMaxFileSize {
		return
	}

	prevpath := ""
	for i := LogMaxBackupFiles; i >= 0; i-- {
		nextpath := l.path
		if i > 0 {
			nextpath += fmt.Sprintf(".%d.gz", i-1)
		}

		switch i {
		case LogMaxBackupFiles:
			os.Remove(nextpath)
		case 0:
			err := l.gzip(nextpath, prevpath)
			if err == nil {
				file.Truncate(0)
			}
		default:
			os.Rename(nextpath, prevpath)
		}

		prevpath = nextpath
	}
}

// gzip compresses the log file
func (l *Logger) gzip(ipath, opath string) error {
	ifile, err := os.Open(ipath)
	if err != nil {
		return err
	}
	defer ifile.Close()

	ofile, err := os.OpenFile(opath, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0644)
	if err != nil {
		return err
	}

	w := gzip.NewWriter(ofile)
	_, err = io.Copy(w, ifile)
	err2 := w.Close()
	err3 := ofile.Close()

	switch {
	case err == nil && err2 != nil:
		err = err2
	case err == nil && err3 != nil:
		err = err3
	}

	if err != nil {
		os.Remove(opath)
	}

	return err
}

// LogMessage represents a single (possibly multi-line) log message,
// which appears in the output log atomically and is never interrupted
// in the middle by other log activity.
type LogMessage struct {
	logger *Logger       // Underlying logger
	parent *LogMessage   // Parent message
	lines  []*logLineBuf // One buffer per line
}

// logMessagePool manages a pool of reusable LogMessages
var logMessagePool = sync.Pool{New: func() interface{} { return &LogMessage{} }}

// Begin returns a child (nested) LogMessage. Writes to the child are
// appended to the parent message.
func (msg *LogMessage) Begin() *LogMessage {
	msg2 := logMessagePool.Get().(*LogMessage)
	msg2.logger = msg.logger
	msg2.parent = msg
	return msg2
}

// Add formats the next line of the log message, with level and prefix char
func (msg *LogMessage) Add(level LogLevel, prefix byte,
	format string, args ...interface{}) *LogMessage {

	buf := logLineBufAlloc(level, prefix)
	fmt.Fprintf(buf, format, args...)
	msg.lines = append(msg.lines, buf)

	if msg.parent == nil {
		msg.Flush()
	}

	return msg
}

// Nl adds an empty line to the log message
func (msg *LogMessage) Nl(level LogLevel) *LogMessage {
	return msg.Add(level, ' ', "")
}

// addBytes adds the next line of the log message, from a byte slice
func (msg *LogMessage) addBytes(level LogLevel, prefix byte, line []byte) *LogMessage {
	buf := logLineBufAlloc(level, prefix)
	buf.Write(line)
	msg.lines = append(msg.lines, buf)

	if msg.parent == nil {
		msg.Flush()
	}

	return msg
}

// Debug appends a LogDebug line to the message
func (msg *LogMessage) Debug(prefix byte, format string, args ...interface{}) *LogMessage {
	return msg.Add(LogDebug, prefix, format, args...)
}

// Info appends a LogInfo line to the message
func (msg *LogMessage) Info(prefix byte, format string, args ...interface{}) *LogMessage {
	return msg.Add(LogInfo, prefix, format, args...)
}

// Error appends a LogError line to the message
func (msg *LogMessage) Error(prefix byte, format string, args ...interface{}) *LogMessage {
	return msg.Add(LogError, prefix, format, args...)
}

// Exit appends a LogError line, flushes the message and all its
// parents and terminates the program via os.Exit(1)
func (msg *LogMessage) Exit(prefix byte, format string, args ...interface{}) {
	if msg.logger.mode == loggerNoMode {
		msg.logger.ToConsole()
	}

	msg.Error(prefix, format, args...)
	for msg.parent != nil {
		msg.Flush()
		msg = msg.parent
	}
	os.Exit(1)
}

// Check calls msg.Exit(), if err is not nil
func (msg *LogMessage) Check(err error) {
	if err != nil {
		msg.Exit(0, "%s", err)
	}
}

// HexDump appends a hex dump of data to the log message
func (msg *LogMessage) HexDump(level LogLevel, data []byte) *LogMessage {
	hex := logLineBufAlloc(0, 0)
	chr := logLineBufAlloc(0, 0)

	defer hex.free()
	defer chr.free()

	off := 0

	for len(data) > 0 {
		hex.Reset()
		chr.Reset()

		sz := len(data)
		if sz > 16 {
			sz = 16
		}

		i := 0
		for ; i < sz; i++ {
			c := data[i]
			fmt.Fprintf(hex, "%2.2x", data[i])
			if i%4 == 3 {
				hex.Write([]byte(":"))
			} else {
				hex.Write([]byte(" "))
			}

			if 0x20 <= c && c < 0x80 {
				chr.WriteByte(c)
			} else {
				chr.WriteByte('.')
			}
		}

		for ; i < 16; i++ {
			hex.WriteString("   ")
		}

		msg.Add(level, ' ', "%4.4x: %s %s", off, hex, chr)

		off += sz
		data = data[sz:]
	}

	return msg
}

// Frame logs a decoded wire frame header, for protocol tracing
func (msg *LogMessage) Frame(prefix byte, seq int, dir string, cmd string, payloadLen int) *LogMessage {
	return msg.Add(LogTraceProto, prefix, "FRM[%6.6d] %s %-14s len=%d", seq, dir, cmd, payloadLen)
}

// LineWriter creates a LineWriter that writes to the LogMessage,
// using the specified LogLevel and prefix
func (msg *LogMessage) LineWriter(level LogLevel, prefix byte) *LineWriter {
	return &LineWriter{
		Callback: func(line []byte) { msg.addBytes(level, prefix, line) },
	}
}

// Commit commits the message to the log
func (msg *LogMessage) Commit() {
	msg.Flush()
	msg.free()
}

// Flush flushes message content to the log.
//
// This is equal to committing the message and starting a new one,
// except the old message pointer remains valid. Logical atomicity of
// the message is not preserved across flushes.
func (msg *LogMessage) Flush() {
	if len(msg.lines) == 0 {
		return
	}

	msg.logger.lock.Lock()
	defer msg.logger.lock.Unlock()

	if msg.parent != nil {
		msg.parent.lines = append(msg.parent.lines, msg.lines...)
		msg.lines = msg.lines[:0]

		if msg.parent.parent == nil {
			msg = msg.parent
		} else {
			return
		}
	}

	if msg.logger.out == nil && msg.logger.mode == loggerFile {
		os.MkdirAll(filepath.Dir(msg.logger.path), 0755)
		msg.logger.out, _ = os.OpenFile(msg.logger.path,
			os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	}

	if msg.logger.out == nil {
		return
	}

	if msg.logger.mode == loggerFile {
		msg.logger.rotate()
	}

	var cclist []struct {
		mask LogLevel
		msg  *LogMessage
	}

	for _, cc := range msg.logger.cc {
		cclist = append(cclist, struct {
			mask LogLevel
			msg  *LogMessage
		}{cc.mask, cc.to.Begin()})
	}

	buf := msg.logger.fmtTime()
	defer buf.free()

	timeLen := buf.Len()
	for _, l := range msg.lines {
		buf.Truncate(timeLen)
		l.trim()

		if !l.empty() {
			if timeLen != 0 {
				buf.WriteByte(' ')
			}

			buf.Write(l.Bytes())
		}

		buf.WriteByte('\n')
		msg.logger.outhook(msg.logger.out, l.level, buf.Bytes())

		for _, cc := range cclist {
			if (cc.mask & l.level) != 0 {
				cc.msg.addBytes(l.level, 0, l.Bytes())
			}
		}

		l.free()
	}

	for _, cc := range cclist {
		cc.msg.Commit()
	}

	msg.lines = msg.lines[:0]
}

// Reject discards the message without logging it
func (msg *LogMessage) Reject() {
	msg.free()
}

// free returns the message to logMessagePool
func (msg *LogMessage) free() {
	for _, l := range msg.lines {
		l.free()
	}

	if len(msg.lines) < 16 {
		msg.lines = msg.lines[:0]
	} else {
		msg.lines = nil
	}

	msg.logger = nil

	logMessagePool.Put(msg)
}

// logLineBuf represents a single log line buffer
type logLineBuf struct {
	bytes.Buffer
	level LogLevel
}

var logLineBufPool = sync.Pool{New: func() interface{} {
	return &logLineBuf{Buffer: bytes.Buffer{}}
}}

func logLineBufAlloc(level LogLevel, prefix byte) *logLineBuf {
	buf := logLineBufPool.Get().(*logLineBuf)
	buf.level = level
	if prefix != 0 {
		buf.Write([]byte{prefix, ' '})
	}
	return buf
}

func (buf *logLineBuf) free() {
	if buf.Cap() <= 256 {
		buf.Reset()
		logLineBufPool.Put(buf)
	}
}

func (buf *logLineBuf) trim() {
	bytes := buf.Bytes()
	var i int

loop:
	for i = len(bytes); i > 0; i-- {
		c := bytes[i-1]
		switch c {
		case '\t', '\n', '\v', '\f', '\r', ' ', 0x85, 0xA0:
		default:
			break loop
		}
	}
	buf.Truncate(i)
}

func (buf *logLineBuf) empty() bool {
	return buf.Len() == 0
}
