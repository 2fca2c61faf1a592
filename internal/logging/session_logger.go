package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xmonitor/pkg/models"
)

// DefaultSessionDir holds session transcripts when no explicit path is given
const DefaultSessionDir = "session_logs"

// SessionLogger writes a transcript of one monitoring session: one
// timestamped line per feed event. A nil *SessionLogger is a no-op.
type SessionLogger struct {
	path      string
	logFile   *os.File
	mutex     sync.Mutex
	startTime time.Time
	events    int
}

// StartSessionLogging opens a transcript file. An empty path creates
// session_logs/session_<timestamp>.log.
func StartSessionLogging(path string) (*SessionLogger, error) {
	if strings.TrimSpace(path) == "" {
		path = filepath.Join(DefaultSessionDir, fmt.Sprintf("session_%s.log", time.Now().Format("20060102_150405")))
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	logger := &SessionLogger{
		path:      path,
		logFile:   logFile,
		startTime: time.Now(),
	}
	logger.writeHeader()
	return logger, nil
}

// Path returns the transcript location
func (r *SessionLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Log writes a free-form line to the transcript
func (r *SessionLogger) Log(format string, args ...interface{}) {
	if r == nil {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.writeLine(fmt.Sprintf(format, args...))
}

// Write records a feed event. It satisfies the event bus sink interface.
func (r *SessionLogger) Write(ev models.FeedEvent) {
	if r == nil {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events++
	line := fmt.Sprintf("#%d %s", ev.Header().Seq, models.Summarize(ev))
	if item, ok := ev.(*models.ItemEvent); ok && strings.Contains(item.Item.Text, "\n") {
		line += "\n    " + strings.ReplaceAll(strings.TrimSpace(item.Item.Text), "\n", "\n    ")
	}
	r.writeLine(line)
}

// LogError writes an error with context
func (r *SessionLogger) LogError(context string, err error) {
	if r == nil {
		return
	}
	r.Log("ERROR %s: %v", context, err)
}

// Close writes the footer and closes the transcript
func (r *SessionLogger) Close() {
	if r == nil {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.logFile != nil {
		r.writeLine(fmt.Sprintf("Session ended. Events recorded: %d. Total duration: %v",
			r.events, time.Since(r.startTime).Round(time.Second)))
		r.logFile.Close()
		r.logFile = nil
	}
}

// writeLine expects r.mutex to be held
func (r *SessionLogger) writeLine(message string) {
	if r.logFile == nil {
		return
	}
	timestamp := time.Now().Format("15:04:05.000")
	elapsed := time.Since(r.startTime)
	fmt.Fprintf(r.logFile, "[%s] [+%v] %s\n", timestamp, elapsed.Round(time.Millisecond), message)
	r.logFile.Sync()
}

func (r *SessionLogger) writeHeader() {
	header := fmt.Sprintf(`X-MONITOR SESSION LOG
Start Time: %s
Log Format: [HH:MM:SS.mmm] [+duration] #seq [kind] message

`, r.startTime.Format("2006-01-02 15:04:05"))

	r.logFile.WriteString(header)
	r.logFile.Sync()
}
