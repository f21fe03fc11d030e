package agentsvc

import (
	"bufio"
	"io"
	"sync"

	"go.uber.org/zap"
)

// streamName tags which half of a machine's standard streams a log record
// came from.
type streamName string

const (
	streamOut streamName = "OUT"
	streamErr streamName = "ERR"
)

// MachineLogger reads a spawned machine's stdout and stderr pipes and emits
// one structured log record per line, tagged with the machine's URL and
// stream identity. EOF on either pipe ends reading of that half only; Close
// closes both pipe handles it holds.
type MachineLogger struct {
	machineURL string
	logger     *zap.Logger

	mu     sync.Mutex
	out    io.Closer
	err    io.Closer
	closed bool
}

// NewMachineLogger returns a logger bound to machineURL. Start must be
// called once stdout/stderr pipes exist.
func NewMachineLogger(machineURL string, logger *zap.Logger) *MachineLogger {
	return &MachineLogger{machineURL: machineURL, logger: logger.Named("machine_logger")}
}

// Start launches one goroutine per pipe, each scanning lines and logging
// them until EOF or an I/O error. out and err may implement io.Closer (a
// *os.File / ReadCloser from an os/exec or Docker-attached stream) — if so,
// Close keeps the handle so a still-open half can be torn down explicitly.
func (l *MachineLogger) Start(out, err io.Reader) {
	if c, ok := out.(io.Closer); ok {
		l.mu.Lock()
		l.out = c
		l.mu.Unlock()
	}
	if c, ok := err.(io.Closer); ok {
		l.mu.Lock()
		l.err = c
		l.mu.Unlock()
	}
	go l.pump(streamOut, out)
	go l.pump(streamErr, err)
}

func (l *MachineLogger) pump(stream streamName, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		l.logger.Info("machine output",
			zap.String("machine_url", l.machineURL),
			zap.String("stream", string(stream)),
			zap.String("line", scanner.Text()),
		)
	}
	if err := scanner.Err(); err != nil {
		l.logger.Warn("failed to read from machine stream",
			zap.String("machine_url", l.machineURL),
			zap.String("stream", string(stream)),
			zap.Error(err),
		)
	}
}

// Close closes whichever pipe halves are still open. Safe to call more
// than once and safe to call even if Start was never invoked.
func (l *MachineLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if l.out != nil {
		l.out.Close()
	}
	if l.err != nil {
		l.err.Close()
	}
}
