package stats

import (
	"io"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// CompletionRecord is one connection's terminal outcome, as appended to the
// optional run log. This is the only on-disk state the system writes
// (spec's non-goals exclude anything beyond optional log files).
type CompletionRecord struct {
	ConnectionIndex int64     `msgpack:"connection_index"`
	LocalAddr       string    `msgpack:"local_addr"`
	RemoteAddr      string    `msgpack:"remote_addr"`
	BytesTransferred int64    `msgpack:"bytes_transferred"`
	ErrorCode       int       `msgpack:"error_code"`
	TeardownCode    int       `msgpack:"teardown_code"`
	FinishedAt      time.Time `msgpack:"finished_at"`
}

// RunLog appends CompletionRecords to an io.Writer as a stream of msgpack
// values, one per Append call. It is safe for concurrent use by many
// SocketStates' closing_fn collaborators.
type RunLog struct {
	mu  sync.Mutex
	enc *msgpack.Encoder
}

// NewRunLog wraps w; callers are responsible for opening/closing the
// underlying file.
func NewRunLog(w io.Writer) *RunLog {
	return &RunLog{enc: msgpack.NewEncoder(w)}
}

// Append writes one record. A write error here is diagnostic-only: losing a
// log entry never aborts the run.
func (l *RunLog) Append(rec CompletionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(&rec)
}
