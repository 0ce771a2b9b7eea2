package scheduler

import (
	"os"
	"strings"

	"github.com/google/uuid"

	"dbcore-engine/internal/handle"
)

const (
	walHeaderSize      = 32
	walFrameHeaderSize = 24
	defaultPageSize    = 4096
)

// CheckpointTrigger is a handle config that schedules a checkpoint after
// every successful write that leaves its handle outside a transaction.
type CheckpointTrigger struct {
	id       string
	queue    *OperationQueue
	pageSize int
}

func NewCheckpointTrigger(queue *OperationQueue, pageSize int) *CheckpointTrigger {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &CheckpointTrigger{
		id:       "checkpoint-" + uuid.NewString(),
		queue:    queue,
		pageSize: pageSize,
	}
}

func (t *CheckpointTrigger) Invoke(h *handle.Handle) error {
	h.SetNotificationWhenStepping(t.id, t)
	return nil
}

func (t *CheckpointTrigger) Uninvoke(h *handle.Handle) error {
	h.SetNotificationWhenStepping(t.id, nil)
	return nil
}

func (t *CheckpointTrigger) BeforeStep(*handle.Statement) bool { return true }

func (t *CheckpointTrigger) AfterStep(st *handle.Statement, succeeded bool) {
	h := st.Handle()
	if h == nil || !succeeded || st.InTransaction() || readOnly(st.SQL) {
		return
	}
	t.queue.AsyncCheckpoint(h.Path(), WALFrames(h.Path(), t.pageSize))
}

func readOnly(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	for _, prefix := range []string{"SELECT", "PRAGMA", "EXPLAIN", "ROLLBACK", "VACUUM"} {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}

// WALFrames estimates the number of frames in the write-ahead log of the
// database at path from the log's size.
func WALFrames(path string, pageSize int) int {
	fi, err := os.Stat(path + "-wal")
	if err != nil || fi.Size() <= walHeaderSize {
		return 0
	}
	return int((fi.Size() - walHeaderSize) / int64(pageSize+walFrameHeaderSize))
}
