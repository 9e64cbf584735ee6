package index

import (
	"context"
	"time"
)

// ContentIndexer is the cooperative background loop from spec §4.4: it
// drains a queue of files lacking extracted text one item at a time,
// yielding whenever a scan is active so it never runs concurrently with a
// scan on the same folder. Start/Stop make it independently controllable
// from the engine's lifecycle, the same shape as the teacher's folder
// pull loops that check folder state before claiming work.
type ContentIndexer struct {
	manager       *Manager
	maxTextSizeKB int

	stop chan struct{}
	done chan struct{}
}

func newContentIndexer(m *Manager, maxTextSizeKB int) *ContentIndexer {
	return &ContentIndexer{manager: m, maxTextSizeKB: maxTextSizeKB}
}

// Start begins draining the extraction queue until Stop is called or ctx
// is cancelled.
func (c *ContentIndexer) Start(ctx context.Context) {
	if c.stop != nil {
		return // already running
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				if c.manager.State() == Scanning {
					continue // yield to the scanner
				}
				c.drainOne()
			}
		}
	}()
}

func (c *ContentIndexer) Stop() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
	c.stop = nil
	c.done = nil
}

// drainOne extracts text for a single file lacking it, if any remain.
func (c *ContentIndexer) drainOne() {
	var fileID int64
	err := c.manager.store.Get(&fileID, `
		SELECT id FROM files
		WHERE extracted_text IS NULL AND is_remote = 0 AND is_deleted = 0
		  AND content_type = 'Document'
		LIMIT 1`)
	if err != nil {
		return // no rows, or a transient read error; try again next tick.
	}
	if err := c.manager.ExtractText(fileID, c.maxTextSizeKB); err != nil {
		l.Warnln("content indexer:", err)
	}
}
