package cache

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/meshd-io/meshd/pkg/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrInvalidChunkIndex reports a chunk index outside [0, total).
var ErrInvalidChunkIndex = errors.New("chunk index out of range")

// ErrUnknownFile reports an operation against a file id not in the cache.
var ErrUnknownFile = errors.New("unknown file id")

// ErrIncompleteFile reports a save attempt before all chunks arrived.
var ErrIncompleteFile = errors.New("file is not complete")

type fileEntry struct {
	fileID   string
	filename string
	filesize int64
	total    int
	srcID    string
	srcIP    string
	chunks   map[int][]byte
	updated  time.Time
}

// Progress describes a partially reassembled file for the panel.
type Progress struct {
	Filename      string  `json:"filename"`
	Received      int     `json:"received_chunks"`
	Total         int     `json:"total_chunks"`
	Fraction      float64 `json:"progress"`
	MissingChunks []int   `json:"missing_chunks"`
	SrcID         string  `json:"src"`
	UpdatedSecAgo int     `json:"updated_seconds_ago"`
}

// FileCache reassembles chunked file transfers. It is bounded: when more
// than max transfers are in flight the least recently touched one is
// dropped.
type FileCache struct {
	mu          sync.Mutex
	max         int
	order       *list.List
	items       map[string]*list.Element
	downloadDir string
	now         func() time.Time
}

// NewFileCache builds a cache bounded to max in-flight transfers, saving
// finished files under downloadDir.
func NewFileCache(max int, downloadDir string) *FileCache {
	return &FileCache{
		max:         max,
		order:       list.New(),
		items:       map[string]*list.Element{},
		downloadDir: downloadDir,
		now:         time.Now,
	}
}

// DownloadDir returns where finished files are written.
func (c *FileCache) DownloadDir() string {
	return c.downloadDir
}

// TempDir returns the staging directory for in-flight writes.
func (c *FileCache) TempDir() string {
	return filepath.Join(c.downloadDir, "temp")
}

// Init registers an announced transfer. Re-announcing an id refreshes its
// metadata but keeps any chunks already received.
func (c *FileCache) Init(fileID, filename string, filesize int64, total int, srcID, srcIP string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.touch(fileID, filename, total)
	entry.filesize = filesize
	entry.srcID = srcID
	entry.srcIP = srcIP
}

// touch returns the entry for fileID, creating and LRU-bounding as needed.
// Caller holds the lock.
func (c *FileCache) touch(fileID, filename string, total int) *fileEntry {
	if el, ok := c.items[fileID]; ok {
		entry := el.Value.(*fileEntry)
		entry.updated = c.now()
		if filename != "" {
			entry.filename = filename
		}
		if total > 0 && entry.total == 0 {
			entry.total = total
		}
		c.order.MoveToBack(el)
		return entry
	}
	entry := &fileEntry{
		fileID:   fileID,
		filename: filename,
		total:    total,
		chunks:   map[int][]byte{},
		updated:  c.now(),
	}
	c.items[fileID] = c.order.PushBack(entry)
	if c.order.Len() > c.max {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		dropped := oldest.Value.(*fileEntry)
		delete(c.items, dropped.fileID)
		logrus.Warnf("File cache full, dropping partial transfer %s (%s)", dropped.fileID, dropped.filename)
	}
	metrics.PendingFiles.Set(float64(c.order.Len()))
	return entry
}

// AddChunk stores one chunk, creating the entry if the chunks arrive before
// the announcement. Duplicate indices are ignored. It returns whether the
// file is now complete.
func (c *FileCache) AddChunk(fileID string, index int, data []byte, total int, filename string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, known := c.items[fileID]; filename == "" && !known {
		filename = fmt.Sprintf("received_%s.bin", fileID)
	}
	entry := c.touch(fileID, filename, total)
	if entry.total <= 0 {
		entry.total = total
	}
	if index < 0 || index >= entry.total {
		logrus.Warnf("Dropping chunk %d for file %s: index outside 0..%d", index, fileID, entry.total-1)
		return false, errors.Wrapf(ErrInvalidChunkIndex, "chunk %d of %d", index, entry.total)
	}
	if _, dup := entry.chunks[index]; dup {
		logrus.Debugf("Ignoring duplicate chunk %d for file %s", index, fileID)
		return c.complete(entry), nil
	}
	entry.chunks[index] = data
	if len(entry.chunks)%5 == 0 || len(entry.chunks) == entry.total {
		logrus.Infof("File %s: received %d/%d chunks", fileID, len(entry.chunks), entry.total)
	}
	return c.complete(entry), nil
}

func (c *FileCache) complete(entry *fileEntry) bool {
	if entry.total <= 0 || len(entry.chunks) != entry.total {
		return false
	}
	for i := 0; i < entry.total; i++ {
		if _, ok := entry.chunks[i]; !ok {
			return false
		}
	}
	return true
}

// Complete reports whether every chunk of fileID has arrived.
func (c *FileCache) Complete(fileID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fileID]
	if !ok {
		return false
	}
	return c.complete(el.Value.(*fileEntry))
}

// Save writes the finished file: chunks in ascending index order into a
// temp file under the download directory, then an atomic rename to
// <base>_<unixtime><ext>. On a filesystem error the temp file is removed
// best-effort and the cache entry retained so a retry can still land it.
func (c *FileCache) Save(fileID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fileID]
	if !ok {
		return "", errors.Wrap(ErrUnknownFile, fileID)
	}
	entry := el.Value.(*fileEntry)
	if !c.complete(entry) {
		return "", errors.Wrapf(ErrIncompleteFile, "%s has %d/%d chunks", fileID, len(entry.chunks), entry.total)
	}

	path, err := c.writeOut(entry)
	if err != nil {
		return "", err
	}
	c.order.Remove(el)
	delete(c.items, fileID)
	metrics.PendingFiles.Set(float64(c.order.Len()))
	logrus.Infof("File %s saved to %s", fileID, path)
	return path, nil
}

func (c *FileCache) writeOut(entry *fileEntry) (_ string, err error) {
	if err := os.MkdirAll(c.downloadDir, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create download dir")
	}
	tmp, err := os.CreateTemp(c.downloadDir, ".meshd-*")
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	for i := 0; i < entry.total; i++ {
		if _, err = tmp.Write(entry.chunks[i]); err != nil {
			return "", err
		}
	}
	if err = tmp.Close(); err != nil {
		return "", err
	}
	path := filepath.Join(c.downloadDir, StampedName(entry.filename, c.now()))
	if err = os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

// FinalizeStream attaches a raw-stream temp file to a pending transfer:
// the temp file is renamed into the download directory under the
// announced filename and the entry is dropped.
func (c *FileCache) FinalizeStream(fileID, tmpPath string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fileID]
	if !ok {
		return "", errors.Wrap(ErrUnknownFile, fileID)
	}
	entry := el.Value.(*fileEntry)
	if err := os.MkdirAll(c.downloadDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(c.downloadDir, StampedName(entry.filename, c.now()))
	if err := os.Rename(tmpPath, path); err != nil {
		return "", err
	}
	c.order.Remove(el)
	delete(c.items, fileID)
	metrics.PendingFiles.Set(float64(c.order.Len()))
	return path, nil
}

// PendingFromIP returns the id of a transfer announced from srcIP that has
// no chunks yet, if any. The raw-stream path uses it to match an unframed
// byte stream to its announcement.
func (c *FileCache) PendingFromIP(srcIP string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Back(); el != nil; el = el.Prev() {
		entry := el.Value.(*fileEntry)
		if entry.srcIP == srcIP && len(entry.chunks) == 0 {
			return entry.fileID, true
		}
	}
	return "", false
}

// MissingChunks lists the absent indices for fileID in ascending order.
func (c *FileCache) MissingChunks(fileID string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fileID]
	if !ok {
		return nil
	}
	entry := el.Value.(*fileEntry)
	var missing []int
	for i := 0; i < entry.total; i++ {
		if _, ok := entry.chunks[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Pending reports every in-flight transfer keyed by file id.
func (c *FileCache) Pending() map[string]Progress {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := map[string]Progress{}
	for el := c.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*fileEntry)
		p := Progress{
			Filename:      entry.filename,
			Received:      len(entry.chunks),
			Total:         entry.total,
			SrcID:         entry.srcID,
			UpdatedSecAgo: int(c.now().Sub(entry.updated).Seconds()),
		}
		if entry.total > 0 {
			p.Fraction = float64(len(entry.chunks)) / float64(entry.total)
		}
		for i := 0; i < entry.total && len(p.MissingChunks) < 10; i++ {
			if _, ok := entry.chunks[i]; !ok {
				p.MissingChunks = append(p.MissingChunks, i)
			}
		}
		pending[entry.fileID] = p
	}
	return pending
}

// Len returns the number of in-flight transfers.
func (c *FileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}

// EvictOlderThan drops transfers not touched for age and returns how many
// were removed.
func (c *FileCache) EvictOlderThan(age time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-age)
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*fileEntry)
		if entry.updated.Before(cutoff) {
			c.order.Remove(el)
			delete(c.items, entry.fileID)
			removed++
		}
		el = next
	}
	metrics.PendingFiles.Set(float64(c.order.Len()))
	return removed
}

// StampedName builds the collision-free output name for a received file:
// the base component of filename with the receive time injected before the
// extension. Path separators in the announced name are discarded.
func StampedName(filename string, now time.Time) string {
	base := filepath.Base(filepath.Clean(filename))
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "received.dat"
	}
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	return fmt.Sprintf("%s_%d%s", stem, now.Unix(), ext)
}

// SaveRawStream moves an orphaned raw-stream temp file into the download
// directory under a timestamped default name.
func SaveRawStream(downloadDir, tmpPath string, now time.Time) (string, error) {
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(downloadDir, fmt.Sprintf("received_binary_%d.dat", now.Unix()))
	if err := os.Rename(tmpPath, path); err != nil {
		return "", err
	}
	return path, nil
}
