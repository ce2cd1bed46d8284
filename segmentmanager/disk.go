// Package segmentmanager provides a rotating, append-only set of segment
// files. Active rotates to a new segment on its own once a write would push
// the current file over its size threshold; RotateSegment forces a rotation.
// The WAL and the pager each own an independent SegmentManager over their
// own directory.
package segmentmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
)

const (
	defaultMaxDiskSegmentSize = 16 * 1024 * 1024
	diskLogFileExt            = ".log"
)

// SegmentManager exposes the active segment file to write into and the
// ability to force rotation and flush to disk.
type SegmentManager interface {
	Active(n int) (io.Writer, error)
	Sync() error
	RotateSegment() error
	Close() error
}

type segmentEntry struct {
	id   int
	name string
}

// SegmentEntries is sortable by segment id so the newest rotated segment
// can be found and reopened as the active file on startup.
type SegmentEntries []segmentEntry

func (a SegmentEntries) Len() int           { return len(a) }
func (a SegmentEntries) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a SegmentEntries) Less(i, j int) bool { return a[i].id < a[j].id }

type diskSegmentManager struct {
	mu             sync.Mutex
	active         *os.File
	activeID       int
	dir            string
	logFileExt     string
	maxSegmentSize int64
	namePattern    *regexp.Regexp
}

func isDirectoryValid(path string) error {
	fileInfo, err := os.Stat(path)

	if err == nil {
		if fileInfo.IsDir() {
			return nil
		}
		return fmt.Errorf("path exists but is not a directory: %s", path)
	}

	return err
}

func initializeEmptySegmentDir(baseSM *diskSegmentManager) (*diskSegmentManager, error) {
	if err := baseSM.RotateSegment(); err != nil {
		return nil, fmt.Errorf("failed to create first segment: %w", err)
	}

	return baseSM, nil
}

// DiskSegmentManagerOption configures a diskSegmentManager before it scans
// its directory for existing segments.
type DiskSegmentManagerOption func(sm *diskSegmentManager)

func WithMaxSegmentSize(maxSegmentSize int64) DiskSegmentManagerOption {
	return func(sm *diskSegmentManager) {
		sm.maxSegmentSize = maxSegmentSize
	}
}

func WithLogFileExt(ext string) DiskSegmentManagerOption {
	return func(sm *diskSegmentManager) {
		sm.logFileExt = ext
	}
}

func NewDiskSegmentManager(dir string, options ...DiskSegmentManagerOption) (*diskSegmentManager, error) {
	sm := &diskSegmentManager{
		activeID:       0,
		dir:            dir,
		logFileExt:     diskLogFileExt,
		active:         nil,
		maxSegmentSize: defaultMaxDiskSegmentSize,
	}

	for _, option := range options {
		option(sm)
	}

	sm.namePattern = regexp.MustCompile(`^segment-(\d+)` + regexp.QuoteMeta(sm.logFileExt) + `$`)

	if err := isDirectoryValid(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}

			return initializeEmptySegmentDir(sm)
		}

		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	segmentEntries := SegmentEntries{}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		matches := sm.namePattern.FindStringSubmatch(entry.Name())
		if len(matches) != 2 {
			continue
		}

		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}

		segmentEntries = append(segmentEntries, segmentEntry{
			id:   id,
			name: entry.Name(),
		})
	}

	if len(segmentEntries) == 0 {
		return initializeEmptySegmentDir(sm)
	}

	sort.Sort(segmentEntries)

	if ok := validateSegmentEntries(segmentEntries); !ok {
		return nil, errors.New("invalid segment entries")
	}

	sm.activeID = segmentEntries[len(segmentEntries)-1].id

	activeFile, err := os.OpenFile(sm.idToPath(sm.activeID), os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open active file: %w", err)
	}
	sm.active = activeFile

	return sm, nil
}

func validateSegmentEntries(entries SegmentEntries) bool {
	if len(entries) == 0 {
		return true
	}

	for i, e := range entries {
		if e.id != i+1 {
			return false
		}
	}

	return true
}

func (s *diskSegmentManager) idToPath(id int) string {
	filename := fmt.Sprintf("segment-%04d%s", id, s.logFileExt)
	return filepath.Join(s.dir, filename)
}

func (s *diskSegmentManager) RotateSegment() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

func (s *diskSegmentManager) rotateLocked() error {
	if s.active != nil {
		if err := s.active.Close(); err != nil {
			return fmt.Errorf("failed to close previous segment: %w", err)
		}
	}

	s.activeID++
	newSegmentFilePath := s.idToPath(s.activeID)

	file, err := os.Create(newSegmentFilePath)
	if err != nil {
		return err
	}

	s.active = file

	return nil
}

// Active returns the current segment file for a caller about to write n
// bytes into it, rotating to a fresh segment first if n would push the
// active file over maxSegmentSize.
func (s *diskSegmentManager) Active(n int) (io.Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int64(n) > s.maxSegmentSize {
		return nil, fmt.Errorf("segmentmanager: entry of %d bytes exceeds max segment size %d", n, s.maxSegmentSize)
	}

	if s.active == nil {
		return nil, errors.New("segmentmanager: active file not initialized")
	}

	stat, err := s.active.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat active file: %w", err)
	}

	if stat.Size()+int64(n) > s.maxSegmentSize {
		if err := s.rotateLocked(); err != nil {
			return nil, fmt.Errorf("failed to rotate segment: %w", err)
		}
	}

	return s.active, nil
}

func (s *diskSegmentManager) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return errors.New("segmentmanager: active file not initialized")
	}

	if err := s.active.Sync(); err != nil {
		return fmt.Errorf("failed to sync active file: %w", err)
	}

	return nil
}

func (s *diskSegmentManager) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	if err := s.active.Close(); err != nil {
		return fmt.Errorf("failed to close active file: %w", err)
	}
	return nil
}
