package diskqueue

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const segmentExt = ".seg"

// segment is one file of the queue. Its name is the location of its first byte.
type segment struct {
	start Location
	size  int64
	path  string

	file   *os.File
	writer *bufio.Writer
}

func segmentPath(dir string, start Location) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", int64(start), segmentExt))
}

func openSegment(path string, start Location) (*segment, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat segment %s: %w", path, err)
	}

	return &segment{
		start:  start,
		size:   stat.Size(),
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (s *segment) end() Location {
	return s.start + Location(s.size)
}

func (s *segment) contains(loc Location) bool {
	return loc >= s.start && loc < s.end()
}

func (s *segment) sync() error {
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush segment %s: %w", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %s: %w", s.path, err)
	}
	return nil
}

func (s *segment) close() error {
	if s.file == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *segment) remove() error {
	if err := s.close(); err != nil {
		return err
	}
	return os.Remove(s.path)
}

// listSegments returns the segment start locations found in dir, ascending.
func listSegments(dir string) ([]Location, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var starts []Location
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(name, segmentExt), 10, 64)
		if err != nil {
			continue
		}
		starts = append(starts, Location(n))
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts, nil
}
