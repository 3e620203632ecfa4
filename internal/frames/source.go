package frames

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrEndOfStream is returned by finite sources when no more frames
// will ever be produced. Workers treat it as a clean stop, not a fault.
var ErrEndOfStream = errors.New("frames: end of stream")

// Frame is one captured JPEG plus the metadata the pipeline attaches
// as it moves through storage and analysis.
type Frame struct {
	CameraID   int
	SequenceNo uint64
	CapturedAt time.Time
	JPEG       []byte
	URL        string
	Base64     string
}

// Source produces JPEG frames for a single camera. Implementations may
// block on I/O; pacing is the caller's job.
type Source interface {
	Open() error
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Open builds a Source from a camera source spec. http(s) URLs become
// snapshot fetchers, anything else is treated as a directory of JPEGs.
func Open(spec string) (Source, error) {
	if strings.HasPrefix(spec, "http://") || strings.HasPrefix(spec, "https://") {
		return NewSnapshotSource(spec), nil
	}
	return NewDirSource(spec, false), nil
}

// SnapshotSource fetches a still image URL once per frame, which is how
// most IP cameras expose a low-rate feed without an RTSP decoder.
type SnapshotSource struct {
	url    string
	client *http.Client
}

func NewSnapshotSource(url string) *SnapshotSource {
	return &SnapshotSource{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SnapshotSource) Open() error { return nil }

func (s *SnapshotSource) Next(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot fetch: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("snapshot read: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("snapshot fetch: empty body")
	}
	return data, nil
}

func (s *SnapshotSource) Close() error { return nil }

// DirSource replays JPEG files from a directory in name order. With
// loop enabled it wraps around, otherwise it ends the stream.
type DirSource struct {
	dir   string
	loop  bool
	files []string
	pos   int
}

func NewDirSource(dir string, loop bool) *DirSource {
	return &DirSource{dir: dir, loop: loop}
}

func (s *DirSource) Open() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("open frame dir %s: %w", s.dir, err)
	}
	s.files = s.files[:0]
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		if strings.HasSuffix(name, ".jpg") || strings.HasSuffix(name, ".jpeg") {
			s.files = append(s.files, filepath.Join(s.dir, e.Name()))
		}
	}
	if len(s.files) == 0 {
		return fmt.Errorf("open frame dir %s: no jpeg files", s.dir)
	}
	sort.Strings(s.files)
	s.pos = 0
	return nil
}

func (s *DirSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.files) {
		if !s.loop {
			return nil, ErrEndOfStream
		}
		s.pos = 0
	}
	data, err := os.ReadFile(s.files[s.pos])
	s.pos++
	if err != nil {
		return nil, fmt.Errorf("read frame file: %w", err)
	}
	return data, nil
}

func (s *DirSource) Close() error { return nil }
