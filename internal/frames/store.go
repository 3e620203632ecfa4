package frames

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// frameNameRe matches camera3_20250114_153045_123456.jpg with an
// optional _sigNN suffix before the extension.
var frameNameRe = regexp.MustCompile(`^camera(\d+)_(\d{8})_(\d{6})_(\d+)(?:_sig(\d+))?\.jpg$`)

// Store persists event frames as flat JPEG files under a root
// directory. Base64 is computed up front so downstream consumers never
// touch the disk again for the same frame.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Save writes the frame to disk and fills in URL and Base64 on the
// frame. The base64 copy is always populated; a write failure returns
// the error with the frame still usable in memory.
func (s *Store) Save(f *Frame) error {
	f.Base64 = base64.StdEncoding.EncodeToString(f.JPEG)

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("frame store mkdir: %w", err)
	}
	name := fmt.Sprintf("camera%d_%s_%06d.jpg",
		f.CameraID,
		f.CapturedAt.Format("20060102_150405"),
		f.CapturedAt.Nanosecond()/1000)
	path := filepath.Join(s.root, name)

	if err := os.WriteFile(path, f.JPEG, 0o644); err != nil {
		return fmt.Errorf("frame store write: %w", err)
	}
	f.URL = "/event_frames/" + name
	return nil
}

// FrameInfo is the parsed metadata of one stored frame file.
type FrameInfo struct {
	Filename     string    `json:"filename"`
	CameraID     int       `json:"camera_id"`
	CapturedAt   time.Time `json:"captured_at"`
	Significance int       `json:"significance,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
}

// List returns stored frames newest first, optionally filtered by
// camera. cameraID < 0 means all cameras. Unparseable filenames are
// skipped rather than failing the whole listing.
func (s *Store) List(cameraID, limit, offset int) ([]FrameInfo, int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("frame store list: %w", err)
	}

	var infos []FrameInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := frameNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		if cameraID >= 0 && id != cameraID {
			continue
		}
		micro, _ := strconv.Atoi(m[4])
		ts, err := time.ParseInLocation("20060102150405", m[2]+m[3], time.Local)
		if err != nil {
			continue
		}
		info := FrameInfo{
			Filename:   e.Name(),
			CameraID:   id,
			CapturedAt: ts.Add(time.Duration(micro) * time.Microsecond),
		}
		if m[5] != "" {
			info.Significance, _ = strconv.Atoi(m[5])
		}
		if fi, err := e.Info(); err == nil {
			info.SizeBytes = fi.Size()
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].CapturedAt.After(infos[j].CapturedAt) })

	total := len(infos)
	if offset >= total {
		return nil, total, nil
	}
	infos = infos[offset:]
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, total, nil
}
