package hls

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// ManifestName is the playlist file the transcoder writes in each stream directory.
	ManifestName = "stream.m3u8"
	// SegmentPattern is the ffmpeg segment filename template.
	SegmentPattern = "segment_%d.ts"
	// ThumbnailName is the still image extracted when a broadcast ends.
	ThumbnailName = "thumbnail.jpg"

	ManifestContentType  = "application/vnd.apple.mpegurl"
	SegmentContentType   = "video/mp2t"
	ThumbnailContentType = "image/jpeg"
)

var (
	ErrInvalidKey      = errors.New("invalid stream key")
	ErrInvalidName     = errors.New("invalid file name")
	ErrNotFound        = errors.New("file not found")
	ErrInvalidPlaylist = errors.New("invalid playlist")
)

// FileState distinguishes an absent file from one that exists with no bytes yet.
type FileState int

const (
	Missing FileState = iota
	Empty
	Ready
)

func (s FileState) String() string {
	switch s {
	case Empty:
		return "empty"
	case Ready:
		return "ready"
	default:
		return "missing"
	}
}

// FileInfo describes one file in a stream directory.
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
	Empty   bool      `json:"empty"`
}

// Facts is a point-in-time view of a stream directory.
type Facts struct {
	DirExists        bool
	Manifest         FileState
	Segments         int
	NonEmptySegments int
	Ended            bool
	Playlist         *Playlist
	Files            []FileInfo
}

// Store is a filesystem-backed segment store rooted at a single directory.
// Each stream key owns <root>/<key>/. The store never writes media itself;
// the transcoder process is the only writer of a stream directory.
type Store struct {
	root string
}

// NewStore returns a Store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: filepath.Clean(root)}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// ValidateKey rejects keys that could escape the root or are empty.
func ValidateKey(key string) error {
	if !validName(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func validName(name string) bool {
	if name == "" || name == "." || len(name) > 128 || strings.Contains(name, "..") {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

// Dir returns the directory path for key without touching the filesystem.
func (s *Store) Dir(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, key), nil
}

// Ensure creates the directory for key if it does not exist and returns its path.
func (s *Store) Ensure(key string) (string, error) {
	dir, err := s.Dir(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create stream directory: %w", err)
	}
	return dir, nil
}

// Init creates the root directory if it does not exist.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create root: %w", err)
	}
	return nil
}

// Healthy reports whether the root directory exists and is a directory.
func (s *Store) Healthy() error {
	fi, err := os.Stat(s.root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", s.root)
	}
	return nil
}

// Manifest returns the playlist bytes for key. A missing or empty manifest
// yields ErrNotFound.
func (s *Store) Manifest(key string) ([]byte, error) {
	dir, err := s.Dir(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return data, nil
}

// OpenSegment opens a media segment for reading. The caller closes the file.
// Missing and zero-byte segments yield ErrNotFound.
func (s *Store) OpenSegment(key, name string) (*os.File, fs.FileInfo, error) {
	dir, err := s.Dir(key)
	if err != nil {
		return nil, nil, err
	}
	if !validName(name) || !strings.HasSuffix(name, ".ts") {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if fi.IsDir() || fi.Size() == 0 {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, fi, nil
}

// ReadFile returns the bytes of a named file in the stream directory.
func (s *Store) ReadFile(key, name string) ([]byte, error) {
	dir, err := s.Dir(key)
	if err != nil {
		return nil, err
	}
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Files lists the regular files in the stream directory sorted by name.
// A missing directory yields ErrNotFound.
func (s *Store) Files(key string) ([]FileInfo, error) {
	dir, err := s.Dir(key)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		files = append(files, FileInfo{
			Name:    e.Name(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
			Empty:   fi.Size() == 0,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Inspect gathers directory facts for key. Read errors on individual files
// degrade the facts rather than failing the call.
func (s *Store) Inspect(key string) (Facts, error) {
	var facts Facts
	files, err := s.Files(key)
	if errors.Is(err, ErrNotFound) {
		return facts, nil
	}
	if err != nil {
		return facts, err
	}
	facts.DirExists = true
	facts.Files = files

	for _, f := range files {
		switch {
		case f.Name == ManifestName:
			if f.Empty {
				facts.Manifest = Empty
			} else {
				facts.Manifest = Ready
			}
		case strings.HasSuffix(f.Name, ".ts"):
			facts.Segments++
			if !f.Empty {
				facts.NonEmptySegments++
			}
		}
	}

	if facts.Manifest == Ready {
		if data, err := s.Manifest(key); err == nil {
			if p, err := ParsePlaylist(string(data)); err == nil {
				facts.Playlist = p
				facts.Ended = p.Ended
			}
		}
	}
	return facts, nil
}

// Purge removes the stream directory and everything in it.
func (s *Store) Purge(key string) error {
	dir, err := s.Dir(key)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("purge stream directory: %w", err)
	}
	return nil
}

// BroadcastID names one broadcast of a stream key by its start time.
func BroadcastID(startedAt time.Time) string {
	return startedAt.UTC().Format("20060102T150405.000Z")
}

// Archive moves the regular files of the stream directory into a
// subdirectory named by BroadcastID(startedAt) and returns that name. A zero
// startedAt falls back to the newest file's modification time. An empty or
// missing directory is left alone and yields "".
func (s *Store) Archive(key string, startedAt time.Time) (string, error) {
	files, err := s.Files(key)
	if errors.Is(err, ErrNotFound) || len(files) == 0 {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if startedAt.IsZero() {
		for _, f := range files {
			if f.ModTime.After(startedAt) {
				startedAt = f.ModTime
			}
		}
	}

	dir, _ := s.Dir(key)
	name := BroadcastID(startedAt)
	for i := 2; ; i++ {
		err := os.Mkdir(filepath.Join(dir, name), 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("archive stream directory: %w", err)
		}
		name = fmt.Sprintf("%s-%d", BroadcastID(startedAt), i)
	}
	for _, f := range files {
		if err := os.Rename(filepath.Join(dir, f.Name), filepath.Join(dir, name, f.Name)); err != nil {
			return "", fmt.Errorf("archive stream directory: %w", err)
		}
	}
	return name, nil
}

// Seal appends #EXT-X-ENDLIST to a manifest that lacks it. Only call once the
// transcoder for key has exited. Missing or already sealed manifests are left alone.
func (s *Store) Seal(key string) error {
	data, err := s.Manifest(key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	content := string(data)
	p, err := ParsePlaylist(content)
	switch {
	case err == nil && p.Ended:
		return nil
	case err == nil:
		p.Ended = true
		content = p.String()
	case strings.Contains(content, "#EXT-X-ENDLIST"):
		return nil
	default:
		// unparseable tail from an interrupted write; keep the bytes and close the list
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		content += "#EXT-X-ENDLIST\n"
	}

	dir, _ := s.Dir(key)
	tmp, err := os.CreateTemp(dir, ".stream-*.m3u8")
	if err != nil {
		return fmt.Errorf("seal manifest: %w", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("seal manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("seal manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, ManifestName)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("seal manifest: %w", err)
	}
	return nil
}
