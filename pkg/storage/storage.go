package storage

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"hash"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/agaabrieel/snark/pkg/bitfield"
	"github.com/agaabrieel/snark/pkg/metainfo"
)

const (
	MinPieceSize = 256 * 1024
	MaxPieceSize = 10 * 1024 * 1024
	MaxPieces    = 10 * 1024
)

var ErrNoFiles = errors.New("storage: nothing to share")

// Storage is what a session needs from the on-disk piece store.
type Storage interface {
	Create() error
	Check() error
	MetaInfo() *metainfo.Metainfo
	Complete() bool
	Needed() int
	Bitfield() []byte
	Close() error
}

// Listener receives progress notifications. Any field may be nil.
type Listener struct {
	OnCreateFile   func(name string, length int64)
	OnAllocated    func(length int64)
	OnPieceChecked func(index int, passed bool)
	OnAllChecked   func()
}

func (l Listener) createFile(name string, length int64) {
	if l.OnCreateFile != nil {
		l.OnCreateFile(name, length)
	}
}

func (l Listener) allocated(length int64) {
	if l.OnAllocated != nil {
		l.OnAllocated(length)
	}
}

func (l Listener) pieceChecked(index int, passed bool) {
	if l.OnPieceChecked != nil {
		l.OnPieceChecked(index, passed)
	}
}

func (l Listener) allChecked() {
	if l.OnAllChecked != nil {
		l.OnAllChecked()
	}
}

type fileEntry struct {
	path   string
	name   []string
	length int64
}

type FileStorage struct {
	announce    string
	base        string
	pieceLength int64
	files       []fileEntry
	listener    Listener

	mu   sync.Mutex
	meta *metainfo.Metainfo
	have *bitfield.Bitfield
}

// NewFromPath prepares storage that shares an existing file or directory.
// Create builds the metainfo for it.
func NewFromPath(path, announce string, l Listener) (*FileStorage, error) {

	path = filepath.Clean(path)

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	s := &FileStorage{
		announce: announce,
		base:     path,
		listener: l,
	}

	if info.Mode().IsRegular() {
		s.files = []fileEntry{{path: path, length: info.Size()}}
	} else if info.IsDir() {
		if s.files, err = walkDir(path); err != nil {
			return nil, err
		}
		if len(s.files) == 0 {
			return nil, fmt.Errorf("%w: %s has no regular files", ErrNoFiles, path)
		}
	} else {
		return nil, fmt.Errorf("%w: %s is not a regular file or directory", ErrNoFiles, path)
	}

	var total int64
	for _, f := range s.files {
		total += f.length
	}
	s.pieceLength = pieceSizeFor(total)

	return s, nil
}

func walkDir(root string) ([]fileEntry, error) {

	var files []fileEntry

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		files = append(files, fileEntry{
			path:   path,
			name:   strings.Split(filepath.ToSlash(rel), "/"),
			length: info.Size(),
		})
		return nil
	})

	return files, err
}

func pieceSizeFor(total int64) int64 {
	size := int64(MinPieceSize)
	for size*2 <= MaxPieceSize && total/size > MaxPieces {
		size *= 2
	}
	return size
}

// Open binds storage to an existing metainfo; files live under dir. Check
// allocates missing files and verifies what is already there.
func Open(meta *metainfo.Metainfo, dir string, l Listener) *FileStorage {

	s := &FileStorage{
		announce:    meta.Announce(),
		base:        filepath.Join(dir, meta.Name()),
		pieceLength: meta.PieceLength(0),
		listener:    l,
		meta:        meta,
		have:        bitfield.New(meta.Pieces()),
	}

	files := meta.Files()
	if len(files) == 0 {
		s.files = []fileEntry{{path: s.base, length: meta.TotalLength()}}
	}
	for _, f := range files {
		s.files = append(s.files, fileEntry{
			path:   filepath.Join(append([]string{s.base}, f.Path...)...),
			name:   f.Path,
			length: f.Length,
		})
	}

	return s
}

// Create hashes the shared files and builds the metainfo describing them.
// All pieces are ours afterwards.
func (s *FileStorage) Create() error {

	var pieces [][sha1.Size]byte
	err := s.hashPieces(func(_ int, sum [sha1.Size]byte) {
		pieces = append(pieces, sum)
	})
	if err != nil {
		return fmt.Errorf("failed to hash %s: %w", s.base, err)
	}

	var files []metainfo.File
	var length int64
	if len(s.files) == 1 && s.files[0].name == nil {
		length = s.files[0].length
	} else {
		for _, f := range s.files {
			files = append(files, metainfo.File{Path: f.name, Length: f.length})
		}
	}

	meta, err := metainfo.Build(s.announce, filepath.Base(s.base), s.pieceLength, pieces, length, files)
	if err != nil {
		return err
	}

	have := bitfield.New(len(pieces))
	for i := range pieces {
		have.SetPiece(i)
	}

	s.mu.Lock()
	s.meta = meta
	s.have = have
	s.mu.Unlock()

	return nil
}

// Check makes sure every file exists with the right size, then verifies each
// piece against the metainfo.
func (s *FileStorage) Check() error {

	s.mu.Lock()
	meta := s.meta
	s.mu.Unlock()

	if meta == nil {
		return errors.New("storage: no metainfo to check against")
	}

	for _, f := range s.files {
		if err := s.allocate(f); err != nil {
			return err
		}
	}

	checked := bitfield.New(meta.Pieces())
	err := s.hashPieces(func(index int, sum [sha1.Size]byte) {
		passed := index < meta.Pieces() && sum == meta.PieceHash(index)
		if passed {
			checked.SetPiece(index)
		}
		s.listener.pieceChecked(index, passed)
	})
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", s.base, err)
	}

	s.mu.Lock()
	s.have = checked
	s.mu.Unlock()

	s.listener.allChecked()

	return nil
}

func (s *FileStorage) allocate(f fileEntry) error {

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", f.path, err)
	}

	fd, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("file creation failed: %w", err)
	}
	defer fd.Close()

	info, err := fd.Stat()
	if err != nil {
		return err
	}
	if info.Size() == f.length {
		return nil
	}

	s.listener.createFile(f.path, f.length)

	if err := fd.Truncate(f.length); err != nil {
		return fmt.Errorf("failed to allocate enough size for %s: %w", f.path, err)
	}

	s.listener.allocated(f.length)

	return nil
}

// hashPieces streams all files as one contiguous byte range and reports the
// SHA-1 of every piece in order.
func (s *FileStorage) hashPieces(emit func(index int, sum [sha1.Size]byte)) error {

	h := sha1.New()
	var filled int64
	index := 0

	flush := func(h hash.Hash) {
		var sum [sha1.Size]byte
		copy(sum[:], h.Sum(nil))
		emit(index, sum)
		index++
		h.Reset()
		filled = 0
	}

	for _, f := range s.files {
		err := withMapped(f, func(data []byte) {
			for len(data) > 0 {
				n := min(int64(len(data)), s.pieceLength-filled)
				h.Write(data[:n])
				data = data[n:]
				filled += n
				if filled == s.pieceLength {
					flush(h)
				}
			}
		})
		if err != nil {
			return err
		}
	}

	if filled > 0 {
		flush(h)
	}

	return nil
}

func withMapped(f fileEntry, fn func(data []byte)) error {

	if f.length == 0 {
		return nil
	}

	fd, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer fd.Close()

	info, err := fd.Stat()
	if err != nil {
		return err
	}
	if info.Size() < f.length {
		return fmt.Errorf("%s is %d bytes, expected %d", f.path, info.Size(), f.length)
	}

	m, err := mmap.MapRegion(fd, int(f.length), mmap.RDONLY, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to map %s: %w", f.path, err)
	}
	defer m.Unmap()

	fn(m)

	return nil
}

func (s *FileStorage) MetaInfo() *metainfo.Metainfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

func (s *FileStorage) Complete() bool {
	return s.Needed() == 0
}

// Needed is the number of pieces not yet verified.
func (s *FileStorage) Needed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.have == nil {
		return 0
	}
	return s.have.Missing()
}

// Bitfield is the verified piece set in wire order.
func (s *FileStorage) Bitfield() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.have == nil {
		return nil
	}
	return s.have.Bytes()
}

func (s *FileStorage) Close() error {
	return nil
}
