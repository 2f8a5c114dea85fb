package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/agaabrieel/snark/pkg/bencode"
)

var ErrInvalid = errors.New("invalid torrent metainfo")

type File struct {
	Path   []string
	Length int64
}

// Metainfo describes one torrent. Values are never modified once built;
// Reannounce returns a copy.
type Metainfo struct {
	announce     string
	comment      string
	createdBy    string
	creationDate int64

	name        string
	pieceLength int64
	pieces      [][sha1.Size]byte
	length      int64
	files       []File

	infoBytes []byte
	infoHash  [sha1.Size]byte
}

// Load parses an encoded torrent descriptor.
func Load(r io.Reader) (*Metainfo, error) {

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read metainfo: %w", err)
	}

	root, err := bencode.DecodeDict(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	m := &Metainfo{}

	for key, value := range root {
		switch key {
		case "announce":
			announce, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("%w: announce is not a string", ErrInvalid)
			}
			m.announce = announce
		case "comment":
			m.comment, _ = value.(string)
		case "created by":
			m.createdBy, _ = value.(string)
		case "creation date":
			m.creationDate, _ = value.(int64)
		}
	}

	if m.announce == "" {
		return nil, fmt.Errorf("%w: missing announce", ErrInvalid)
	}

	info, ok := root["info"].(bencode.Dict)
	if !ok {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrInvalid)
	}

	if err := m.deserializeInfoDict(info); err != nil {
		return nil, err
	}

	rawInfo, err := bencode.RawValue(data, "info")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	m.setInfo(rawInfo)

	return m, nil
}

func (m *Metainfo) deserializeInfoDict(info bencode.Dict) error {

	name, ok := info["name"].(string)
	if !ok || name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalid)
	}
	m.name = name

	pieceLength, ok := info["piece length"].(int64)
	if !ok || pieceLength <= 0 {
		return fmt.Errorf("%w: missing or invalid piece length", ErrInvalid)
	}
	m.pieceLength = pieceLength

	pieces, ok := info["pieces"].(string)
	if !ok || len(pieces)%sha1.Size != 0 {
		return fmt.Errorf("%w: pieces is not a multiple of %d bytes", ErrInvalid, sha1.Size)
	}
	m.pieces = make([][sha1.Size]byte, len(pieces)/sha1.Size)
	for i := range m.pieces {
		copy(m.pieces[i][:], pieces[i*sha1.Size:])
	}

	if length, ok := info["length"].(int64); ok {
		if length < 0 {
			return fmt.Errorf("%w: negative length", ErrInvalid)
		}
		m.length = length
	} else if files, ok := info["files"].(bencode.List); ok {
		for i, f := range files {
			file, err := deserializeFile(f)
			if err != nil {
				return fmt.Errorf("%w: file %d: %v", ErrInvalid, i, err)
			}
			m.files = append(m.files, file)
			m.length += file.Length
		}
	} else {
		return fmt.Errorf("%w: neither length nor files given", ErrInvalid)
	}

	expected := (m.length + m.pieceLength - 1) / m.pieceLength
	if int64(len(m.pieces)) != expected {
		return fmt.Errorf("%w: %d piece hashes for %d bytes", ErrInvalid, len(m.pieces), m.length)
	}

	return nil
}

func deserializeFile(v any) (File, error) {

	dict, ok := v.(bencode.Dict)
	if !ok {
		return File{}, errors.New("not a dictionary")
	}

	length, ok := dict["length"].(int64)
	if !ok || length < 0 {
		return File{}, errors.New("missing or invalid length")
	}

	list, ok := dict["path"].(bencode.List)
	if !ok || len(list) == 0 {
		return File{}, errors.New("missing path")
	}

	path := make([]string, 0, len(list))
	for _, elem := range list {
		s, ok := elem.(string)
		if !ok || s == "" || s == "." || s == ".." || strings.ContainsAny(s, "/\\") {
			return File{}, fmt.Errorf("invalid path element %q", elem)
		}
		path = append(path, s)
	}

	return File{Path: path, Length: length}, nil
}

// Build creates a new descriptor. A nil files slice means a single file of
// the given length; otherwise length is ignored and derived from files.
func Build(announce, name string, pieceLength int64, pieces [][sha1.Size]byte, length int64, files []File) (*Metainfo, error) {

	info := bencode.Dict{
		"name":         name,
		"piece length": pieceLength,
	}

	var hashes bytes.Buffer
	for _, p := range pieces {
		hashes.Write(p[:])
	}
	info["pieces"] = hashes.String()

	if files == nil {
		info["length"] = length
	} else {
		list := make(bencode.List, 0, len(files))
		for _, f := range files {
			path := make(bencode.List, 0, len(f.Path))
			for _, elem := range f.Path {
				path = append(path, elem)
			}
			list = append(list, bencode.Dict{"length": f.Length, "path": path})
		}
		info["files"] = list
	}

	rawInfo, err := bencode.Encode(info)
	if err != nil {
		return nil, err
	}

	m := &Metainfo{announce: announce}
	if err := m.deserializeInfoDict(info); err != nil {
		return nil, err
	}
	m.setInfo(rawInfo)

	return m, nil
}

func (m *Metainfo) setInfo(raw []byte) {
	m.infoBytes = slices.Clone(raw)
	m.infoHash = sha1.Sum(m.infoBytes)
}

// Reannounce returns a copy that points at a different tracker. The info
// dictionary, and therefore the info hash, is shared.
func (m *Metainfo) Reannounce(announce string) *Metainfo {
	c := *m
	c.announce = announce
	return &c
}

// TorrentData encodes the descriptor. The info dictionary is written back
// byte for byte so the info hash survives the round trip.
func (m *Metainfo) TorrentData() []byte {

	var buf bytes.Buffer
	buf.WriteByte('d')

	// keys in sorted order, "info" is always last
	writeEntry(&buf, "announce", m.announce)
	if m.comment != "" {
		writeEntry(&buf, "comment", m.comment)
	}
	if m.createdBy != "" {
		writeEntry(&buf, "created by", m.createdBy)
	}
	if m.creationDate != 0 {
		writeEntry(&buf, "creation date", m.creationDate)
	}

	bencode.EncodeTo(&buf, "info")
	buf.Write(m.infoBytes)
	buf.WriteByte('e')

	return buf.Bytes()
}

func writeEntry(buf *bytes.Buffer, key string, value any) {
	bencode.EncodeTo(buf, key)
	bencode.EncodeTo(buf, value)
}

func (m *Metainfo) Announce() string {
	return m.announce
}

func (m *Metainfo) Name() string {
	return m.name
}

func (m *Metainfo) InfoHash() [sha1.Size]byte {
	return m.infoHash
}

func (m *Metainfo) Files() []File {
	return slices.Clone(m.files)
}

func (m *Metainfo) Pieces() int {
	return len(m.pieces)
}

func (m *Metainfo) PieceHash(index int) [sha1.Size]byte {
	return m.pieces[index]
}

// PieceLength returns the length of the given piece; only the last one may be
// shorter than the nominal piece length.
func (m *Metainfo) PieceLength(index int) int64 {
	if index == len(m.pieces)-1 {
		if rest := m.length - int64(index)*m.pieceLength; rest > 0 {
			return rest
		}
	}
	return m.pieceLength
}

func (m *Metainfo) TotalLength() int64 {
	return m.length
}

func (m *Metainfo) CreatedBy() string {
	return m.createdBy
}

func (m *Metainfo) String() string {
	return fmt.Sprintf("MetaInfo[info_hash='%x', announce='%s', name='%s', files=%d, pieces=%d, piece_length=%d, total_length=%d]",
		m.infoHash, m.announce, m.name, max(len(m.files), 1), len(m.pieces), m.pieceLength, m.length)
}
