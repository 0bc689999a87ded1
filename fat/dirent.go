package fat

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/coliar/gungnir-go/kerrors"
)

// Directory entry attribute bits.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
)

const dirEntrySize = 32

// Byte offsets within a 32-byte directory entry.
const (
	offDirName        = 0  // 11 bytes, 8.3 space-padded
	offDirAttr        = 11
	offDirCrtTime     = 14
	offDirCrtDate     = 16
	offDirAccDate     = 18
	offDirClusterHigh = 20 // FAT32 only
	offDirWrtTime     = 22
	offDirWrtDate     = 24
	offDirClusterLow  = 26
	offDirFileSize    = 28
)

const (
	dirEntryEndMarker  = 0x00 // first byte: no entry here nor after
	dirEntryFreeMarker = 0xE5 // first byte: deleted, reusable slot
)

// DateTime is a decoded DOS date/time pair. The representable range is
// 1980–2107 with 2-second resolution; Encode truncates seconds to even.
type DateTime struct {
	Year   uint16
	Month  uint8
	Day    uint8
	Hour   uint8
	Minute uint8
	Second uint8
}

// encodeDOSDateTime packs dt into the on-disk (date, time) word pair.
func encodeDOSDateTime(dt DateTime) (date, tm uint16) {
	y := dt.Year
	if y < 1980 {
		y = 1980
	}
	date = (y-1980)<<9 | uint16(dt.Month)<<5 | uint16(dt.Day)
	tm = uint16(dt.Hour)<<11 | uint16(dt.Minute)<<5 | uint16(dt.Second)/2
	return date, tm
}

// decodeDOSDateTime unpacks an on-disk (date, time) word pair.
func decodeDOSDateTime(date, tm uint16) DateTime {
	return DateTime{
		Year:   1980 + (date >> 9),
		Month:  uint8(date >> 5 & 0x0F),
		Day:    uint8(date & 0x1F),
		Hour:   uint8(tm >> 11),
		Minute: uint8(tm >> 5 & 0x3F),
		Second: uint8(tm&0x1F) * 2,
	}
}

// encodeShortName converts "a1.txt" into the 11-byte space-padded,
// uppercased 8.3 form, through the volume's OEM code page.
func encodeShortName(cp OEMCodepage, name string) ([11]byte, error) {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	base, ext := name, ""
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		base, ext = name[:dot], name[dot+1:]
	}
	if base == "" || len(base) > 8 || len(ext) > 3 {
		return out, kerrors.New("fat.encodeShortName", "fat", kerrors.CodeInvalidInput, "name does not fit 8.3")
	}
	copy(out[:8], cp.Encode(strings.ToUpper(base)))
	copy(out[8:], cp.Encode(strings.ToUpper(ext)))
	return out, nil
}

// decodeShortName converts an 11-byte on-disk name into "BASE.EXT" form,
// dropping the padding.
func decodeShortName(cp OEMCodepage, raw []byte) string {
	base := strings.TrimRight(cp.Decode(raw[:8]), " ")
	ext := strings.TrimRight(cp.Decode(raw[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// DirEntry is one decoded 8.3 directory entry plus its byte position in
// the directory stream that holds it, so metadata updates can be written
// back in place.
type DirEntry struct {
	Name         string
	Attr         uint8
	FirstCluster uint32
	Size         uint32
	Created      DateTime
	Modified     DateTime
	Accessed     DateTime

	pos int64 // byte offset of the entry within its directory stream
}

// IsDir reports whether the entry names a subdirectory.
func (e *DirEntry) IsDir() bool { return e.Attr&AttrDirectory != 0 }

func decodeDirEntry(cp OEMCodepage, raw []byte, pos int64) DirEntry {
	le16 := binary.LittleEndian.Uint16
	first := uint32(le16(raw[offDirClusterHigh:]))<<16 | uint32(le16(raw[offDirClusterLow:]))
	return DirEntry{
		Name:         decodeShortName(cp, raw[:11]),
		Attr:         raw[offDirAttr],
		FirstCluster: first,
		Size:         binary.LittleEndian.Uint32(raw[offDirFileSize:]),
		Created:      decodeDOSDateTime(le16(raw[offDirCrtDate:]), le16(raw[offDirCrtTime:])),
		Modified:     decodeDOSDateTime(le16(raw[offDirWrtDate:]), le16(raw[offDirWrtTime:])),
		Accessed:     decodeDOSDateTime(le16(raw[offDirAccDate:]), 0),
		pos:          pos,
	}
}

func encodeDirEntry(cp OEMCodepage, e *DirEntry) ([dirEntrySize]byte, error) {
	var raw [dirEntrySize]byte
	name, err := encodeShortName(cp, e.Name)
	if err != nil {
		return raw, err
	}
	copy(raw[:11], name[:])
	raw[offDirAttr] = e.Attr
	put16 := binary.LittleEndian.PutUint16
	crtDate, crtTime := encodeDOSDateTime(e.Created)
	put16(raw[offDirCrtDate:], crtDate)
	put16(raw[offDirCrtTime:], crtTime)
	accDate, _ := encodeDOSDateTime(e.Accessed)
	put16(raw[offDirAccDate:], accDate)
	wrtDate, wrtTime := encodeDOSDateTime(e.Modified)
	put16(raw[offDirWrtDate:], wrtDate)
	put16(raw[offDirWrtTime:], wrtTime)
	put16(raw[offDirClusterHigh:], uint16(e.FirstCluster>>16))
	put16(raw[offDirClusterLow:], uint16(e.FirstCluster))
	binary.LittleEndian.PutUint32(raw[offDirFileSize:], e.Size)
	return raw, nil
}

// ReadRootDir materializes the root directory's live 8.3 entries.
// Volume-label and deleted entries are skipped.
func (fs *FileSystem) ReadRootDir() ([]DirEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.readRootDirLocked()
}

func (fs *FileSystem) readRootDirLocked() ([]DirEntry, error) {
	stream, err := fs.RootDirStream()
	if err != nil {
		return nil, err
	}
	var entries []DirEntry
	var raw [dirEntrySize]byte
	for pos := int64(0); ; pos += dirEntrySize {
		if _, err := stream.Seek(pos, io.SeekStart); err != nil {
			break
		}
		if _, err := io.ReadFull(stream, raw[:]); err != nil {
			break
		}
		if raw[0] == dirEntryEndMarker {
			break
		}
		if raw[0] == dirEntryFreeMarker || raw[offDirAttr]&AttrVolumeID != 0 {
			continue
		}
		entries = append(entries, decodeDirEntry(fs.codepage, raw[:], pos))
	}
	return entries, nil
}

// lookupLocked finds name (case-insensitive per 8.3 semantics) in the root
// directory.
func (fs *FileSystem) lookupLocked(name string) (DirEntry, error) {
	entries, err := fs.readRootDirLocked()
	if err != nil {
		return DirEntry{}, err
	}
	want := strings.ToUpper(name)
	for _, e := range entries {
		if strings.ToUpper(e.Name) == want {
			return e, nil
		}
	}
	return DirEntry{}, kerrors.New("fat.lookup", "fat", kerrors.CodeNotFound, name)
}

// createEntryLocked writes a fresh zero-size entry for name into the first
// free root-directory slot.
func (fs *FileSystem) createEntryLocked(name string, attr uint8) (DirEntry, error) {
	if _, err := fs.lookupLocked(name); err == nil {
		return DirEntry{}, kerrors.New("fat.create", "fat", kerrors.CodeAlreadyExists, name)
	}
	now := fs.now()
	entry := DirEntry{
		Name:     name,
		Attr:     attr,
		Created:  now,
		Modified: now,
		Accessed: now,
	}
	raw, err := encodeDirEntry(fs.codepage, &entry)
	if err != nil {
		return DirEntry{}, err
	}

	stream, err := fs.RootDirStream()
	if err != nil {
		return DirEntry{}, err
	}
	var slot [dirEntrySize]byte
	pos := int64(0)
	for {
		if _, err := stream.Seek(pos, io.SeekStart); err != nil {
			return DirEntry{}, err
		}
		_, err := io.ReadFull(stream, slot[:])
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// FAT32 chain stream: past end of chain, Write below extends it.
			break
		}
		if err != nil {
			return DirEntry{}, kerrors.Wrap("fat.create", "fat", err)
		}
		if slot[0] == dirEntryEndMarker || slot[0] == dirEntryFreeMarker {
			break
		}
		pos += dirEntrySize
	}
	if err := fs.markDirtyLocked(); err != nil {
		return DirEntry{}, err
	}
	if _, err := stream.Seek(pos, io.SeekStart); err != nil {
		return DirEntry{}, err
	}
	if _, err := stream.Write(raw[:]); err != nil {
		return DirEntry{}, kerrors.Wrap("fat.create", "fat", err)
	}
	entry.pos = pos
	return entry, nil
}

// removeEntryLocked frees name's cluster chain and marks its slot deleted.
func (fs *FileSystem) removeEntryLocked(name string) error {
	entry, err := fs.lookupLocked(name)
	if err != nil {
		return err
	}
	if err := fs.markDirtyLocked(); err != nil {
		return err
	}
	if entry.FirstCluster != 0 {
		if err := fs.freeChainFrom(entry.FirstCluster); err != nil {
			return err
		}
	}
	stream, err := fs.RootDirStream()
	if err != nil {
		return err
	}
	if _, err := stream.Seek(entry.pos, io.SeekStart); err != nil {
		return err
	}
	_, err = stream.Write([]byte{dirEntryFreeMarker})
	return err
}

// Remove deletes name from the root directory, freeing its clusters.
func (fs *FileSystem) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.removeEntryLocked(name)
}

// DirEntryEditor carries a directory entry whose metadata an open File
// mutates (size, first cluster, timestamps), writing the 32-byte slot
// back in place on Flush. Dropping an editor with unflushed changes is a
// programmer error; File.Close flags it.
type DirEntryEditor struct {
	fs    *FileSystem
	entry DirEntry
	dirty bool
}

func newDirEntryEditor(fs *FileSystem, entry DirEntry) *DirEntryEditor {
	return &DirEntryEditor{fs: fs, entry: entry}
}

// Entry returns the current (possibly unflushed) entry state.
func (ed *DirEntryEditor) Entry() DirEntry { return ed.entry }

// Dirty reports whether unflushed changes are pending.
func (ed *DirEntryEditor) Dirty() bool { return ed.dirty }

func (ed *DirEntryEditor) setSize(size uint32) {
	if ed.entry.Size != size {
		ed.entry.Size = size
		ed.dirty = true
	}
}

func (ed *DirEntryEditor) setFirstCluster(cluster uint32) {
	if ed.entry.FirstCluster != cluster {
		ed.entry.FirstCluster = cluster
		ed.dirty = true
	}
}

func (ed *DirEntryEditor) setModified(dt DateTime) {
	ed.entry.Modified = dt
	ed.dirty = true
}

func (ed *DirEntryEditor) setAccessed(dt DateTime) {
	if ed.entry.Accessed != dt {
		ed.entry.Accessed = dt
		ed.dirty = true
	}
}

// Flush writes the entry back into its directory slot if dirty.
func (ed *DirEntryEditor) Flush() error {
	if !ed.dirty {
		return nil
	}
	raw, err := encodeDirEntry(ed.fs.codepage, &ed.entry)
	if err != nil {
		return err
	}
	stream, err := ed.fs.RootDirStream()
	if err != nil {
		return err
	}
	if _, err := stream.Seek(ed.entry.pos, io.SeekStart); err != nil {
		return err
	}
	if _, err := stream.Write(raw[:]); err != nil {
		return kerrors.Wrap("fat.DirEntryEditor.Flush", "fat", err)
	}
	ed.dirty = false
	return nil
}
