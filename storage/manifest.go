package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"
)

// BlockAllocator tracks free and next-to-allocate page ids. Its state is
// serialized into every new Manifest so crash recovery restores it
// exactly (SPEC_FULL.md §4.3).
type BlockAllocator struct {
	NextPageID uint64
	FreePages  []uint64 // kept sorted ascending; smallest-first allocation
}

// NewBlockAllocator returns an allocator that starts handing out page id 1
// (ids 0 and below are reserved for the manifest slots).
func NewBlockAllocator() *BlockAllocator {
	return &BlockAllocator{NextPageID: 1}
}

// Alloc returns the smallest free id if one exists, otherwise NextPageID
// (which is then incremented).
func (a *BlockAllocator) Alloc() uint64 {
	if len(a.FreePages) > 0 {
		id := a.FreePages[0]
		a.FreePages = a.FreePages[1:]
		return id
	}
	id := a.NextPageID
	a.NextPageID++
	return id
}

// Free returns id to the free set, keeping it sorted.
func (a *BlockAllocator) Free(id uint64) {
	i := 0
	for i < len(a.FreePages) && a.FreePages[i] < id {
		i++
	}
	a.FreePages = append(a.FreePages, 0)
	copy(a.FreePages[i+1:], a.FreePages[i:])
	a.FreePages[i] = id
}

// Manifest is the two-slot, versioned root record: it names the live tree
// root, the allocator state, and the set of active segments.
type Manifest struct {
	Version       uint64
	RootPageID    uint64
	ActiveSegments []uint64
	WALMetadata   []byte // opaque, owned by TinyWAL
	NextPageID    uint64
	FreePages     []uint64
}

// Encode serializes the manifest body (without the page framing).
func (m *Manifest) Encode() []byte {
	buf := make([]byte, 0, 128)
	var tmp [8]byte

	binary.LittleEndian.PutUint64(tmp[:], m.Version)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], m.RootPageID)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], m.NextPageID)
	buf = append(buf, tmp[:]...)

	buf = appendUint64Slice(buf, m.ActiveSegments)
	buf = appendUint64Slice(buf, m.FreePages)

	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(m.WALMetadata)))
	buf = append(buf, tmp[:4]...)
	buf = append(buf, m.WALMetadata...)

	return buf
}

func appendUint64Slice(buf []byte, s []uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(s)))
	buf = append(buf, tmp[:4]...)
	for _, v := range s {
		binary.LittleEndian.PutUint64(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func readUint64Slice(data []byte) ([]uint64, int, error) {
	if len(data) < 4 {
		return nil, 0, fmt.Errorf("storage: manifest: truncated slice length")
	}
	n := int(binary.LittleEndian.Uint32(data))
	off := 4
	if len(data) < off+n*8 {
		return nil, 0, fmt.Errorf("storage: manifest: truncated slice body")
	}
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}
	return out, off, nil
}

// DecodeManifest parses a manifest body produced by Encode.
func DecodeManifest(data []byte) (*Manifest, error) {
	if len(data) < 24 {
		return nil, ErrCorruptManifest
	}
	m := &Manifest{}
	m.Version = binary.LittleEndian.Uint64(data[0:])
	m.RootPageID = binary.LittleEndian.Uint64(data[8:])
	m.NextPageID = binary.LittleEndian.Uint64(data[16:])
	off := 24

	segs, n, err := readUint64Slice(data[off:])
	if err != nil {
		return nil, ErrCorruptManifest
	}
	m.ActiveSegments = segs
	off += n

	free, n, err := readUint64Slice(data[off:])
	if err != nil {
		return nil, ErrCorruptManifest
	}
	m.FreePages = free
	off += n

	if len(data) < off+4 {
		return nil, ErrCorruptManifest
	}
	walLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if len(data) < off+walLen {
		return nil, ErrCorruptManifest
	}
	m.WALMetadata = append([]byte(nil), data[off:off+walLen]...)

	return m, nil
}

// ManifestSlotDiagnostics reports the health of a single manifest slot,
// grounded on the original Rust ManifestSlotDiagnostics.
type ManifestSlotDiagnostics struct {
	Slot           int
	Offset         int64
	ReadOK         bool
	PageDecoded    bool
	PageTypeOK     bool
	CRCOK          bool
	ManifestDecoded bool
	Version        uint64
}

// ConsistencyReport summarizes both manifest slots after a recovery pass.
type ConsistencyReport struct {
	BothValid bool
	Slots     [2]ManifestSlotDiagnostics
}

// ManifestStore manages the two fixed manifest slots at file offsets 0 and
// PageSize, alternating writes between them (SPEC_FULL.md §4.2).
type ManifestStore struct {
	ps         *PageStore
	lastSlot   int
	log        zerolog.Logger
}

// NewManifestStore wraps a PageStore with manifest slot management.
func NewManifestStore(ps *PageStore, log zerolog.Logger) *ManifestStore {
	return &ManifestStore{ps: ps, lastSlot: -1, log: log.With().Str("component", "manifest").Logger()}
}

func (ms *ManifestStore) slotOffset(slot int) int64 {
	return int64(slot) * PageSize
}

// diagnoseSlot reads and validates one slot without returning an error —
// the diagnostics struct itself records every failure point.
func (ms *ManifestStore) diagnoseSlot(slot int) (ManifestSlotDiagnostics, *Manifest) {
	diag := ManifestSlotDiagnostics{Slot: slot, Offset: ms.slotOffset(slot)}
	buf := make([]byte, PageSize)
	n, err := ms.ps.rawReadAt(buf, diag.Offset)
	if err != nil || n < PageSize {
		return diag, nil
	}
	diag.ReadOK = true

	page, err := DecodePage(buf, uint64(slot))
	if err != nil {
		return diag, nil
	}
	diag.PageDecoded = true
	diag.CRCOK = true

	if page.Header.PageType != PageManifest {
		return diag, nil
	}
	diag.PageTypeOK = true

	m, err := DecodeManifest(page.Data)
	if err != nil {
		return diag, nil
	}
	diag.ManifestDecoded = true
	diag.Version = m.Version
	return diag, m
}

// WriteManifest encodes m into a page and writes it to the slot opposite
// the last-written one (or slot 0 on first write), then data-syncs.
func (ms *ManifestStore) WriteManifest(m *Manifest) error {
	target := 0
	if ms.lastSlot == 0 {
		target = 1
	}

	page := NewPage(uint64(target), PageManifest, m.Encode())
	page.Header.Version = m.Version
	buf, err := page.Encode()
	if err != nil {
		return fmt.Errorf("storage: encode manifest page: %w", err)
	}
	if err := ms.ps.TornWriteProtect(buf, ms.slotOffset(target)); err != nil {
		return fmt.Errorf("storage: write manifest slot %d: %w", target, err)
	}
	ms.lastSlot = target
	ms.log.Debug().Int("slot", target).Uint64("version", m.Version).Msg("manifest written")
	return nil
}

// ReadManifest decodes both slots and returns the one with the largest
// version that passes CRC+type checks.
func (ms *ManifestStore) ReadManifest() (*Manifest, error) {
	diag0, m0 := ms.diagnoseSlot(0)
	diag1, m1 := ms.diagnoseSlot(1)

	switch {
	case diag0.ManifestDecoded && diag1.ManifestDecoded:
		if diag1.Version > diag0.Version {
			ms.lastSlot = 1
			return m1, nil
		}
		ms.lastSlot = 0
		return m0, nil
	case diag0.ManifestDecoded:
		ms.lastSlot = 0
		return m0, nil
	case diag1.ManifestDecoded:
		ms.lastSlot = 1
		return m1, nil
	default:
		return nil, ErrNoValidManifest
	}
}

// RecoverManifests runs consistency diagnostics on both slots and, if
// exactly one is valid, copies it over the invalid slot so both slots
// agree again.
func (ms *ManifestStore) RecoverManifests() (*ConsistencyReport, error) {
	diag0, m0 := ms.diagnoseSlot(0)
	diag1, m1 := ms.diagnoseSlot(1)

	report := &ConsistencyReport{Slots: [2]ManifestSlotDiagnostics{diag0, diag1}}

	switch {
	case diag0.ManifestDecoded && diag1.ManifestDecoded:
		report.BothValid = true
		return report, nil
	case diag0.ManifestDecoded && !diag1.ManifestDecoded:
		ms.log.Warn().Msg("manifest slot 1 invalid, repairing from slot 0")
		if err := ms.rewriteSlot(1, m0); err != nil {
			return report, err
		}
		report.BothValid = true
		report.Slots[1] = diag0
		report.Slots[1].Slot = 1
		report.Slots[1].Offset = ms.slotOffset(1)
		return report, nil
	case diag1.ManifestDecoded && !diag0.ManifestDecoded:
		ms.log.Warn().Msg("manifest slot 0 invalid, repairing from slot 1")
		if err := ms.rewriteSlot(0, m1); err != nil {
			return report, err
		}
		report.BothValid = true
		report.Slots[0] = diag1
		report.Slots[0].Slot = 0
		report.Slots[0].Offset = ms.slotOffset(0)
		return report, nil
	default:
		return report, ErrNoValidManifest
	}
}

func (ms *ManifestStore) rewriteSlot(slot int, m *Manifest) error {
	page := NewPage(uint64(slot), PageManifest, m.Encode())
	page.Header.Version = m.Version
	buf, err := page.Encode()
	if err != nil {
		return fmt.Errorf("storage: encode repaired manifest page: %w", err)
	}
	if err := ms.ps.TornWriteProtect(buf, ms.slotOffset(slot)); err != nil {
		return fmt.Errorf("storage: repair manifest slot %d: %w", slot, err)
	}
	ms.lastSlot = slot
	return nil
}
