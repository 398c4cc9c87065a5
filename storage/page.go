package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// PageSize is the fixed page size for the CoW tree page store (16 KiB,
// matching the original WASP_PAGE_SIZE rather than the teacher's 4 KiB
// record-slotted page).
const PageSize = 16 * 1024

// PageType identifies what a page holds.
type PageType byte

const (
	PageUnused PageType = iota
	PageManifest
	PageBTree
	PageSegment
)

// Header layout (64 bytes, fixed regardless of payload):
//
//	[0-7]   page_id  (uint64)
//	[8-15]  version  (uint64)
//	[16]    page_type (byte)
//	[17-55] reserved (39 bytes)
//	[56-59] data_len (uint32)
//	[60-63] crc32    (uint32)
const (
	pageIDOffset      = 0
	pageVersionOffset = 8
	pageTypeOffset    = 16
	pageReservedSize  = 39
	pageDataLenOffset = pageTypeOffset + 1 + pageReservedSize
	pageCRCOffset     = pageDataLenOffset + 4

	// PageHeaderSize is the fixed header size in bytes (64).
	PageHeaderSize = pageCRCOffset + 4
	// PageDataCapacity is the maximum payload bytes per page.
	PageDataCapacity = PageSize - PageHeaderSize
)

// PageHeader is the fixed-size prefix of every on-disk page.
type PageHeader struct {
	PageID   uint64
	Version  uint64
	PageType PageType
	DataLen  uint32
	CRC32    uint32
}

// Page is one fixed-size, CRC-protected unit of the page store.
type Page struct {
	Header PageHeader
	Data   []byte
}

// NewPage builds a page ready to be filled in and written; Version is
// assigned by the caller (CoW tree or manifest writer) before Encode.
func NewPage(id uint64, ptype PageType, data []byte) *Page {
	return &Page{
		Header: PageHeader{PageID: id, PageType: ptype, DataLen: uint32(len(data))},
		Data:   data,
	}
}

// Encode serializes the page to exactly PageSize bytes, zero-padding the
// unused tail, and sets crc32 over header (with crc zeroed) + data.
func (p *Page) Encode() ([]byte, error) {
	if len(p.Data) > PageDataCapacity {
		return nil, fmt.Errorf("storage: page data %d exceeds capacity %d", len(p.Data), PageDataCapacity)
	}
	p.Header.DataLen = uint32(len(p.Data))

	buf := make([]byte, PageSize)
	writeHeader(buf, &p.Header, 0)
	copy(buf[PageHeaderSize:], p.Data)

	crc := crc32.ChecksumIEEE(buf[:PageHeaderSize+len(p.Data)])
	binary.LittleEndian.PutUint32(buf[pageCRCOffset:], crc)
	p.Header.CRC32 = crc
	return buf, nil
}

// DecodePage parses and CRC-verifies a raw PageSize buffer. expectedID is
// only used to label a CorruptPageError.
func DecodePage(buf []byte, expectedID uint64) (*Page, error) {
	if len(buf) != PageSize {
		return nil, fmt.Errorf("storage: page buffer has wrong size %d", len(buf))
	}
	hdr := readHeader(buf)
	dataLen := int(hdr.DataLen)
	if dataLen > PageDataCapacity || dataLen < 0 {
		return nil, &CorruptPageError{PageID: expectedID}
	}

	check := make([]byte, PageHeaderSize+dataLen)
	copy(check, buf[:PageHeaderSize+dataLen])
	binary.LittleEndian.PutUint32(check[pageCRCOffset:], 0)
	crc := crc32.ChecksumIEEE(check)
	if crc != hdr.CRC32 {
		return nil, &CorruptPageError{PageID: expectedID}
	}

	data := make([]byte, dataLen)
	copy(data, buf[PageHeaderSize:PageHeaderSize+dataLen])
	return &Page{Header: *hdr, Data: data}, nil
}

func writeHeader(buf []byte, h *PageHeader, crc uint32) {
	binary.LittleEndian.PutUint64(buf[pageIDOffset:], h.PageID)
	binary.LittleEndian.PutUint64(buf[pageVersionOffset:], h.Version)
	buf[pageTypeOffset] = byte(h.PageType)
	binary.LittleEndian.PutUint32(buf[pageDataLenOffset:], h.DataLen)
	binary.LittleEndian.PutUint32(buf[pageCRCOffset:], crc)
}

func readHeader(buf []byte) *PageHeader {
	return &PageHeader{
		PageID:   binary.LittleEndian.Uint64(buf[pageIDOffset:]),
		Version:  binary.LittleEndian.Uint64(buf[pageVersionOffset:]),
		PageType: PageType(buf[pageTypeOffset]),
		DataLen:  binary.LittleEndian.Uint32(buf[pageDataLenOffset:]),
		CRC32:    binary.LittleEndian.Uint32(buf[pageCRCOffset:]),
	}
}

// VerifyCRC reports whether a page's stored checksum matches its header
// and data (used by PageStore.ReadPage and by tests).
func VerifyCRC(raw []byte) bool {
	if len(raw) != PageSize {
		return false
	}
	hdr := readHeader(raw)
	dataLen := int(hdr.DataLen)
	if dataLen > PageDataCapacity {
		return false
	}
	check := make([]byte, PageHeaderSize+dataLen)
	copy(check, raw[:PageHeaderSize+dataLen])
	binary.LittleEndian.PutUint32(check[pageCRCOffset:], 0)
	return crc32.ChecksumIEEE(check) == hdr.CRC32
}
