package sandbox

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"sync"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sys/unix"
)

// BinaryType classifies a program image by how it must be loaded.
type BinaryType uint8

const (
	BinaryStatic BinaryType = iota
	BinaryStaticPIE
	BinaryDynamic
)

func (t BinaryType) String() string {
	switch t {
	case BinaryStatic:
		return "static"
	case BinaryStaticPIE:
		return "static-pie"
	case BinaryDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// BinaryStorage is an immutable program image, shared between the main
// VM, its forks and the stats endpoint. The backing bytes never mutate
// after construction; whether they live on the heap or in a mapped file
// is invisible to consumers.
type BinaryStorage struct {
	data   []byte
	mapped bool

	digestOnce *sync.Once
	digestVal  *digest.Digest
}

// NewBinary wraps a byte slice. The caller must not mutate it after.
func NewBinary(data []byte) *BinaryStorage {
	return &BinaryStorage{data: data, digestOnce: &sync.Once{}, digestVal: new(digest.Digest)}
}

// MapBinary memory-maps a program file read-only.
func MapBinary(path string) (*BinaryStorage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("map binary: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("map binary: %w", err)
	}
	if st.Size() == 0 {
		return NewBinary(nil), nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("map binary %s: %w", path, err)
	}
	b := NewBinary(data)
	b.mapped = true
	return b, nil
}

func (b *BinaryStorage) Len() int      { return len(b.data) }
func (b *BinaryStorage) Empty() bool   { return len(b.data) == 0 }
func (b *BinaryStorage) Bytes() []byte { return b.data }

// Digest returns the content address of the image, computed once.
func (b *BinaryStorage) Digest() digest.Digest {
	b.digestOnce.Do(func() {
		*b.digestVal = digest.FromBytes(b.data)
	})
	return *b.digestVal
}

// Close releases a mapped image. No-op for heap-backed storage.
func (b *BinaryStorage) Close() error {
	if b.mapped && b.data != nil {
		data := b.data
		b.data = nil
		b.mapped = false
		return unix.Munmap(data)
	}
	return nil
}

// Type inspects the ELF header: an image with a PT_INTERP segment is
// dynamic, ET_DYN without one is a static PIE, everything else static.
func (b *BinaryStorage) Type() (BinaryType, error) {
	f, err := b.open()
	if err != nil {
		return BinaryStatic, err
	}
	defer f.Close()
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_INTERP {
			return BinaryDynamic, nil
		}
	}
	if f.Type == elf.ET_DYN {
		return BinaryStaticPIE, nil
	}
	return BinaryStatic, nil
}

// EntryPoint returns the ELF entry address.
func (b *BinaryStorage) EntryPoint() (uint64, error) {
	f, err := b.open()
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.Entry, nil
}

func (b *BinaryStorage) open() (*elf.File, error) {
	if len(b.data) < 128 {
		return nil, fmt.Errorf("%w: binary too small", ErrInvalidProgram)
	}
	f, err := elf.NewFile(bytes.NewReader(b.data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
	}
	return f, nil
}

// detectGigapage computes the guest base address: dynamic images honor
// the dylink hint rounded down to a 1 GiB boundary, static ones derive
// it from the entry point's top bits.
func detectGigapage(b *BinaryStorage, dylinkHint uint64) (uint64, error) {
	const giga = 1 << 30
	if dylinkHint >= giga {
		t, err := b.Type()
		if err != nil {
			return 0, err
		}
		if t != BinaryStatic {
			return (dylinkHint >> 30) << 30, nil
		}
	}
	entry, err := b.EntryPoint()
	if err != nil {
		return 0, err
	}
	page := entry >> 30
	if page >= 64 {
		return 0, fmt.Errorf("%w: start address above 64GB", ErrInvalidProgram)
	}
	return page << 30, nil
}
