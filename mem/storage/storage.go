// Package storage provides the simulated physical memory that backs the
// memory management core.
package storage

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/sarchlab/vmkit/mem"
)

// ErrOutOfRange is returned when an access goes beyond the storage capacity.
var ErrOutOfRange = errors.New("accessing physical address beyond the storage capacity")

// A Storage keeps the data of the simulated physical memory.
//
// The storage manages its content in frame-sized units. Units that are never
// written occupy no host memory, so a storage can span a large physical
// address range cheaply.
type Storage struct {
	sync.Mutex
	capacity uint64
	data     map[mem.PAddr][]byte
}

// NewStorage creates a storage covering physical addresses [0, capacity).
func NewStorage(capacity uint64) *Storage {
	return &Storage{
		capacity: capacity,
		data:     make(map[mem.PAddr][]byte),
	}
}

// Capacity returns the number of addressable bytes.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

func (s *Storage) unit(addr mem.PAddr) ([]byte, error) {
	if uint64(addr) >= s.capacity {
		return nil, ErrOutOfRange
	}

	base := addr.AlignDown(mem.PageBytes)
	unit, ok := s.data[base]
	if !ok {
		unit = make([]byte, mem.PageBytes)
		s.data[base] = unit
	}

	return unit, nil
}

// Read copies n bytes starting at addr.
func (s *Storage) Read(addr mem.PAddr, n uint64) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	res := make([]byte, n)
	offset := uint64(0)
	for offset < n {
		unit, err := s.unit(addr + mem.PAddr(offset))
		if err != nil {
			return nil, err
		}

		inUnit := uint64(addr+mem.PAddr(offset)) & (mem.PageBytes - 1)
		chunk := mem.PageBytes - inUnit
		if left := n - offset; left < chunk {
			chunk = left
		}

		copy(res[offset:offset+chunk], unit[inUnit:inUnit+chunk])
		offset += chunk
	}

	return res, nil
}

// Write copies data into the storage starting at addr.
func (s *Storage) Write(addr mem.PAddr, data []byte) error {
	s.Lock()
	defer s.Unlock()

	offset := uint64(0)
	for offset < uint64(len(data)) {
		unit, err := s.unit(addr + mem.PAddr(offset))
		if err != nil {
			return err
		}

		inUnit := uint64(addr+mem.PAddr(offset)) & (mem.PageBytes - 1)
		chunk := mem.PageBytes - inUnit
		if left := uint64(len(data)) - offset; left < chunk {
			chunk = left
		}

		copy(unit[inUnit:inUnit+chunk], data[offset:offset+chunk])
		offset += chunk
	}

	return nil
}

// ZeroFrame clears the frame-sized unit starting at addr. addr must be
// frame aligned.
func (s *Storage) ZeroFrame(addr mem.PAddr) error {
	s.Lock()
	defer s.Unlock()

	if !addr.IsAligned(mem.PageBytes) {
		panic("frame address is not aligned")
	}

	unit, err := s.unit(addr)
	if err != nil {
		return err
	}

	for i := range unit {
		unit[i] = 0
	}

	return nil
}

// ReadUint64 reads one little-endian 64-bit word at addr. The page table
// walker uses this to load table entries.
func (s *Storage) ReadUint64(addr mem.PAddr) (uint64, error) {
	data, err := s.Read(addr, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(data), nil
}

// WriteUint64 stores one little-endian 64-bit word at addr.
func (s *Storage) WriteUint64(addr mem.PAddr, v uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, v)

	return s.Write(addr, data)
}
