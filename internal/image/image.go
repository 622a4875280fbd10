// Package image validates 1 MiB MSD80/81 flash images, locates the VIN
// within the calibration region, and maintains the additive 16-bit
// checksum invariant over that region.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FlashSize is the total size of an MSD80/81 flash image.
const FlashSize = 0x100000 // 1 MiB

// Sector names the three contiguous regions spanning the flash.
type Sector struct {
	Name      string
	Start     uint32
	Size      uint32
	Protected bool
}

// SectorMap describes the flash layout. BOOT and CODE are protected and
// only ever rewritten as part of a whole-image program; CAL is the
// writable calibration region the VIN patcher targets.
var SectorMap = []Sector{
	{Name: "BOOT", Start: 0x000000, Size: 0x010000, Protected: true},
	{Name: "CAL", Start: 0x010000, Size: 0x040000, Protected: false},
	{Name: "CODE", Start: 0x050000, Size: 0x0B0000, Protected: true},
}

const (
	CALStart = 0x010000
	CALSize  = 0x040000
	CALEnd   = CALStart + CALSize
)

func init() {
	var sum uint32
	for _, s := range SectorMap {
		if s.Start != sum {
			panic(fmt.Sprintf("sector %s does not start contiguously at 0x%06X", s.Name, sum))
		}
		sum += s.Size
	}
	if sum != FlashSize {
		panic("sector map does not span FlashSize")
	}
}

// Image is exactly 1 MiB of flash content tagged with an ECU family.
type Image struct {
	Data    []byte
	ECUType string
}

// New wraps data as an Image for the given ECU family tag.
func New(data []byte, ecuType string) *Image {
	return &Image{Data: data, ECUType: ecuType}
}

// ErrInvalidVin is returned when a VIN is not exactly 17 ASCII
// characters.
var ErrInvalidVin = errors.New("image: VIN must be exactly 17 characters")

// ErrVinNotFound is returned when the VIN patcher cannot locate the
// expected VIN inside the calibration region.
var ErrVinNotFound = errors.New("image: VIN not found in calibration region")

// Validate checks that img is exactly FlashSize bytes and is not blank
// (first 32 bytes all 0xFF). It returns a human-readable message
// alongside the ok flag, matching the reference tool's diagnostics.
func Validate(img *Image) (bool, string) {
	if len(img.Data) != FlashSize {
		return false, fmt.Sprintf("Image must be exactly 1 MiB (%d bytes), got %d", FlashSize, len(img.Data))
	}
	blank := true
	for _, b := range img.Data[:32] {
		if b != 0xFF {
			blank = false
			break
		}
	}
	if blank {
		return false, "Image appears to be blank"
	}
	return true, "Image validated successfully"
}

// PatchVIN replaces the first occurrence of oldVIN inside the
// calibration region with newVIN and restores the additive checksum
// invariant. Both VINs must be exactly 17 ASCII characters.
//
// The reference tool instead searches for the new VIN already present
// in the image; this implementation searches for the known existing VIN,
// the documented alternative design in spec.md §9.
func PatchVIN(img *Image, oldVIN, newVIN string) error {
	if len(oldVIN) != 17 || len(newVIN) != 17 {
		return ErrInvalidVin
	}
	cal := img.Data[CALStart:CALEnd]
	idx := indexOf(cal, []byte(oldVIN))
	if idx == -1 {
		return ErrVinNotFound
	}
	copy(cal[idx:idx+17], []byte(newVIN))
	fixCALChecksum(img.Data)
	return nil
}

func indexOf(haystack, needle []byte) int {
	n := len(needle)
	for i := 0; i+n <= len(haystack); i++ {
		if string(haystack[i:i+n]) == string(needle) {
			return i
		}
	}
	return -1
}

// fixCALChecksum recomputes the final 16-bit big-endian word of the CAL
// region so that the additive sum of all CAL words (including the
// corrected final word) is zero modulo 2^16.
func fixCALChecksum(data []byte) {
	cal := data[CALStart:CALEnd]
	var sum uint16
	for i := 0; i < len(cal)-2; i += 2 {
		sum += binary.BigEndian.Uint16(cal[i : i+2])
	}
	corrected := -sum
	binary.BigEndian.PutUint16(cal[len(cal)-2:], corrected)
}
