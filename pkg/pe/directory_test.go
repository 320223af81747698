package pe

import (
	"testing"
	"unsafe"
)

func imageFromBuffer(t *testing.T, buf []byte) *Image {
	t.Helper()
	base := uintptr(unsafe.Pointer(&buf[0]))
	nt := NtH(base)
	if nt == nil {
		t.Fatal("buildMinimalImage produced an unparsable image")
	}
	return &Image{Base: base, Size: uintptr(len(buf)), Nt: nt}
}

func TestImportsRejectsOutOfBoundsDirectory(t *testing.T) {
	buf := buildMinimalImage(t)
	img := imageFromBuffer(t, buf)
	img.Nt.OptionalHeader.DataDirectory[IMAGE_DIRECTORY_ENTRY_IMPORT] = IMAGE_DATA_DIRECTORY{
		VirtualAddress: uint32(img.Size) + 0x1000,
		Size:           0x40,
	}

	if _, err := Imports(img); err == nil {
		t.Fatal("Imports accepted an import directory entirely outside the mapped image")
	}
}

func TestImportsDirectoryExtendingPastImageIsRejected(t *testing.T) {
	buf := buildMinimalImage(t)
	img := imageFromBuffer(t, buf)
	img.Nt.OptionalHeader.DataDirectory[IMAGE_DIRECTORY_ENTRY_IMPORT] = IMAGE_DATA_DIRECTORY{
		VirtualAddress: uint32(img.Size) - 4,
		Size:           0x100, // runs well past the end of the mapped buffer
	}

	if _, err := Imports(img); err == nil {
		t.Fatal("Imports accepted a directory whose extent runs past the image")
	}
}

func TestImportsReturnsNilForAbsentDirectory(t *testing.T) {
	buf := buildMinimalImage(t)
	img := imageFromBuffer(t, buf)

	descs, err := Imports(img)
	if err != nil || descs != nil {
		t.Fatalf("Imports() = %v, %v; want nil, nil for an image with no import directory", descs, err)
	}
}

func TestCStringBoundedRejectsOutOfRangeRVA(t *testing.T) {
	buf := buildMinimalImage(t)
	img := imageFromBuffer(t, buf)

	if _, err := CStringBounded(img.Base, uint32(img.Size)+1, img.Size); err == nil {
		t.Fatal("CStringBounded accepted an RVA past the end of the image")
	}
}

func TestCStringBoundedReadsInRangeString(t *testing.T) {
	buf := append(buildMinimalImage(t), []byte("kernel32.dll\x00")...)
	base := uintptr(unsafe.Pointer(&buf[0]))
	rva := uint32(len(buf)) - 13

	s, err := CStringBounded(base, rva, uintptr(len(buf)))
	if err != nil {
		t.Fatalf("CStringBounded failed on an in-range string: %v", err)
	}
	if s != "kernel32.dll" {
		t.Fatalf("CStringBounded = %q, want %q", s, "kernel32.dll")
	}
}

func TestBuildExportIndexRejectsOutOfBoundsNameTable(t *testing.T) {
	buf := buildMinimalImage(t)
	expOff := uint32(0x200)
	buf = append(buf, make([]byte, int(expOff)+64)...)
	img := imageFromBuffer(t, buf)
	img.Nt.OptionalHeader.DataDirectory[IMAGE_DIRECTORY_ENTRY_EXPORT] = IMAGE_DATA_DIRECTORY{
		VirtualAddress: expOff,
		Size:           64,
	}
	exp := (*IMAGE_EXPORT_DIRECTORY)(unsafe.Pointer(img.Base + uintptr(expOff)))
	exp.NumberOfNames = 4
	exp.NumberOfFunctions = 4
	exp.AddressOfNames = uint32(img.Size) // table claims to start past the image
	exp.AddressOfFunctions = expOff + 32
	exp.AddressOfNameOrdinals = expOff + 48

	if _, _, err := ExportRVA(img, "AnyExport"); err == nil {
		t.Fatal("ExportRVA accepted an export name table extending past the image")
	}
}
