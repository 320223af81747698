package pe

import (
	"bytes"
	"fmt"
	"runtime/debug"
	"strings"
	"unsafe"

	bpe "github.com/Binject/debug/pe"
)

// ImportDescriptor is one DLL dependency entry: its name and the lockstep
// pair of lookup/address thunk RVAs the Import Resolver walks together.
type ImportDescriptor struct {
	Name               string
	OriginalFirstThunk uint32
	FirstThunk         uint32
}

// Imports parses img's import directory, returning one entry per
// imported library in file order. A directory that falls outside the
// mapped image, or a descriptor whose name can't be read safely, fails
// with an error instead of dereferencing raw memory.
func Imports(img *Image) ([]ImportDescriptor, error) {
	dir := img.Nt.OptionalHeader.DataDirectory[IMAGE_DIRECTORY_ENTRY_IMPORT]
	if dir.VirtualAddress == 0 {
		return nil, nil
	}
	if err := checkDirectoryBounds(dir, img.Size); err != nil {
		return nil, fmt.Errorf("[pe] import directory: %w", err)
	}

	image := (*[1 << 30]byte)(unsafe.Pointer(img.Base))[:img.Size:img.Size]
	f, err := bpe.NewFile(bytes.NewReader(image))
	if err == nil {
		defer f.Close()
		if table, _, _, ierr := f.ImportDirectoryTable(); ierr == nil {
			out := make([]ImportDescriptor, 0, len(table))
			for _, d := range table {
				out = append(out, ImportDescriptor{
					Name:               d.DllName,
					OriginalFirstThunk: d.OriginalFirstThunk,
					FirstThunk:         d.FirstThunk,
				})
			}
			return out, nil
		}
	}

	// Binject/debug/pe expects a well-formed on-disk layout; a freshly
	// relocated in-memory image can violate its section bounds checks.
	// Fall back to walking the descriptor array directly in that case.
	return walkImportDescriptors(img, dir)
}

// checkDirectoryBounds rejects a data directory entry that would read
// past the mapped image, so a truncated or malformed image fails the
// load instead of being dereferenced out of bounds.
func checkDirectoryBounds(dir IMAGE_DATA_DIRECTORY, imageSize uintptr) error {
	if uintptr(dir.VirtualAddress) >= imageSize {
		return fmt.Errorf("virtual address 0x%X outside image (size %d)", dir.VirtualAddress, imageSize)
	}
	end := uint64(dir.VirtualAddress) + uint64(dir.Size)
	if end > uint64(imageSize) {
		return fmt.Errorf("extends to 0x%X past image end (size %d)", end, imageSize)
	}
	return nil
}

const importDescriptorSize = 20 // sizeof(IMAGE_IMPORT_DESCRIPTOR)

func walkImportDescriptors(img *Image, dir IMAGE_DATA_DIRECTORY) ([]ImportDescriptor, error) {
	addr := img.Base + uintptr(dir.VirtualAddress)
	limit := img.Base + uintptr(dir.VirtualAddress) + uintptr(dir.Size)
	var out []ImportDescriptor
	for addr+importDescriptorSize <= limit {
		desc, err := readImportDescriptor(addr)
		if err != nil {
			return nil, fmt.Errorf("[pe] import descriptor at 0x%X: %w", addr, err)
		}
		if desc.Name == 0 {
			break
		}
		name, err := CStringBounded(img.Base, desc.Name, img.Size)
		if err != nil {
			return nil, fmt.Errorf("[pe] import descriptor name: %w", err)
		}
		out = append(out, ImportDescriptor{
			Name:               name,
			OriginalFirstThunk: desc.OriginalFirstThunk,
			FirstThunk:         desc.FirstThunk,
		})
		addr += importDescriptorSize
	}
	return out, nil
}

func readImportDescriptor(addr uintptr) (desc IMAGE_IMPORT_DESCRIPTOR, err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unreadable: %v", r)
		}
	}()
	desc = *(*IMAGE_IMPORT_DESCRIPTOR)(unsafe.Pointer(addr))
	return desc, nil
}

// ThunkName reads the hint/name import-by-name entry at rva within img,
// bounds-checked against img's mapped size before the Hint field is
// dereferenced.
func ThunkName(img *Image, rva uint64) (hint uint16, name string, err error) {
	if rva+2 > uint64(img.Size) {
		return 0, "", fmt.Errorf("[pe] thunk RVA 0x%X out of bounds (image size %d)", rva, img.Size)
	}
	addr := img.Base + uintptr(rva)
	h, herr := readHint(addr)
	if herr != nil {
		return 0, "", fmt.Errorf("[pe] thunk hint at 0x%X: %w", rva, herr)
	}
	name, err = CStringBounded(img.Base, uint32(rva)+2, img.Size)
	if err != nil {
		return 0, "", err
	}
	return h, name, nil
}

func readHint(addr uintptr) (hint uint16, err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unreadable: %v", r)
		}
	}()
	ibn := (*IMAGE_IMPORT_BY_NAME)(unsafe.Pointer(addr))
	return ibn.Hint, nil
}

// exportIndex is an image's export table keyed by name. It is not cached:
// ExportRVA builds a fresh index from the export directory on every call.
type exportIndex struct {
	byName map[string]uint32 // name -> function RVA
	base   uint32
}

func buildExportIndex(img *Image) (*exportIndex, error) {
	dir := img.Nt.OptionalHeader.DataDirectory[IMAGE_DIRECTORY_ENTRY_EXPORT]
	if dir.VirtualAddress == 0 {
		return nil, fmt.Errorf("[pe] image has no export directory")
	}
	if err := checkDirectoryBounds(dir, img.Size); err != nil {
		return nil, fmt.Errorf("[pe] export directory: %w", err)
	}
	exp, err := readExportDirectory(img.Base + uintptr(dir.VirtualAddress))
	if err != nil {
		return nil, fmt.Errorf("[pe] export directory: %w", err)
	}

	// AddressOfFunctions/Names/NameOrdinals are themselves RVAs the file
	// controls; check each table's extent before a single element of it
	// is ever dereferenced.
	if err := checkArrayBounds(exp.AddressOfFunctions, exp.NumberOfFunctions, 4, img.Size); err != nil {
		return nil, fmt.Errorf("[pe] export address table: %w", err)
	}
	if err := checkArrayBounds(exp.AddressOfNames, exp.NumberOfNames, 4, img.Size); err != nil {
		return nil, fmt.Errorf("[pe] export name table: %w", err)
	}
	if err := checkArrayBounds(exp.AddressOfNameOrdinals, exp.NumberOfNames, 2, img.Size); err != nil {
		return nil, fmt.Errorf("[pe] export ordinal table: %w", err)
	}

	funcs := (*[1 << 16]uint32)(unsafe.Pointer(img.Base + uintptr(exp.AddressOfFunctions)))
	names := (*[1 << 16]uint32)(unsafe.Pointer(img.Base + uintptr(exp.AddressOfNames)))
	ords := (*[1 << 16]uint16)(unsafe.Pointer(img.Base + uintptr(exp.AddressOfNameOrdinals)))

	idx := &exportIndex{byName: make(map[string]uint32, exp.NumberOfNames), base: exp.Base}
	for i := uint32(0); i < exp.NumberOfNames; i++ {
		name, err := CStringBounded(img.Base, names[i], img.Size)
		if err != nil {
			return nil, fmt.Errorf("[pe] export name %d: %w", i, err)
		}
		ord := ords[i]
		if uint32(ord) >= exp.NumberOfFunctions {
			return nil, fmt.Errorf("[pe] export name %q has out-of-range ordinal %d", name, ord)
		}
		idx.byName[name] = funcs[ord]
	}
	return idx, nil
}

func readExportDirectory(addr uintptr) (exp IMAGE_EXPORT_DIRECTORY, err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unreadable: %v", r)
		}
	}()
	exp = *(*IMAGE_EXPORT_DIRECTORY)(unsafe.Pointer(addr))
	return exp, nil
}

// checkArrayBounds rejects a file-supplied (rva, count) table descriptor
// that would read past the mapped image.
func checkArrayBounds(rva uint32, count uint32, elemSize uint64, imageSize uintptr) error {
	if count == 0 {
		return nil
	}
	end := uint64(rva) + uint64(count)*elemSize
	if end > uint64(imageSize) {
		return fmt.Errorf("table at RVA 0x%X, %d entries, extends to 0x%X past image end (size %d)", rva, count, end, imageSize)
	}
	return nil
}

// ExportRVA resolves name to a function RVA within img's export directory.
// ok is false when img exports no such name. Whether the RVA is a
// forwarder string is left to the caller (see IsForwarder).
func ExportRVA(img *Image, name string) (rva uint32, ok bool, err error) {
	idx, err := buildExportIndex(img)
	if err != nil {
		return 0, false, err
	}
	rva, ok = idx.byName[name]
	return rva, ok, nil
}

// IsForwarder reports whether rva, resolved as an export of img, falls
// inside the export directory itself -- the layout convention marking a
// forwarder string ("TargetDll.TargetSymbol") instead of code.
func IsForwarder(img *Image, rva uint32) bool {
	dir := img.Nt.OptionalHeader.DataDirectory[IMAGE_DIRECTORY_ENTRY_EXPORT]
	return rva >= dir.VirtualAddress && rva < dir.VirtualAddress+dir.Size
}

// ForwarderTarget splits a forwarder string into its target DLL and
// symbol, adding the .dll suffix the on-disk string convention omits.
// rva is bounds-checked against img's mapped size before it is read.
func ForwarderTarget(img *Image, rva uint32) (dll, symbol string, err error) {
	s, err := CStringBounded(img.Base, rva, img.Size)
	if err != nil {
		return "", "", fmt.Errorf("[pe] forwarder string: %w", err)
	}
	i := strings.LastIndexByte(s, '.')
	if i < 0 {
		return "", s, nil
	}
	dll = s[:i] + ".dll"
	symbol = s[i+1:]
	return dll, symbol, nil
}
