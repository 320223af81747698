package pe

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	api "github.com/carved4/go-wincall"
	sys "github.com/carved4/go-native-syscall"
)

// bootstrapped flips once the lifecycle driver's Init has finished
// loading every bootstrap client library. Before that point only the raw
// Nt* syscalls are used.
var bootstrapped atomic.Bool

// SetBootstrapped records that the allocator/call path is safe to use
// beyond raw syscalls. Called by the lifecycle driver's Init after all
// configured client libraries are loaded (or at once if there are none).
func SetBootstrapped() { bootstrapped.Store(true) }

// Image is a private PE mapping: the reserved region, its preferred and
// actual base, and the parsed NT headers needed by the directory reader.
type Image struct {
	Base      uintptr
	Size      uintptr
	Preferred uintptr
	Nt        *IMAGE_NT_HEADERS
}

func (img *Image) EntryPoint() uintptr {
	return img.Base + uintptr(img.Nt.OptionalHeader.AddressOfEntryPoint)
}

// ReadFile loads a DLL image from disk for mapping: whole-file read, no
// streaming.
func ReadFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("[pe] failed to read image file %s: %w", path, err)
	}
	return b, nil
}

// Map copies raw into a freshly reserved region, applies base relocations
// if the region didn't land at the preferred image base, and returns the
// mapped Image. It does not touch imports or protections; that is the
// Import Resolver's job, so the caller can finish construction before the
// image contains a single executable byte.
func Map(raw []byte) (*Image, error) {
	if len(raw) < 64 {
		return nil, fmt.Errorf("[pe] image too small (%d bytes)", len(raw))
	}
	rawPtr := uintptr(unsafe.Pointer(&raw[0]))

	dos := (*IMAGE_DOS_HEADER)(unsafe.Pointer(rawPtr))
	if dos.E_magic != IMAGE_DOS_SIGNATURE {
		return nil, fmt.Errorf("[pe] bad DOS signature: 0x%X", dos.E_magic)
	}
	if uint32(dos.E_lfanew) >= uint32(len(raw)) || dos.E_lfanew < 64 {
		return nil, fmt.Errorf("[pe] invalid e_lfanew offset: 0x%X", dos.E_lfanew)
	}

	nt := (*IMAGE_NT_HEADERS)(unsafe.Pointer(rawPtr + uintptr(dos.E_lfanew)))
	if nt.Signature != IMAGE_NT_SIGNATURE {
		return nil, fmt.Errorf("[pe] bad NT signature: 0x%X", nt.Signature)
	}

	preferred := uintptr(nt.OptionalHeader.ImageBase)
	size := uintptr(nt.OptionalHeader.SizeOfImage)

	base, err := reserve(preferred, size)
	if err != nil {
		base, err = reserve(0, size)
		if err != nil {
			return nil, fmt.Errorf("[pe] failed to reserve %d bytes: %w", size, err)
		}
	}

	if err := write(base, rawPtr, uintptr(nt.OptionalHeader.SizeOfHeaders)); err != nil {
		return nil, fmt.Errorf("[pe] failed to write headers: %w", err)
	}

	if err := copySections(base, rawPtr, dos, nt); err != nil {
		return nil, err
	}

	mapped := NtH(base)
	if mapped == nil {
		return nil, fmt.Errorf("[pe] mapped image lost its headers")
	}

	delta := base - preferred
	if delta != 0 {
		if err := relocate(base, mapped, delta); err != nil {
			return nil, err
		}
	}

	return &Image{Base: base, Size: size, Preferred: preferred, Nt: mapped}, nil
}

func copySections(base, rawPtr uintptr, dos *IMAGE_DOS_HEADER, nt *IMAGE_NT_HEADERS) error {
	count := int(nt.FileHeader.NumberOfSections)
	sectionAddr := rawPtr + uintptr(dos.E_lfanew) + unsafe.Sizeof(nt.Signature) +
		unsafe.Sizeof(nt.FileHeader) + unsafe.Sizeof(nt.OptionalHeader)

	for i := 0; i < count; i++ {
		section := (*IMAGE_SECTION_HEADER)(unsafe.Pointer(sectionAddr))
		if section.SizeOfRawData > 0 {
			dst := base + uintptr(section.VirtualAddress)
			src := rawPtr + uintptr(section.PointerToRawData)
			if err := write(dst, src, uintptr(section.SizeOfRawData)); err != nil {
				return fmt.Errorf("[pe] failed to copy section %s: %w", section.Name, err)
			}
		}
		sectionAddr += unsafe.Sizeof(*section)
	}
	return nil
}

func relocate(base uintptr, nt *IMAGE_NT_HEADERS, delta uintptr) error {
	dir := GetRelocTable(nt)
	if dir == nil {
		return fmt.Errorf("[pe] image relocated but carries no base relocation table")
	}

	table := base + uintptr(dir.VirtualAddress)
	var processed uint32
	for processed < dir.Size {
		block := *(*IMAGE_BASE_RELOCATION)(unsafe.Pointer(table + uintptr(processed)))
		if block.SizeOfBlock < 8 {
			break
		}
		entryBase := table + uintptr(processed) + 8
		count := (block.SizeOfBlock - 8) / 2

		for i := uint32(0); i < count; i++ {
			entry := *(*ImageReloc)(unsafe.Pointer(entryBase + uintptr(i*2)))
			switch entry.GetType() {
			case IMAGE_REL_BASED_ABSOLUTE:
				continue
			case IMAGE_REL_BASED_DIR64:
				addr := base + uintptr(block.VirtualAddress) + uintptr(entry.GetOffset())
				if err := applyDelta64(addr, delta); err != nil {
					return fmt.Errorf("[pe] relocation failed at RVA 0x%X: %w", block.VirtualAddress+uint32(entry.GetOffset()), err)
				}
			case IMAGE_REL_BASED_HIGHLOW:
				addr := base + uintptr(block.VirtualAddress) + uintptr(entry.GetOffset())
				if err := applyDelta32(addr, delta); err != nil {
					return fmt.Errorf("[pe] relocation failed at RVA 0x%X: %w", block.VirtualAddress+uint32(entry.GetOffset()), err)
				}
			default:
				return fmt.Errorf("[pe] unsupported relocation type %d", entry.GetType())
			}
		}
		processed += block.SizeOfBlock
	}
	return nil
}

func applyDelta64(addr, delta uintptr) error {
	buf := make([]byte, 8)
	if err := read(addr, uintptr(unsafe.Pointer(&buf[0])), 8); err != nil {
		return err
	}
	v := binary.LittleEndian.Uint64(buf) + uint64(delta)
	binary.LittleEndian.PutUint64(buf, v)
	return write(addr, uintptr(unsafe.Pointer(&buf[0])), 8)
}

func applyDelta32(addr, delta uintptr) error {
	buf := make([]byte, 4)
	if err := read(addr, uintptr(unsafe.Pointer(&buf[0])), 4); err != nil {
		return err
	}
	v := binary.LittleEndian.Uint32(buf) + uint32(delta)
	binary.LittleEndian.PutUint32(buf, v)
	return write(addr, uintptr(unsafe.Pointer(&buf[0])), 4)
}

// Protect switches the mapped region to its final execution protection
// once imports are resolved. prot is one of the PAGE_* constants.
func Protect(base, size uintptr, prot uint32) error {
	if bootstrapped.Load() {
		var old uintptr
		b, s := base, size
		status, err := api.NtProtectVirtualMemory(^uintptr(0), &b, &s, uintptr(prot), &old)
		if err != nil || status != 0 {
			return fmt.Errorf("[pe] NtProtectVirtualMemory failed: status=0x%X err=%v", status, err)
		}
		return nil
	}
	var old uintptr
	status, err := sys.NtProtectVirtualMemory(^uintptr(0), &base, &size, uintptr(prot), &old)
	if err != nil || status != 0 {
		return fmt.Errorf("[pe] NtProtectVirtualMemory (pre-bootstrap) failed: status=0x%X err=%v", status, err)
	}
	return nil
}

// Unmap releases a previously mapped image's address space.
func Unmap(base uintptr) error {
	if bootstrapped.Load() {
		result, err := api.Call("kernel32.dll", "VirtualFree", base, uintptr(0), uintptr(MEM_RELEASE))
		if err != nil {
			return fmt.Errorf("[pe] VirtualFree failed: %w", err)
		}
		if result == 0 {
			return fmt.Errorf("[pe] VirtualFree returned failure for base 0x%X", base)
		}
		return nil
	}
	var size uintptr
	status, err := sys.NtFreeVirtualMemory(^uintptr(0), &base, &size, MEM_RELEASE)
	if err != nil || status != 0 {
		return fmt.Errorf("[pe] NtFreeVirtualMemory (pre-bootstrap) failed: status=0x%X err=%v", status, err)
	}
	return nil
}

func reserve(preferredBase, size uintptr) (uintptr, error) {
	base := preferredBase
	if bootstrapped.Load() {
		status, err := api.NtAllocateVirtualMemory(^uintptr(0), &base, 0, &size, MEM_RESERVE|MEM_COMMIT, PAGE_READWRITE)
		if err != nil || status != 0 {
			return 0, fmt.Errorf("status=0x%X err=%v", status, err)
		}
		return base, nil
	}
	status, err := sys.NtAllocateVirtualMemory(^uintptr(0), &base, 0, &size, MEM_RESERVE|MEM_COMMIT, PAGE_READWRITE)
	if err != nil || status != 0 {
		return 0, fmt.Errorf("pre-bootstrap status=0x%X err=%v", status, err)
	}
	return base, nil
}

func write(dst, src, n uintptr) error {
	if bootstrapped.Load() {
		var written uintptr
		status, err := api.NtWriteVirtualMemory(^uintptr(0), dst, src, n, &written)
		if err != nil || status != 0 {
			return fmt.Errorf("status=0x%X err=%v", status, err)
		}
		return nil
	}
	status, err := sys.NtWriteVirtualMemory(^uintptr(0), dst, unsafe.Pointer(src), n, nil)
	if err != nil || status != 0 {
		return fmt.Errorf("pre-bootstrap status=0x%X err=%v", status, err)
	}
	return nil
}

func read(src, dst, n uintptr) error {
	if bootstrapped.Load() {
		status, err := api.NtReadVirtualMemory(^uintptr(0), src, dst, n, nil)
		if err != nil || status != 0 {
			return fmt.Errorf("status=0x%X err=%v", status, err)
		}
		return nil
	}
	status, err := sys.NtReadVirtualMemory(^uintptr(0), src, unsafe.Pointer(dst), n, nil)
	if err != nil || status != 0 {
		return fmt.Errorf("pre-bootstrap status=0x%X err=%v", status, err)
	}
	return nil
}
