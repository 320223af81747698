package loader

import (
	"fmt"
	"path/filepath"

	"github.com/jizhongqing/dynamorio/internal/logging"
	"github.com/jizhongqing/dynamorio/pkg/pe"
	"github.com/jizhongqing/dynamorio/pkg/redirect"

	api "github.com/carved4/go-wincall"
)

// maxForwarderDepth and maxDependencyDepth guard against a cyclic or
// pathologically long forwarder/dependency chain spinning forever.
const (
	maxForwarderDepth  = 10
	maxDependencyDepth = 10
)

// resolveImports walks m's import descriptors, recursively loading any
// dependency not already in the registry, and writes the resolved (and
// possibly redirected) address into each IAT slot. Partial-write failures
// are fatal: once any descriptor has been bound, a later failure unloads m
// here before the error is returned.
func (d *Driver) resolveImports(tok token, m *Module, img *pe.Image, depth int) error {
	if depth > maxDependencyDepth {
		return newErr(ResourceExhaustion, m.Name, fmt.Errorf("dependency chain too deep"))
	}

	descriptors, err := pe.Imports(img)
	if err != nil {
		return newErr(MalformedImage, m.Name, err)
	}

	wroteAny := false
	for _, desc := range descriptors {
		depMod, depImg, err := d.ensureDependency(tok, desc.Name, depth)
		if err != nil {
			if wroteAny {
				d.unloadLocked(tok, m.Base)
			}
			return newErr(DependencyNotFound, desc.Name, err)
		}

		if err := d.bindThunks(m, img, depMod, depImg, desc); err != nil {
			if wroteAny {
				d.unloadLocked(tok, m.Base)
			}
			return err
		}
		wroteAny = true
	}
	return nil
}

// ensureDependency returns the dependency's registry record and mapped
// image, loading it via the search resolver + mapper if it is not
// already present. Externally-loaded donors (ntdll, kernel32, ...) have
// no Image of their own; depImg is nil for them and bindThunks resolves
// their exports through go-wincall instead.
func (d *Driver) ensureDependency(tok token, name string, depth int) (*Module, *pe.Image, error) {
	if existing := d.registry.LookupByName(name); existing != nil {
		if !existing.ExternallyLoaded {
			existing.RefCount++
		}
		return existing, d.images[existing.Base], nil
	}

	path, err := d.search.Resolve(name)
	if err != nil {
		// Not resolvable on disk: may still be a system DLL the host
		// loader already owns (e.g. a forwarder target we haven't seen
		// yet). Treat it as externally loaded if GetModuleHandle succeeds.
		if base, ok := externalModuleHandle(name); ok {
			m := d.registry.Insert(d.lastInserted, base, 0, name, true)
			return m, nil, nil
		}
		return nil, nil, err
	}

	raw, err := pe.ReadFile(path)
	if err != nil {
		return nil, nil, newErr(FileNotFound, name, err)
	}
	img, err := pe.Map(raw)
	if err != nil {
		return nil, nil, newErr(NotRelocatable, name, err)
	}

	m := d.registry.Insert(d.lastInserted, img.Base, img.Size, filepath.Base(path), false)
	d.images[img.Base] = img
	prevInserted := d.lastInserted
	d.lastInserted = m

	if err := d.finalize(tok, m, img, depth+1); err != nil {
		d.lastInserted = prevInserted
		return nil, nil, err
	}
	return m, img, nil
}

func externalModuleHandle(name string) (uintptr, bool) {
	base, err := api.Call("kernel32.dll", "GetModuleHandleA", cstrArg(name))
	if err != nil || base == 0 {
		return 0, false
	}
	return base, true
}

func cstrArg(s string) uintptr {
	b := append([]byte(s), 0)
	return uintptrOf(&b[0])
}

// bindThunks walks OriginalFirstThunk/FirstThunk in lockstep for one
// import descriptor and writes each resolved address into the IAT.
func (d *Driver) bindThunks(m *Module, img *pe.Image, depMod *Module, depImg *pe.Image, desc pe.ImportDescriptor) error {
	lookupRVA := desc.OriginalFirstThunk
	if lookupRVA == 0 {
		lookupRVA = desc.FirstThunk
	}

	lookupAddr := img.Base + uintptr(lookupRVA)
	iatAddr := img.Base + uintptr(desc.FirstThunk)

	for {
		thunk := readThunk(lookupAddr)
		if thunk == 0 {
			break
		}
		if pe.IsMSBSet(thunk) {
			return newErr(UnsupportedFeature, m.Name, fmt.Errorf("ordinal import from %s", desc.Name))
		}

		_, symbol, err := pe.ParseFuncAddress(img.Base, img.Size, thunk)
		if err != nil {
			return newErr(MalformedImage, m.Name, err)
		}

		addr, err := d.resolveSymbol(depMod, depImg, desc.Name, symbol, 0)
		if err != nil {
			return newErr(MalformedImage, m.Name, err)
		}

		if sub, ok := redirect.Lookup(desc.Name, symbol); ok {
			addr = sub
		}

		if err := writeIATSlot(iatAddr, addr); err != nil {
			return newErr(MalformedImage, m.Name, err)
		}

		lookupAddr += 8
		iatAddr += 8
	}
	return nil
}

// resolveSymbol resolves symbol against depMod/depImg, following a
// forwarder chain up to maxForwarderDepth hops. depImg nil means an
// externally-loaded donor: resolve via GetProcAddress instead of our own
// export-directory walk.
func (d *Driver) resolveSymbol(depMod *Module, depImg *pe.Image, donorHint, symbol string, hop int) (uintptr, error) {
	if hop > maxForwarderDepth {
		return 0, fmt.Errorf("forwarder chain exceeded depth %d resolving %s", maxForwarderDepth, symbol)
	}

	if depImg == nil {
		proc, err := api.Call("kernel32.dll", "GetProcAddress", depMod.Base, cstrArg(symbol))
		if err != nil || proc == 0 {
			return 0, fmt.Errorf("GetProcAddress failed for %s!%s: %v", depMod.Name, symbol, err)
		}
		return proc, nil
	}

	rva, ok, err := pe.ExportRVA(depImg, symbol)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%s does not export %s", depMod.Name, symbol)
	}

	if pe.IsForwarder(depImg, rva) {
		targetDLL, targetSymbol, err := pe.ForwarderTarget(depImg, rva)
		if err != nil {
			return 0, fmt.Errorf("forwarder string for %s!%s: %w", depMod.Name, symbol, err)
		}
		logging.Debugf("forwarder %s!%s -> %s!%s", depMod.Name, symbol, targetDLL, targetSymbol)

		nextMod, nextImg, err := d.ensureDependency(0, targetDLL, 0)
		if err != nil {
			return 0, fmt.Errorf("forwarder target %s unavailable: %w", targetDLL, err)
		}
		return d.resolveSymbol(nextMod, nextImg, targetDLL, targetSymbol, hop+1)
	}

	return depImg.Base + uintptr(rva), nil
}

func readThunk(addr uintptr) uint64 {
	return *(*uint64)(ptrOf(addr))
}

// writeIATSlot switches the containing page to read-write, writes the
// resolved address, then restores execute-read protection.
func writeIATSlot(addr uintptr, value uintptr) error {
	page := addr &^ 0xFFF
	if err := pe.Protect(page, 0x1000, pe.PAGE_READWRITE); err != nil {
		return err
	}
	*(*uint64)(ptrOf(addr)) = uint64(value)
	return pe.Protect(page, 0x1000, pe.PAGE_EXECUTE_READ)
}
