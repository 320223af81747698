package loader

import (
	"fmt"
	"path/filepath"

	"github.com/jizhongqing/dynamorio/internal/logging"
	"github.com/jizhongqing/dynamorio/pkg/pe"
	"github.com/jizhongqing/dynamorio/pkg/redirect"

	api "github.com/carved4/go-wincall"
)

// Config carries the client libraries to bootstrap at Init, mirroring
// the static client-library list loader.c's process bootstrap supplies.
type Config struct {
	// ClientLibraries are already-built DLL paths to map and finalize
	// during Init, before the allocator-aware mapping backend is used.
	ClientLibraries []string
	// ExternalDonors names modules the host loader has already mapped
	// (ntdll, the runtime's own image, user32 if present) that should be
	// registered as externally-loaded so dependency resolution can find
	// them without trying to map them itself.
	ExternalDonors []string
}

// Driver is the Lifecycle Driver (component G): the loader's public
// entry points, init/shutdown/load/unload/thread-attach/thread-detach.
type Driver struct {
	cfg      Config
	registry *Registry
	search   *searchPaths
	lock     *recursiveLock

	images       map[uintptr]*pe.Image
	lastInserted *Module
}

// New constructs a Driver. Init must be called before Load/Unload/
// ThreadAttach/ThreadDetach are usable.
func New(cfg Config) *Driver {
	return &Driver{
		cfg:      cfg,
		registry: NewRegistry(),
		search:   newSearchPaths(),
		lock:     newRecursiveLock(),
		images:   make(map[uintptr]*pe.Image),
	}
}

// Init creates the FLS head sentinel (via the redirect package's own
// init), records the system root, registers the already-mapped host
// dependencies as externally-loaded, and finalizes every client library
// that was mapped during bootstrap.
func (d *Driver) Init() error {
	tok := newToken()
	d.lock.lock(tok)
	defer d.lock.unlock(tok)

	if err := d.search.CaptureSystemRoot(); err != nil {
		logging.Warnf("%v, continuing without a system root", err)
	}

	redirect.SetModuleLookup(driverLookup{d})
	redirect.SetModuleRangeCheck(driverLookup{d})
	if peb, err := processHeapHandle(); err == nil {
		redirect.SetProcessHeap(peb)
	}

	for _, donor := range d.cfg.ExternalDonors {
		base, ok := externalModuleHandle(donor)
		if !ok {
			logging.Warnf("external donor %s not found in host process", donor)
			continue
		}
		d.registry.Insert(d.lastInserted, base, 0, donor, true)
	}

	for _, path := range d.cfg.ClientLibraries {
		d.search.AddClientDir(filepath.Dir(path))
	}

	for _, path := range d.cfg.ClientLibraries {
		if _, err := d.loadLocked(tok, path); err != nil {
			return fmt.Errorf("[loader] bootstrap load of %s failed: %w", path, err)
		}
	}

	migrated := d.registry.MarkAllocatorLive()
	pe.SetBootstrapped()
	for _, m := range migrated {
		logging.Debugf("bootstrap module %s was inserted before the allocator came up", m.Name)
	}
	return nil
}

// Shutdown unloads the head of the registry repeatedly until empty.
func (d *Driver) Shutdown() {
	tok := newToken()
	d.lock.lock(tok)
	defer d.lock.unlock(tok)

	for {
		head := d.registry.Head()
		if head == nil {
			break
		}
		d.unloadLocked(tok, head.Base)
	}
}

// Load maps filename (resolving it through the search-path resolver if
// it isn't an absolute path already) and returns its base address.
func (d *Driver) Load(filename string) (uintptr, error) {
	tok := newToken()
	d.lock.lock(tok)
	defer d.lock.unlock(tok)
	return d.loadLocked(tok, filename)
}

func (d *Driver) loadLocked(tok token, filename string) (uintptr, error) {
	name := filepath.Base(filename)
	if existing := d.registry.LookupByName(name); existing != nil {
		existing.RefCount++
		return existing.Base, nil
	}

	path := filename
	if !filepath.IsAbs(path) {
		resolved, err := d.search.Resolve(name)
		if err != nil {
			path = filename // try as given; may already be reachable
		} else {
			path = resolved
		}
	}

	raw, err := pe.ReadFile(path)
	if err != nil {
		return 0, newErr(FileNotFound, name, err)
	}
	img, err := pe.Map(raw)
	if err != nil {
		return 0, newErr(NotRelocatable, name, err)
	}

	m := d.registry.Insert(d.lastInserted, img.Base, img.Size, name, false)
	d.images[img.Base] = img
	prevInserted := d.lastInserted
	d.lastInserted = m

	if err := d.finalize(tok, m, img, 0); err != nil {
		d.lastInserted = prevInserted
		d.teardown(m, img)
		return 0, err
	}
	return img.Base, nil
}

// finalize is the post-mapping phase (GLOSSARY): resolve imports, then
// call the entry point with PROCESS_ATTACH.
func (d *Driver) finalize(tok token, m *Module, img *pe.Image, depth int) error {
	if err := d.resolveImports(tok, m, img, depth); err != nil {
		return err
	}
	if err := pe.Protect(img.Base, img.Size, pe.PAGE_EXECUTE_READ); err != nil {
		return newErr(RelocationFailed, m.Name, err)
	}
	if ok, err := callEntry(img, m.Base, pe.DLL_PROCESS_ATTACH); err != nil || !ok {
		return newErr(EntryPointFailure, m.Name, err)
	}
	return nil
}

func (d *Driver) teardown(m *Module, img *pe.Image) {
	d.registry.Remove(m)
	delete(d.images, img.Base)
	if err := pe.Unmap(img.Base); err != nil {
		logging.Warnf("failed to unmap %s after finalize failure: %v", m.Name, err)
	}
}

// Unload decrements m's ref count; at zero it is unlinked, its entry is
// called with PROCESS_DETACH, its own imports are released, and its
// mapping is torn down. Externally-loaded modules skip unmap/entry-call.
func (d *Driver) Unload(base uintptr) bool {
	tok := newToken()
	d.lock.lock(tok)
	defer d.lock.unlock(tok)
	return d.unloadLocked(tok, base)
}

func (d *Driver) unloadLocked(tok token, base uintptr) bool {
	m := d.registry.LookupByBase(base)
	if m == nil {
		return false
	}
	m.RefCount--
	if m.RefCount > 0 {
		return true
	}

	if m.ExternallyLoaded {
		d.registry.Remove(m)
		return true
	}

	img := d.images[base]
	if img != nil {
		if ok, err := callEntry(img, m.Base, pe.DLL_PROCESS_DETACH); err != nil || !ok {
			logging.Warnf("entry point for %s returned failure on PROCESS_DETACH", m.Name)
		}
		d.releaseImports(tok, img)
	}
	d.teardown(m, img)
	return true
}

// releaseImports walks m's dependency names again and decrements their
// ref counts, unloading any that reach zero -- the symmetric counterpart
// to resolveImports, matching loader.c's unload_imports walk.
func (d *Driver) releaseImports(tok token, img *pe.Image) {
	descriptors, err := pe.Imports(img)
	if err != nil {
		return
	}
	for _, desc := range descriptors {
		dep := d.registry.LookupByName(desc.Name)
		if dep == nil || dep.ExternallyLoaded {
			continue
		}
		d.unloadLocked(tok, dep.Base)
	}
}

// ThreadAttach iterates the registry in forward list order (dependencies
// last) and calls each non-externally-loaded module's entry with
// DLL_THREAD_ATTACH. Detach uses the same forward order rather than the
// usual reverse convention, matching loader.c's own thread-event walk.
// Serialized against Load/Unload via the same recursive loader lock those
// entry points take, so a concurrent load/unload of the modules being
// walked can't race the images map.
func (d *Driver) ThreadAttach() {
	tok := newToken()
	d.lock.lock(tok)
	defer d.lock.unlock(tok)
	d.walkThreadEvent(pe.DLL_THREAD_ATTACH)
}

func (d *Driver) ThreadDetach() {
	tok := newToken()
	d.lock.lock(tok)
	defer d.lock.unlock(tok)
	d.walkThreadEvent(pe.DLL_THREAD_DETACH)
}

func (d *Driver) walkThreadEvent(reason uint32) {
	for _, m := range d.registry.Forward() {
		if m.ExternallyLoaded {
			continue
		}
		img := d.images[m.Base]
		if img == nil {
			continue
		}
		if _, err := callEntry(img, m.Base, reason); err != nil {
			logging.Warnf("thread event %d failed for %s: %v", reason, m.Name, err)
		}
	}
}

// Contains reports whether p falls inside any registered module's range.
func (d *Driver) Contains(p uintptr) bool {
	return d.registry.Contains(p)
}

func callEntry(img *pe.Image, base uintptr, reason uint32) (bool, error) {
	if img.Nt.OptionalHeader.AddressOfEntryPoint == 0 {
		return true, nil
	}
	result, err := api.CallWorker(img.EntryPoint(), base, uintptr(reason), 0)
	if err != nil {
		return false, err
	}
	return result != 0, nil
}

func processHeapHandle() (uintptr, error) {
	peb, err := api.Call("kernel32.dll", "GetProcessHeap")
	if err != nil {
		return 0, err
	}
	return peb, nil
}

// driverLookup adapts *Driver to the small interfaces pkg/redirect needs
// without importing pkg/loader back (which would cycle).
type driverLookup struct{ d *Driver }

func (l driverLookup) ModuleByName(name string) (uintptr, uintptr, bool) {
	m := l.d.registry.LookupByName(name)
	if m == nil {
		return 0, 0, false
	}
	return m.Base, m.Size, true
}

func (l driverLookup) ModuleByBase(base uintptr) (string, uintptr, bool) {
	m := l.d.registry.LookupByBase(base)
	if m == nil {
		return "", 0, false
	}
	return m.Name, m.Size, true
}

func (l driverLookup) ModuleExport(base uintptr, name string) (uintptr, bool) {
	img := l.d.images[base]
	if img == nil {
		return 0, false
	}
	rva, ok, err := pe.ExportRVA(img, name)
	if err != nil || !ok {
		return 0, false
	}
	return img.Base + uintptr(rva), true
}

func (l driverLookup) Contains(p uintptr) bool {
	return l.d.registry.Contains(p)
}
