package snap

import "fmt"

// makeUnique gives a logical chunk its own place to live before a write.
//
// For origin writes (snapbit == OriginSnapBit) an exception is created
// covering every snapshot that still maps the chunk to the origin, and the
// chunk's current contents are copied out. For snapshot writes the
// writer's bit is unshared from any existing exception into a private one.
// Returns the exception address and whether a new exception (and copy-out)
// was produced; an origin chunk that is already unique returns (0, false).
func (e *Engine) makeUnique(chunk uint64, snapbit int) (uint64, bool, error) {
	// Preflight: worst-case tree growth in metadata plus one data chunk,
	// squashing victims if the store is full.
	if e.combined() {
		if err := e.ensureFreeChunks(&e.meta, MaxNewMetachunks+1); err != nil {
			return 0, false, err
		}
	} else {
		if err := e.ensureFreeChunks(&e.meta, MaxNewMetachunks); err != nil {
			return 0, false, err
		}
		if err := e.ensureFreeChunks(&e.snap, 1); err != nil {
			return 0, false, err
		}
	}

	leafbuf, path, err := e.probe(chunk)
	if err != nil {
		return 0, false, err
	}
	defer e.releasePath(path)

	l := asLeaf(leafbuf.Data)
	var shared uint64
	if snapbit == OriginSnapBit {
		if l.originUnique(chunk, e.snapmask) {
			e.cache.Release(leafbuf)
			return 0, false, nil
		}
	} else {
		unique, exc := l.snapshotUnique(chunk, snapbit)
		if unique {
			e.cache.Release(leafbuf)
			return exc, false, nil
		}
		shared = exc
	}

	newex, err := e.allocException()
	if err != nil {
		e.cache.Release(leafbuf)
		return 0, false, fmt.Errorf("allocate exception for chunk %d: %w", chunk, err)
	}

	// A snapshot write that unshares an existing exception copies the
	// shared data from the snapshot store; everything else copies the
	// origin.
	src := chunk
	if shared != 0 {
		src = shared | srcSnapBit
	}
	if err := e.copyout(src, newex); err != nil {
		e.cache.Release(leafbuf)
		return 0, false, err
	}

	if err := e.addExceptionToTree(leafbuf, chunk, newex, snapbit, path); err != nil {
		if ferr := e.freeException(newex); ferr != nil {
			return 0, false, ferr
		}
		return 0, false, fmt.Errorf("add exception to tree: %w", err)
	}
	return newex, true, nil
}

// testUnique answers the uniqueness question without modifying anything.
// The exception address is zero when the chunk resolves to the origin.
func (e *Engine) testUnique(chunk uint64, snapbit int) (bool, uint64, error) {
	leafbuf, path, err := e.probe(chunk)
	if err != nil {
		return false, 0, err
	}
	l := asLeaf(leafbuf.Data)
	var unique bool
	var exception uint64
	if snapbit == OriginSnapBit {
		unique = l.originUnique(chunk, e.snapmask)
	} else {
		unique, exception = l.snapshotUnique(chunk, snapbit)
	}
	e.cache.Release(leafbuf)
	e.releasePath(path)
	return unique, exception, nil
}
