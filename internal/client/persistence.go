package client

import "github.com/dbehnke/sfsclient/internal/client/statestore"

// ScannedChunk is one previously observed map-scan chunk reply, as
// recorded by a PersistenceStore. ObjectCount mirrors the count a gaa
// reply carried for that chunk so a later scan can both skip the
// chunk and still account for it in its own object tally.
type ScannedChunk struct {
	X, Y        int
	ObjectCount int
}

// HadObjects reports whether this chunk carried at least one map
// object the last time it was scanned.
func (c ScannedChunk) HadObjects() bool { return c.ObjectCount > 0 }

// PersistenceStore is the narrow contract for the optional persistence
// collaborator: a store that may persist discovered map objects and
// report which chunks have already been scanned for a kingdom. The
// core calls it through this interface and never assumes durability:
// a failing store degrades a map scan back to full coverage, it never
// aborts the scan or the session.
type PersistenceStore interface {
	Save(objects []*statestore.MapObject) error
	MarkChunkScanned(kingdom, x, y, objectCount int) error
	ScannedChunks(kingdom int) ([]ScannedChunk, error)
}
