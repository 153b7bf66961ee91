// Package mapscan implements the Request API's state-of-art example: a
// kingdom-wide map scan. Chunk requests are fire-and-forget and all
// chunk responses share the same command (gaa), so the scan uses one
// durable subscription rather than per-chunk waiters, tracks pending
// chunk coordinates per wave, and expands outward from a center point
// until every edge is bounded (an edge's outermost wave returned no
// objects) or an overall timeout fires.
package mapscan

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	sfsclient "github.com/dbehnke/sfsclient/internal/client"
	"github.com/dbehnke/sfsclient/internal/client/dispatch"
	"github.com/dbehnke/sfsclient/internal/client/frame"
)

// Chunk identifies one map grid cell by chunk (not tile) coordinates.
type Chunk struct {
	X, Y int
}

// direction is one of the four cardinal expansion directions tracked
// independently for boundary detection.
type direction int

const (
	north direction = iota
	east
	south
	west
)

var deltas = map[direction]Chunk{
	north: {0, -1},
	south: {0, 1},
	east:  {1, 0},
	west:  {-1, 0},
}

// sender is the narrow interface mapscan actually needs: fire a chunk
// request frame without waiting (the durable subscription below
// collects every gaa reply regardless of which request it answers).
type sender interface {
	Send(ctx context.Context, data []byte) error
}

// Scanner runs kingdom-wide map scans via a durable gaa subscription.
// An optional sfsclient.PersistenceStore lets a Scanner consult prior
// scan coverage so a later scan of the same kingdom skips
// re-requesting chunks it already knows, and records every fresh
// reply back to the store.
type Scanner struct {
	conn        sender
	disp        *dispatch.Dispatcher
	zone        string
	kingdom     int
	persistence sfsclient.PersistenceStore

	mu           sync.Mutex
	waveResults  map[Chunk]bool // true if the chunk's reply carried at least one object
	found        int
	maxWorkers   int
	pendingSaves []chunkSave
}

// chunkSave is a gaa reply queued for persistence. Replies are recorded
// on the dispatch path, which must not block on a disk write, so the
// scanner buffers them and flushes after each wave on its own
// goroutine.
type chunkSave struct {
	chunk   Chunk
	objects int
}

// New builds a Scanner bound to a zone, kingdom, Connection, and
// Dispatcher. maxWorkers bounds per-wave request concurrency; 0
// selects a small default. persistence is optional (nil is a valid,
// fully-functional Scanner that always does a full fresh scan); when
// given, it is consulted at the start of every Scan and the wave's gaa
// replies are written back to it after each wave completes.
func New(conn sender, disp *dispatch.Dispatcher, zone string, kingdom int, maxWorkers int, persistence sfsclient.PersistenceStore) *Scanner {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Scanner{conn: conn, disp: disp, zone: zone, kingdom: kingdom, maxWorkers: maxWorkers, persistence: persistence}
}

// Result summarizes a completed scan.
type Result struct {
	Waves        int
	ObjectsFound int
	BoundedEdges int
}

// Scan expands outward from center in the four cardinal directions,
// one chunk per direction per wave, starting with center itself plus
// its four immediate neighbors as wave 1. A direction stops expanding
// once a wave's chunk in that direction comes back empty; the scan
// terminates once every direction is bounded or overallTimeout elapses.
// Chunks the persistence store already has on record are not
// re-requested over the wire; their recorded object count is folded
// into the result and into boundary detection directly.
func (s *Scanner) Scan(ctx context.Context, center Chunk, waveTimeout, overallTimeout time.Duration) (Result, error) {
	sub := s.disp.Subscribe("gaa", s.recordReply)
	defer s.disp.Unsubscribe(sub)

	prior := s.loadPriorScans()

	bounded := map[direction]bool{}
	deadline := time.Now().Add(overallTimeout)
	waves := 0

	for radius := 1; ; radius++ {
		if time.Now().After(deadline) {
			break
		}
		coords := s.waveCoords(center, radius, bounded)
		if len(coords) == 0 {
			break
		}

		s.mu.Lock()
		s.waveResults = make(map[Chunk]bool, len(coords))
		s.mu.Unlock()

		s.runWave(ctx, coords, waveTimeout, prior)
		s.flushPendingSaves()
		waves++

		s.markBoundedDirections(center, radius, bounded, coords)
		if allBounded(bounded) {
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return Result{Waves: waves, ObjectsFound: s.found, BoundedEdges: len(bounded)}, nil
}

// loadPriorScans fetches this kingdom's previously recorded chunk
// coverage from the persistence store. A nil store, or one that
// errors, simply yields no prior coverage; persistence is an
// optimization the Scanner never depends on for correctness.
func (s *Scanner) loadPriorScans() map[Chunk]sfsclient.ScannedChunk {
	if s.persistence == nil {
		return nil
	}
	chunks, err := s.persistence.ScannedChunks(s.kingdom)
	if err != nil {
		log.Printf("[mapscan] failed to load prior scan coverage for kingdom %d: %v", s.kingdom, err)
		return nil
	}
	prior := make(map[Chunk]sfsclient.ScannedChunk, len(chunks))
	for _, c := range chunks {
		prior[Chunk{X: c.X, Y: c.Y}] = c
	}
	return prior
}

// waveCoords returns the chunks to request for this wave: wave 1 is
// center plus its four cardinal neighbors; later waves are one chunk
// per still-unbounded direction at the given radius.
func (s *Scanner) waveCoords(center Chunk, radius int, bounded map[direction]bool) []Chunk {
	var coords []Chunk
	if radius == 1 {
		coords = append(coords, center)
	}
	for dir, delta := range deltas {
		if bounded[dir] {
			continue
		}
		coords = append(coords, Chunk{X: center.X + delta.X*radius, Y: center.Y + delta.Y*radius})
	}
	return coords
}

func (s *Scanner) markBoundedDirections(center Chunk, radius int, bounded map[direction]bool, requested []Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dir, delta := range deltas {
		if bounded[dir] {
			continue
		}
		c := Chunk{X: center.X + delta.X*radius, Y: center.Y + delta.Y*radius}
		if hadObject, asked := s.waveResults[c]; asked && !hadObject {
			bounded[dir] = true
		}
	}
}

func allBounded(bounded map[direction]bool) bool {
	return bounded[north] && bounded[south] && bounded[east] && bounded[west]
}

// runWave fires every chunk request in the wave with bounded
// concurrency via conc/pool, each waiting up to waveTimeout for its
// own gaa reply to surface through the shared subscription. Chunks
// already present in prior are resolved from the persistence store
// without touching the wire.
func (s *Scanner) runWave(ctx context.Context, coords []Chunk, waveTimeout time.Duration, prior map[Chunk]sfsclient.ScannedChunk) {
	p := pool.New().WithMaxGoroutines(s.maxWorkers)
	for _, c := range coords {
		c := c
		p.Go(func() {
			s.requestChunk(ctx, c, waveTimeout, prior)
		})
	}
	p.Wait()
}

func (s *Scanner) requestChunk(ctx context.Context, c Chunk, timeout time.Duration, prior map[Chunk]sfsclient.ScannedChunk) {
	if rec, ok := prior[c]; ok {
		s.mu.Lock()
		s.waveResults[c] = rec.HadObjects()
		s.found += rec.ObjectCount
		s.mu.Unlock()
		return
	}

	body, err := frame.EncodeExtension(s.zone, "gaa", 0, map[string]interface{}{
		"KID": s.kingdom,
		"CX":  c.X,
		"CY":  c.Y,
	})
	if err != nil {
		return
	}
	_ = s.conn.Send(ctx, body)

	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		_, got := s.waveResults[c]
		s.mu.Unlock()
		if got || time.Now().After(deadline) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// recordReply is the durable gaa subscription handler. It identifies
// which requested chunk a reply answers via the CX/CY fields echoed in
// the response payload, records whether it carried objects, and queues
// the result for persistence so the next Scan of this kingdom can
// skip it.
func (s *Scanner) recordReply(pkt frame.Packet) {
	data, ok := pkt.JSON.(map[string]interface{})
	if !ok {
		return
	}
	cx, cxOK := data["CX"].(float64)
	cy, cyOK := data["CY"].(float64)
	if !cxOK || !cyOK {
		return
	}
	c := Chunk{X: int(cx), Y: int(cy)}

	objects := 0
	if ai, ok := data["AI"].([]interface{}); ok {
		objects = len(ai)
	}

	s.mu.Lock()
	if s.waveResults == nil {
		s.mu.Unlock()
		return
	}
	s.waveResults[c] = objects > 0
	s.found += objects
	if s.persistence != nil {
		s.pendingSaves = append(s.pendingSaves, chunkSave{chunk: c, objects: objects})
	}
	s.mu.Unlock()
}

// flushPendingSaves writes the wave's buffered gaa replies to the
// persistence store, off the dispatch path.
func (s *Scanner) flushPendingSaves() {
	s.mu.Lock()
	saves := s.pendingSaves
	s.pendingSaves = nil
	s.mu.Unlock()

	for _, save := range saves {
		if err := s.persistence.MarkChunkScanned(s.kingdom, save.chunk.X, save.chunk.Y, save.objects); err != nil {
			log.Printf("[mapscan] failed to persist scanned chunk (%d,%d): %v", save.chunk.X, save.chunk.Y, err)
		}
	}
}
