package mapscan

import (
	"context"
	"testing"
	"time"

	sfsclient "github.com/dbehnke/sfsclient/internal/client"
	"github.com/dbehnke/sfsclient/internal/client/dispatch"
	"github.com/dbehnke/sfsclient/internal/client/frame"
	"github.com/dbehnke/sfsclient/internal/client/statestore"
)

// fakeConn decodes each outgoing gaa request and immediately dispatches
// a scripted reply keyed by (CX, CY), exactly mirroring a server that
// answers each chunk request independently and out of order.
type fakeConn struct {
	disp    *dispatch.Dispatcher
	objects map[Chunk]int // chunk -> object count in its reply
}

func (f *fakeConn) Send(ctx context.Context, data []byte) error {
	pkt, err := frame.Decode(data)
	if err != nil || pkt.Command != "gaa" {
		return nil
	}
	body, _ := pkt.JSON.(map[string]interface{})
	cx := int(body["CX"].(float64))
	cy := int(body["CY"].(float64))
	c := Chunk{X: cx, Y: cy}

	count := f.objects[c]
	ai := make([]interface{}, count)
	for i := range ai {
		ai[i] = map[string]interface{}{"type": 1}
	}

	go f.disp.Dispatch(frame.Packet{
		Dialect: frame.Extension,
		Command: "gaa",
		JSON: map[string]interface{}{
			"CX": float64(cx),
			"CY": float64(cy),
			"AI": ai,
		},
	})
	return nil
}

func TestScanTerminatesAfterTwoWavesWithBoundary(t *testing.T) {
	disp := dispatch.New()
	center := Chunk{X: 7, Y: 7}

	conn := &fakeConn{
		disp: disp,
		objects: map[Chunk]int{
			{X: 7, Y: 7}: 1,
			{X: 8, Y: 7}: 1, // east
			{X: 6, Y: 7}: 1, // west
			{X: 7, Y: 6}: 1, // north
			{X: 7, Y: 8}: 1, // south
			// radius-2 ring: all empty (absent from the map => 0)
		},
	}

	s := New(conn, disp, "Z", 0, 4, nil)
	result, err := s.Scan(context.Background(), center, 200*time.Millisecond, 2*time.Second)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.Waves != 2 {
		t.Fatalf("expected exactly 2 waves, got %d", result.Waves)
	}
	if result.ObjectsFound != 5 {
		t.Fatalf("expected 5 objects found, got %d", result.ObjectsFound)
	}
	if result.BoundedEdges != 4 {
		t.Fatalf("expected all 4 edges bounded, got %d", result.BoundedEdges)
	}
}

// fakePersistence is a minimal in-memory sfsclient.PersistenceStore for
// exercising the prior-coverage skip path without a real database.
type fakePersistence struct {
	prior  []sfsclient.ScannedChunk
	marked map[Chunk]int
}

func (f *fakePersistence) Save(objects []*statestore.MapObject) error { return nil }

func (f *fakePersistence) MarkChunkScanned(kingdom, x, y, objectCount int) error {
	if f.marked == nil {
		f.marked = map[Chunk]int{}
	}
	f.marked[Chunk{X: x, Y: y}] = objectCount
	return nil
}

func (f *fakePersistence) ScannedChunks(kingdom int) ([]sfsclient.ScannedChunk, error) {
	return f.prior, nil
}

// TestScanSkipsChunksAlreadyRecordedByPersistence verifies the scan
// consults prior coverage instead of re-requesting chunks the store
// already has on record.
func TestScanSkipsChunksAlreadyRecordedByPersistence(t *testing.T) {
	disp := dispatch.New()
	center := Chunk{X: 7, Y: 7}

	// conn has no scripted objects for the center chunk: if the scan
	// requests it over the wire instead of resolving it from prior
	// coverage, the reply carries zero objects and the test's
	// ObjectsFound assertion will fail.
	conn := &fakeConn{
		disp: disp,
		objects: map[Chunk]int{
			{X: 8, Y: 7}: 0,
			{X: 6, Y: 7}: 0,
			{X: 7, Y: 6}: 0,
			{X: 7, Y: 8}: 0,
		},
	}

	persistence := &fakePersistence{
		prior: []sfsclient.ScannedChunk{{X: 7, Y: 7, ObjectCount: 3}},
	}

	s := New(conn, disp, "Z", 0, 4, persistence)
	result, err := s.Scan(context.Background(), center, 100*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.ObjectsFound != 3 {
		t.Fatalf("expected the 3 objects from prior coverage, got %d", result.ObjectsFound)
	}
	if result.Waves != 1 {
		t.Fatalf("expected a single wave since all four radius-1 neighbors are empty, got %d", result.Waves)
	}
}
