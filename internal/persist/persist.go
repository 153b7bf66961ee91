// Package persist is the optional persistence collaborator for
// discovered world objects and scan coverage. The client core reaches
// it only through the abstract client.PersistenceStore contract and
// never assumes durability. Backed by GORM over SQLite.
package persist

import (
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	sfsclient "github.com/dbehnke/sfsclient/internal/client"
	"github.com/dbehnke/sfsclient/internal/client/statestore"
)

// MapObjectRecord is the persisted row for one discovered map object.
type MapObjectRecord struct {
	gorm.Model
	AreaID       int `gorm:"uniqueIndex"`
	KingdomID    int
	X, Y         int
	Type         int
	Level        int
	OwnerID      int
	OwnerName    string
	AllianceID   int
	AllianceName string
}

// ScannedChunk records that a chunk has been scanned for a kingdom,
// and how many map objects its reply carried, so a later scan can
// skip re-requesting it and still account for it in its own tally.
type ScannedChunk struct {
	gorm.Model
	KingdomID   int `gorm:"uniqueIndex:idx_chunk"`
	ChunkX      int `gorm:"uniqueIndex:idx_chunk"`
	ChunkY      int `gorm:"uniqueIndex:idx_chunk"`
	ObjectCount int
	ScannedAt   time.Time
}

// Store is the GORM/SQLite-backed persistence collaborator. It
// implements sfsclient.PersistenceStore.
type Store struct {
	db *gorm.DB
}

var _ sfsclient.PersistenceStore = (*Store)(nil)

// Open opens (and migrates) a SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&MapObjectRecord{}, &ScannedChunk{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Save upserts a batch of discovered map objects, keyed by AreaID. A
// second Save for an AreaID already on disk updates the existing row
// in place instead of violating the AreaID unique index; the core
// re-saves the same map objects on every reporting tick for as long as
// a session runs, so this path is exercised far more than once.
func (s *Store) Save(objects []*statestore.MapObject) error {
	if len(objects) == 0 {
		return nil
	}
	records := make([]MapObjectRecord, 0, len(objects))
	for _, o := range objects {
		records = append(records, MapObjectRecord{
			AreaID:       o.AreaID,
			KingdomID:    o.KingdomID,
			X:            o.X,
			Y:            o.Y,
			Type:         o.Type,
			Level:        o.Level,
			OwnerID:      o.OwnerID,
			OwnerName:    o.OwnerName,
			AllianceID:   o.AllianceID,
			AllianceName: o.AllianceName,
		})
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "area_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"kingdom_id", "x", "y", "type", "level",
			"owner_id", "owner_name", "alliance_id", "alliance_name", "updated_at",
		}),
	}).Create(&records).Error
}

// MarkChunkScanned records that (x, y) in kingdom has been scanned and
// how many objects its reply carried, upserting on the kingdom/x/y
// unique index so repeated scans of the same chunk update the row
// instead of failing on a duplicate insert.
func (s *Store) MarkChunkScanned(kingdom, x, y, objectCount int) error {
	chunk := ScannedChunk{KingdomID: kingdom, ChunkX: x, ChunkY: y, ObjectCount: objectCount, ScannedAt: time.Now()}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kingdom_id"}, {Name: "chunk_x"}, {Name: "chunk_y"}},
		DoUpdates: clause.AssignmentColumns([]string{"object_count", "scanned_at", "updated_at"}),
	}).Create(&chunk).Error
}

// ScannedChunks returns every chunk recorded as scanned for kingdom,
// satisfying sfsclient.PersistenceStore so internal/client/mapscan can
// consult prior coverage through the abstract contract rather than a
// concrete persist.Store reference.
func (s *Store) ScannedChunks(kingdom int) ([]sfsclient.ScannedChunk, error) {
	var rows []ScannedChunk
	if err := s.db.Where("kingdom_id = ?", kingdom).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]sfsclient.ScannedChunk, 0, len(rows))
	for _, r := range rows {
		out = append(out, sfsclient.ScannedChunk{X: r.ChunkX, Y: r.ChunkY, ObjectCount: r.ObjectCount})
	}
	return out, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
