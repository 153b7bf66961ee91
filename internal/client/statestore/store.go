// Package statestore is the single-writer, many-reader derived model
// of the remote world: players, castles, resources, map objects, and
// army movements. All mutation happens on the dispatch path via
// Apply; every exported read method takes a read lock so a reader
// never observes a partially-applied packet.
package statestore

import (
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dbehnke/sfsclient/internal/client/dispatch"
	"github.com/dbehnke/sfsclient/internal/client/frame"
)

// IncomingAttackFunc is invoked once per first observation of an
// attack-class movement, regardless of whether it targets the local
// player; the consumer decides what "incoming" means to it.
type IncomingAttackFunc func(*Movement)

// MovementRecalledFunc is invoked when an active movement disappears
// from a gam snapshot without a corresponding atv/ata arrival.
type MovementRecalledFunc func(*Movement)

type ownerInfo struct {
	name         string
	allianceName string
}

// Store is the exclusive owner of Player, Castle, Resources, Movement,
// MapObject, and Army data.
type Store struct {
	mu sync.RWMutex

	player  *Player
	castles map[int]*Castle

	movements           map[int]*Movement
	previousMovementIDs map[int]struct{}
	arrivedIDs          map[int]struct{}

	mapObjects map[int]*MapObject
	armies     map[int]*Army

	ownerCache *lru.Cache[int, ownerInfo]

	OnIncomingAttack   IncomingAttackFunc
	OnMovementRecalled MovementRecalledFunc
}

// New returns an empty Store. ownerCacheSize bounds the owner/alliance
// name decoration cache populated from gam's owner directory and
// consulted when decorating gaa map objects; a long map scan can touch
// far more owners than are worth retaining indefinitely.
func New(ownerCacheSize int) *Store {
	if ownerCacheSize <= 0 {
		ownerCacheSize = 512
	}
	cache, err := lru.New[int, ownerInfo](ownerCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, already guarded above.
		panic(err)
	}
	return &Store{
		castles:             make(map[int]*Castle),
		movements:           make(map[int]*Movement),
		previousMovementIDs: make(map[int]struct{}),
		arrivedIDs:          make(map[int]struct{}),
		mapObjects:          make(map[int]*MapObject),
		armies:              make(map[int]*Army),
		ownerCache:          cache,
	}
}

// Apply is the central update router, dispatched from the Dispatcher's
// subscription path for each command this Store owns.
func (s *Store) Apply(pkt frame.Packet) {
	payload, _ := pkt.JSON.(map[string]interface{})
	if payload == nil {
		return
	}
	switch pkt.Command {
	case "gbd":
		s.handleGBD(payload)
	case "dcl":
		s.handleDCL(payload)
	case "gam":
		s.handleGAM(payload)
	case "mov":
		s.handleMov(payload)
	case "atv":
		s.handleArrival(payload)
	case "ata":
		s.handleArrival(payload)
	case "gaa":
		s.handleGAA(payload)
	}
}

// Subscribe registers Apply against every command this Store owns.
func (s *Store) Subscribe(d *dispatch.Dispatcher) {
	for _, cmd := range []string{"gbd", "dcl", "gam", "mov", "atv", "ata", "gaa"} {
		d.Subscribe(cmd, s.Apply)
	}
}

func (s *Store) handleGBD(data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gpi := asMap(data["gpi"]); gpi != nil {
		pid := asInt(gpi["PID"])
		if pid != 0 {
			if s.player != nil && s.player.ID != pid {
				s.resetLocked()
			}
			if s.player == nil {
				s.player = &Player{ID: pid, Castles: make(map[int]*Castle)}
			}
			s.player.ID = pid
			if n, ok := gpi["N"]; ok {
				s.player.Name = asString(n)
			}
		}
	}

	if s.player == nil {
		return
	}

	if gxp := asMap(data["gxp"]); gxp != nil {
		s.player.Level = asInt(gxp["LVL"])
		s.player.XP = asInt(gxp["XP"])
		s.player.LegendaryLevel = asInt(gxp["LL"])
		s.player.XPToNext = asInt(gxp["XPTNL"])
	}

	if gcu := asMap(data["gcu"]); gcu != nil {
		s.player.Gold = asInt(gcu["C1"])
		s.player.Rubies = asInt(gcu["C2"])
	}

	if gal := asMap(data["gal"]); gal != nil {
		if aid := asInt(gal["AID"]); aid != 0 {
			s.player.AllianceID = aid
			s.player.AllianceName = asString(gal["N"])
			s.player.AllianceTag = asString(gal["TAG"])
		}
	}

	if gcl := asMap(data["gcl"]); gcl != nil {
		for _, kRaw := range asSlice(gcl["C"]) {
			k := asMap(kRaw)
			if k == nil {
				continue
			}
			kid := asInt(k["KID"])
			for _, entryRaw := range asSlice(k["AI"]) {
				entry := asMap(entryRaw)
				if entry == nil {
					continue
				}
				ai := asSlice(entry["AI"])
				if len(ai) <= 10 {
					continue
				}
				ownerID := asInt(ai[4])
				if ownerID != s.player.ID {
					continue
				}
				areaID := asInt(ai[3])
				castle := &Castle{
					AreaID:    areaID,
					KingdomID: kid,
					X:         asInt(ai[0]),
					Y:         asInt(ai[1]),
					Name:      asString(ai[10]),
					Units:     make(map[int]int),
				}
				s.castles[areaID] = castle
				s.player.Castles[areaID] = castle
			}
		}
	}
}

func (s *Store) resetLocked() {
	s.castles = make(map[int]*Castle)
	s.movements = make(map[int]*Movement)
	s.previousMovementIDs = make(map[int]struct{})
	s.arrivedIDs = make(map[int]struct{})
	s.mapObjects = make(map[int]*MapObject)
	s.armies = make(map[int]*Army)
	s.player = nil
}

func (s *Store) handleDCL(data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, kRaw := range asSlice(data["C"]) {
		k := asMap(kRaw)
		if k == nil {
			continue
		}
		for _, castleRaw := range asSlice(k["AI"]) {
			cd := asMap(castleRaw)
			if cd == nil {
				continue
			}
			aid := asInt(cd["AID"])
			castle, ok := s.castles[aid]
			if !ok {
				continue
			}
			gpa := asMap(cd["gpa"])

			res := &castle.Resources
			res.Wood = firstInt(cd["W"], res.Wood)
			res.Stone = firstInt(cd["S"], res.Stone)
			res.Food = firstInt(cd["F"], res.Food)
			res.WoodCap = firstInt(gpa["MRW"], res.WoodCap)
			res.StoneCap = firstInt(gpa["MRS"], res.StoneCap)
			res.FoodCap = firstInt(gpa["MRF"], res.FoodCap)
			res.WoodRate = firstFloat(gpa["RS1"], res.WoodRate)
			res.StoneRate = firstFloat(gpa["RS2"], res.StoneRate)
			res.FoodRate = firstFloat(gpa["RS3"], res.FoodRate)
			res.WoodSafe = firstFloat(gpa["SAFE_W"], res.WoodSafe)
			res.StoneSafe = firstFloat(gpa["SAFE_S"], res.StoneSafe)
			res.FoodSafe = firstFloat(gpa["SAFE_F"], res.FoodSafe)
			res.Iron = firstInt(cd["I"], firstInt(gpa["MRI"], res.Iron))
			res.Glass = firstInt(cd["G"], firstInt(gpa["MRG"], res.Glass))
			res.Ash = firstInt(cd["A"], firstInt(gpa["MRA"], res.Ash))
			res.Honey = firstInt(cd["HONEY"], firstInt(gpa["MRHONEY"], res.Honey))
			res.Mead = firstInt(cd["MEAD"], firstInt(gpa["MRMEAD"], res.Mead))
			res.Beef = firstInt(cd["BEEF"], firstInt(gpa["MRBEEF"], res.Beef))

			castle.Buildings = castle.Buildings[:0]
			for _, bRaw := range asSlice(cd["AC"]) {
				b := asSlice(bRaw)
				if len(b) < 2 {
					continue
				}
				castle.Buildings = append(castle.Buildings, Building{ID: asInt(b[0]), Level: asInt(b[1])})
			}

			castle.Units = make(map[int]int)
			for uidStr, count := range asMap(cd["UN"]) {
				uid := parseIntString(uidStr)
				castle.Units[uid] = asInt(count)
			}

			unitsCopy := make(map[int]int, len(castle.Units))
			for k, v := range castle.Units {
				unitsCopy[k] = v
			}
			s.armies[aid] = &Army{Units: unitsCopy}
		}
	}
}

func (s *Store) handleGAM(data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ownerRaw := range asSlice(data["O"]) {
		owner := asMap(ownerRaw)
		if owner == nil {
			continue
		}
		oid := asInt(owner["OID"])
		if oid == 0 {
			continue
		}
		s.ownerCache.Add(oid, ownerInfo{name: asString(owner["N"]), allianceName: asString(owner["AN"])})
	}

	current := make(map[int]struct{})
	for _, wrapperRaw := range asSlice(data["M"]) {
		wrapper := asMap(wrapperRaw)
		if wrapper == nil {
			continue
		}
		mData := asMap(wrapper["M"])
		if mData == nil {
			continue
		}
		mid := asInt(mData["MID"])
		if mid == 0 {
			continue
		}
		current[mid] = struct{}{}

		mov := s.parseMovement(mData, wrapper)
		_, wasPresent := s.movements[mid]
		if existing := s.movements[mid]; existing != nil {
			mov.CreatedAt = existing.CreatedAt
		} else {
			mov.CreatedAt = time.Now()
		}
		s.resolveDirectionLocked(mov)
		s.movements[mid] = mov

		if !wasPresent {
			if mov.IsAttack() && s.OnIncomingAttack != nil {
				s.OnIncomingAttack(mov)
			}
		}
	}

	for mid := range s.previousMovementIDs {
		if _, stillPresent := current[mid]; stillPresent {
			continue
		}
		old := s.movements[mid]
		delete(s.movements, mid)
		if _, arrived := s.arrivedIDs[mid]; !arrived && old != nil && s.OnMovementRecalled != nil {
			s.OnMovementRecalled(old)
		}
		delete(s.arrivedIDs, mid)
	}

	s.previousMovementIDs = current
}

func (s *Store) parseMovement(mData, wrapper map[string]interface{}) *Movement {
	mov := &Movement{
		MovementID:     asInt(mData["MID"]),
		Type:           asInt(mData["T"]),
		ProgressTime:   asInt(mData["PT"]),
		TotalTime:      asInt(mData["TT"]),
		OwnerID:        asInt(mData["OID"]),
		TargetPlayerID: asInt(mData["TID"]),
		Units:          make(map[int]int),
		LastUpdated:    time.Now(),
	}

	if ta := asSlice(mData["TA"]); len(ta) >= 4 {
		mov.TargetX = asInt(ta[1])
		mov.TargetY = asInt(ta[2])
		mov.TargetAreaID = asInt(ta[3])
		if len(ta) > 10 {
			mov.TargetName = asString(ta[10])
		}
	}
	if sa := asSlice(mData["SA"]); len(sa) >= 3 {
		mov.SourceX = asInt(sa[1])
		mov.SourceY = asInt(sa[2])
		if len(sa) >= 4 {
			mov.SourceAreaID = asInt(sa[3])
		}
		if len(sa) > 10 {
			mov.SourceName = asString(sa[10])
		}
	}

	if wrapper != nil {
		for uidStr, count := range asMap(wrapper["UM"]) {
			mov.Units[parseIntString(uidStr)] = asInt(count)
		}
		if gs := asMap(wrapper["GS"]); gs != nil {
			mov.Resources = &Resources{
				Wood:  asInt(gs["W"]),
				Stone: asInt(gs["S"]),
				Food:  asInt(gs["F"]),
				Iron:  asInt(gs["I"]),
				Glass: asInt(gs["G"]),
				Ash:   asInt(gs["A"]),
			}
		}
	}

	if info, ok := s.ownerCache.Get(mov.OwnerID); ok {
		if mov.SourceName == "" {
			mov.SourceName = info.name
		}
		mov.SourceAllianceName = info.allianceName
	}
	if info, ok := s.ownerCache.Get(mov.TargetPlayerID); ok {
		if mov.TargetName == "" {
			mov.TargetName = info.name
		}
		mov.TargetAllianceName = info.allianceName
	}

	return mov
}

// resolveDirectionLocked derives incoming/outgoing from local castle
// ownership: incoming if the target area is one of the local player's
// castles, outgoing if the source area is. Returns (type 11) are
// excluded from both.
func (s *Store) resolveDirectionLocked(m *Movement) {
	if m.Type == returnMovementType || s.player == nil {
		return
	}
	_, targetLocal := s.player.Castles[m.TargetAreaID]
	_, sourceLocal := s.player.Castles[m.SourceAreaID]
	m.Incoming = targetLocal
	m.Outgoing = sourceLocal
}

func (s *Store) handleMov(data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mRaw, ok := data["M"]
	if !ok {
		mRaw = data
	}

	switch v := mRaw.(type) {
	case []interface{}:
		for _, item := range v {
			if m := asMap(item); m != nil {
				s.upsertMovementLocked(m)
			}
		}
	case map[string]interface{}:
		s.upsertMovementLocked(v)
	}
}

func (s *Store) upsertMovementLocked(mData map[string]interface{}) {
	mid := asInt(mData["MID"])
	if mid == 0 {
		return
	}
	mov := s.parseMovement(mData, nil)
	existing, wasPresent := s.movements[mid]
	if wasPresent {
		mov.CreatedAt = existing.CreatedAt
	} else {
		mov.CreatedAt = time.Now()
		s.previousMovementIDs[mid] = struct{}{}
		log.Printf("[statestore] new movement via mov: %d", mid)
	}
	s.resolveDirectionLocked(mov)
	s.movements[mid] = mov

	if !wasPresent && mov.IsAttack() && s.OnIncomingAttack != nil {
		s.OnIncomingAttack(mov)
	}
}

func (s *Store) handleArrival(data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mid := asInt(data["MID"])
	if mid == 0 {
		return
	}
	delete(s.movements, mid)
	delete(s.previousMovementIDs, mid)
	s.arrivedIDs[mid] = struct{}{}
}

func (s *Store) handleGAA(data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kid := asInt(data["KID"])
	areas := asSlice(data["AI"])
	if len(areas) == 0 {
		areas = asSlice(data["A"])
	}

	for _, areaRaw := range areas {
		area := asSlice(areaRaw)
		if len(area) < 3 {
			continue
		}
		obj := &MapObject{
			KingdomID: kid,
			Type:      asInt(area[0]),
			X:         asInt(area[1]),
			Y:         asInt(area[2]),
		}
		if len(area) > 3 {
			obj.AreaID = asInt(area[3])
		}
		if len(area) > 4 {
			obj.OwnerID = asInt(area[4])
		}
		if info, ok := s.ownerCache.Get(obj.OwnerID); ok {
			obj.OwnerName = info.name
			obj.AllianceName = info.allianceName
		}
		if obj.AreaID != 0 {
			s.mapObjects[obj.AreaID] = obj
		}
	}
}

// Snapshot read methods.

// AllMovements returns every tracked movement.
func (s *Store) AllMovements() []*Movement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Movement, 0, len(s.movements))
	for _, m := range s.movements {
		out = append(out, m)
	}
	return out
}

// IncomingMovements filters AllMovements by Incoming.
func (s *Store) IncomingMovements() []*Movement { return s.filter(func(m *Movement) bool { return m.Incoming }) }

// OutgoingMovements filters AllMovements by Outgoing.
func (s *Store) OutgoingMovements() []*Movement { return s.filter(func(m *Movement) bool { return m.Outgoing }) }

// ReturningMovements filters AllMovements by IsReturning.
func (s *Store) ReturningMovements() []*Movement {
	return s.filter(func(m *Movement) bool { return m.IsReturning() })
}

// IncomingAttacks filters AllMovements by Incoming && IsAttack.
func (s *Store) IncomingAttacks() []*Movement {
	return s.filter(func(m *Movement) bool { return m.Incoming && m.IsAttack() })
}

// MovementsToCastle filters by TargetAreaID.
func (s *Store) MovementsToCastle(castleID int) []*Movement {
	return s.filter(func(m *Movement) bool { return m.TargetAreaID == castleID })
}

// MovementsFromCastle filters by SourceAreaID.
func (s *Store) MovementsFromCastle(castleID int) []*Movement {
	return s.filter(func(m *Movement) bool { return m.SourceAreaID == castleID })
}

func (s *Store) filter(pred func(*Movement) bool) []*Movement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Movement
	for _, m := range s.movements {
		if pred(m) {
			out = append(out, m)
		}
	}
	return out
}

// MovementByID returns a specific movement, or nil.
func (s *Store) MovementByID(id int) *Movement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.movements[id]
}

// NextArrival returns the movement with the smallest TimeRemaining, or
// nil if there are none.
func (s *Store) NextArrival() *Movement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var next *Movement
	for _, m := range s.movements {
		if next == nil || m.TimeRemaining() < next.TimeRemaining() {
			next = m
		}
	}
	return next
}

// Player returns the local player, or nil before the first gbd.
func (s *Store) Player() *Player {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.player
}

// Castle returns a castle by area id, or nil.
func (s *Store) Castle(areaID int) *Castle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.castles[areaID]
}

// MapObject returns a map object by area id, or nil.
func (s *Store) MapObject(areaID int) *MapObject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapObjects[areaID]
}

// MapObjects returns every currently known map object.
func (s *Store) MapObjects() []*MapObject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MapObject, 0, len(s.mapObjects))
	for _, o := range s.mapObjects {
		out = append(out, o)
	}
	return out
}

// Army returns the unit roster for a castle, or nil.
func (s *Store) Army(castleID int) *Army {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.armies[castleID]
}
