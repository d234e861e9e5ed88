package perp

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/luxfi/database"
)

// Key prefixes
var (
	marketPrefix   = []byte("mkt:")
	positionPrefix = []byte("pos:")
	ownerPrefix    = []byte("own:")
	fundingPrefix  = []byte("fund:")
)

type ownerKey struct {
	owner  string
	symbol string
}

type fundingKey struct {
	symbol        string
	intervalStart int64
}

// Store keeps positions and funding records in memory and writes every change
// through to a database. A change becomes visible in memory only after its
// batch has been written.
type Store struct {
	db database.Database

	mu        sync.RWMutex
	positions map[string]*Position
	openIndex map[ownerKey]map[string]struct{}
	bySymbol  map[string]map[string]struct{}
	funding   map[fundingKey]*FundingSettlement

	// Closes whose ledger credit went through but whose store write did not
	credited map[string]*creditedClose

	// Per-position locks, dropped when the last holder or waiter releases
	locks   map[string]*positionLock
	locksMu sync.Mutex
}

type positionLock struct {
	mu   sync.Mutex
	refs int
}

// creditedClose is a settlement that has been paid to the owner. A retried
// close or liquidation of the same position commits it as is.
type creditedClose struct {
	position   *Position
	settlement Settlement
	reason     string
}

// NewStore creates a store backed by db
func NewStore(db database.Database) *Store {
	return &Store{
		db:        db,
		positions: make(map[string]*Position),
		openIndex: make(map[ownerKey]map[string]struct{}),
		bySymbol:  make(map[string]map[string]struct{}),
		funding:   make(map[fundingKey]*FundingSettlement),
		credited:  make(map[string]*creditedClose),
		locks:     make(map[string]*positionLock),
	}
}

// Lock acquires the exclusive lock of a position and returns its release func
func (s *Store) Lock(id string) func() {
	l := s.acquireLock(id)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.releaseLock(id, l)
	}
}

// TryLock acquires the position lock only if it is free
func (s *Store) TryLock(id string) (func(), bool) {
	l := s.acquireLock(id)
	if !l.mu.TryLock() {
		s.releaseLock(id, l)
		return nil, false
	}
	return func() {
		l.mu.Unlock()
		s.releaseLock(id, l)
	}, true
}

func (s *Store) acquireLock(id string) *positionLock {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &positionLock{}
		s.locks[id] = l
	}
	l.refs++
	return l
}

func (s *Store) releaseLock(id string, l *positionLock) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(s.locks, id)
	}
}

// rememberCredited records a paid settlement until its close is committed.
// The caller holds the position lock.
func (s *Store) rememberCredited(p *Position, settlement Settlement, reason string) {
	s.mu.Lock()
	s.credited[p.ID] = &creditedClose{position: p.Clone(), settlement: settlement, reason: reason}
	s.mu.Unlock()
}

// pendingClose returns a paid but uncommitted close of a position
func (s *Store) pendingClose(id string) (*creditedClose, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credited[id]
	if !ok {
		return nil, false
	}
	return &creditedClose{position: c.position.Clone(), settlement: c.settlement, reason: c.reason}, true
}

// Settling reports whether a position has been paid out but not yet committed
// as closed. Funding skips such positions.
func (s *Store) Settling(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.credited[id]
	return ok
}

// Get returns a copy of a position
func (s *Store) Get(id string) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	return p.Clone(), nil
}

// OpenPositions returns copies of an owner's open positions on symbol
func (s *Store) OpenPositions(ownerID, symbol string) []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.openIndex[ownerKey{ownerID, symbol}]
	out := make([]*Position, 0, len(ids))
	for id := range ids {
		out = append(out, s.positions[id].Clone())
	}
	return out
}

// OpenBySymbol returns copies of every open position on symbol
func (s *Store) OpenBySymbol(symbol string) []*Position {
	return s.bySymbolFiltered(symbol, true)
}

// PositionsBySymbol returns copies of every position, open or closed, on symbol
func (s *Store) PositionsBySymbol(symbol string) []*Position {
	return s.bySymbolFiltered(symbol, false)
}

func (s *Store) bySymbolFiltered(symbol string, openOnly bool) []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySymbol[symbol]
	out := make([]*Position, 0, len(ids))
	for id := range ids {
		p := s.positions[id]
		if openOnly && !p.IsOpen() {
			continue
		}
		out = append(out, p.Clone())
	}
	return out
}

// FundingRecord returns the funding record for (symbol, intervalStart)
func (s *Store) FundingRecord(symbol string, intervalStart time.Time) (*FundingSettlement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.funding[fundingKey{symbol, intervalStart.UnixNano()}]
	if !ok {
		return nil, false
	}
	c := *r
	return &c, true
}

// FundingRecords returns all funding records of symbol in interval order
func (s *Store) FundingRecords(symbol string) []*FundingSettlement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*FundingSettlement
	for k, r := range s.funding {
		if k.symbol == symbol {
			c := *r
			out = append(out, &c)
		}
	}
	sortFunding(out)
	return out
}

// SaveMarket persists a market snapshot
func (s *Store) SaveMarket(m Market) error {
	value, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Put(marketKey(m.Symbol), value)
}

// SaveOpen persists a newly opened position together with its market
func (s *Store) SaveOpen(p *Position, m Market) error {
	batch := s.db.NewBatch()
	defer batch.Reset()

	if err := putJSON(batch, positionKey(p.ID), p); err != nil {
		return err
	}
	if err := batch.Put(openIndexKey(p), nil); err != nil {
		return err
	}
	if err := putJSON(batch, marketKey(m.Symbol), m); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return err
	}

	s.mu.Lock()
	s.insert(p.Clone())
	s.mu.Unlock()
	return nil
}

// SaveClose persists a closed position together with its market
func (s *Store) SaveClose(p *Position, m Market) error {
	batch := s.db.NewBatch()
	defer batch.Reset()

	if err := putJSON(batch, positionKey(p.ID), p); err != nil {
		return err
	}
	if err := batch.Delete(openIndexKey(p)); err != nil {
		return err
	}
	if err := putJSON(batch, marketKey(m.Symbol), m); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return err
	}

	s.mu.Lock()
	s.insert(p.Clone())
	delete(s.credited, p.ID)
	s.mu.Unlock()
	return nil
}

// SaveFunding persists a funding sweep: the updated positions, the funding
// record and the market epoch in a single batch.
func (s *Store) SaveFunding(updated []*Position, record *FundingSettlement, m Market) error {
	batch := s.db.NewBatch()
	defer batch.Reset()

	for _, p := range updated {
		if err := putJSON(batch, positionKey(p.ID), p); err != nil {
			return err
		}
	}
	if err := putJSON(batch, fundingRecordKey(record.Symbol, record.IntervalStart), record); err != nil {
		return err
	}
	if err := putJSON(batch, marketKey(m.Symbol), m); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range updated {
		s.insert(p.Clone())
	}
	c := *record
	s.funding[fundingKey{record.Symbol, record.IntervalStart.UnixNano()}] = &c
	return nil
}

// replaceMark swaps in a re-marked copy of an open position. Marks are derived
// values and are persisted with the position's next committed change.
func (s *Store) replaceMark(p *Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.positions[p.ID]
	if !ok || !cur.IsOpen() || cur.Version != p.Version {
		return
	}
	s.positions[p.ID] = p.Clone()
}

// Load reads every market, position and funding record from the database
func (s *Store) Load() ([]Market, error) {
	var markets []Market
	if err := s.iterate(marketPrefix, func(_, value []byte) error {
		var m Market
		if err := json.Unmarshal(value, &m); err != nil {
			return err
		}
		markets = append(markets, m)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}

	positions := make(map[string]*Position)
	if err := s.iterate(positionPrefix, func(_, value []byte) error {
		var p Position
		if err := json.Unmarshal(value, &p); err != nil {
			return err
		}
		positions[p.ID] = &p
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	funding := make(map[fundingKey]*FundingSettlement)
	if err := s.iterate(fundingPrefix, func(_, value []byte) error {
		var r FundingSettlement
		if err := json.Unmarshal(value, &r); err != nil {
			return err
		}
		funding[fundingKey{r.Symbol, r.IntervalStart.UnixNano()}] = &r
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load funding: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range positions {
		s.insert(p)
	}
	for k, r := range funding {
		s.funding[k] = r
	}
	return markets, nil
}

func (s *Store) iterate(prefix []byte, fn func(key, value []byte) error) error {
	it := s.db.NewIteratorWithPrefix(prefix)
	defer it.Release()

	for it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// insert must be called with s.mu held
func (s *Store) insert(p *Position) {
	s.positions[p.ID] = p

	if s.bySymbol[p.Symbol] == nil {
		s.bySymbol[p.Symbol] = make(map[string]struct{})
	}
	s.bySymbol[p.Symbol][p.ID] = struct{}{}

	k := ownerKey{p.OwnerID, p.Symbol}
	if p.IsOpen() {
		if s.openIndex[k] == nil {
			s.openIndex[k] = make(map[string]struct{})
		}
		s.openIndex[k][p.ID] = struct{}{}
		return
	}
	if ids, ok := s.openIndex[k]; ok {
		delete(ids, p.ID)
		if len(ids) == 0 {
			delete(s.openIndex, k)
		}
	}
}

// Helper functions

type keyValueWriter interface {
	Put(key, value []byte) error
}

func putJSON(w keyValueWriter, key []byte, v interface{}) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.Put(key, value)
}

func marketKey(symbol string) []byte {
	return append(append([]byte(nil), marketPrefix...), symbol...)
}

func positionKey(id string) []byte {
	return append(append([]byte(nil), positionPrefix...), id...)
}

func openIndexKey(p *Position) []byte {
	return []byte(string(ownerPrefix) + strings.Join([]string{p.OwnerID, p.Symbol, p.ID}, ":"))
}

func fundingRecordKey(symbol string, intervalStart time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", fundingPrefix, symbol, intervalStart.UnixNano()))
}

func sortFunding(records []*FundingSettlement) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].IntervalStart.Before(records[j].IntervalStart)
	})
}
