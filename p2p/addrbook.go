package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/netip"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/p2p/netutil"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"chainnet/observability/logging"
	"chainnet/p2p/wire"
)

const (
	addrKeyPrefix = "addr:"
	// sampleMaxAge caps how much an old last-attempt time boosts an entry.
	sampleMaxAge = 24 * time.Hour
)

var errInvalidAddress = errors.New("p2p: invalid peer address")

// AddrState is the lifecycle state of a known address.
type AddrState uint8

const (
	AddrNew AddrState = iota
	AddrConnected
	AddrFailed
	AddrBanned
)

func (s AddrState) String() string {
	switch s {
	case AddrNew:
		return "new"
	case AddrConnected:
		return "connected"
	case AddrFailed:
		return "failed"
	case AddrBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// PeerAddress is one known peer endpoint and its dial history.
type PeerAddress struct {
	Addr        netip.AddrPort   `json:"addr"`
	Services    wire.ServiceFlag `json:"services"`
	LastSeen    time.Time        `json:"lastSeen"`
	LastAttempt time.Time        `json:"lastAttempt"`
	LastSuccess time.Time        `json:"lastSuccess"`
	Failures    int              `json:"failures"`
	State       AddrState        `json:"state"`
	BannedUntil time.Time        `json:"bannedUntil"`
}

// AttemptOutcome is the result of a connection attempt or of a connection's
// closure, recorded against its address.
type AttemptOutcome uint8

const (
	OutcomeConnected AttemptOutcome = iota + 1
	OutcomeDisconnected
	OutcomeFailed
	OutcomeBanned
)

func (o AttemptOutcome) String() string {
	switch o {
	case OutcomeConnected:
		return "connected"
	case OutcomeDisconnected:
		return "disconnected"
	case OutcomeFailed:
		return "failed"
	case OutcomeBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// AddressBookConfig parameterizes NewAddressBook.
type AddressBookConfig struct {
	// Path of the LevelDB directory. Empty keeps the book in memory.
	Path        string
	Capacity    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	BanDuration time.Duration
	Rand        *rand.Rand
	Now         func() time.Time
	Logger      *slog.Logger
}

// AddressBook is the bounded, persistent registry of known peer addresses.
// All methods are safe for concurrent use and never block on network I/O.
type AddressBook struct {
	mu sync.Mutex

	db        *leveldb.DB
	entries   map[netip.AddrPort]*PeerAddress
	bannedIPs map[netip.Addr]time.Time

	capacity    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	banDuration time.Duration

	rng    *rand.Rand
	now    func() time.Time
	logger *slog.Logger
}

// NewAddressBook opens (or creates) the book and loads persisted entries.
func NewAddressBook(cfg AddressBookConfig) (*AddressBook, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultAddressBookCapacity
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultDialBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultDialMaxBackoff
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = defaultBanDuration
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var (
		db  *leveldb.DB
		err error
	)
	if strings.TrimSpace(cfg.Path) == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(filepath.Clean(cfg.Path), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open address book: %w", err)
	}

	book := &AddressBook{
		db:          db,
		entries:     make(map[netip.AddrPort]*PeerAddress),
		bannedIPs:   make(map[netip.Addr]time.Time),
		capacity:    cfg.Capacity,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		banDuration: cfg.BanDuration,
		rng:         cfg.Rand,
		now:         cfg.Now,
		logger:      cfg.Logger.With(slog.String("component", "addrbook")),
	}
	if err := book.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return book, nil
}

// Close flushes and closes the underlying database.
func (b *AddressBook) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Len reports the number of known addresses.
func (b *AddressBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Capacity reports the configured bound.
func (b *AddressBook) Capacity() int {
	return b.capacity
}

// Get returns a copy of the entry for addr.
func (b *AddressBook) Get(addr netip.AddrPort) (PeerAddress, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.entries[normalizeAddrPort(addr)]
	if rec == nil {
		return PeerAddress{}, false
	}
	return *rec, true
}

// Snapshot returns every entry ordered by address.
func (b *AddressBook) Snapshot() []PeerAddress {
	b.mu.Lock()
	out := make([]PeerAddress, 0, len(b.entries))
	for _, rec := range b.entries {
		out = append(out, *rec)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Addr.String() < out[j].Addr.String()
	})
	return out
}

// InsertOrUpdate admits a new address or refreshes an existing one. The
// stored last-seen time only ever moves forward.
func (b *AddressBook) InsertOrUpdate(rec PeerAddress) error {
	rec.Addr = normalizeAddrPort(rec.Addr)
	if !validPeerAddr(rec.Addr) {
		return fmt.Errorf("%w: %s", errInvalidAddress, rec.Addr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing := b.entries[rec.Addr]; existing != nil {
		if rec.Services != 0 {
			existing.Services = rec.Services
		}
		if rec.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = rec.LastSeen
		}
		return b.persistLocked(existing)
	}
	if rec.State != AddrBanned {
		rec.BannedUntil = time.Time{}
	}
	entry := rec
	return b.admitLocked(&entry)
}

// MergeGossip folds addresses relayed by source into the book and returns how
// many were new. Relayed addresses must pass the relay rules for the sender's
// network; timestamps from the future are clamped to now.
func (b *AddressBook) MergeGossip(source netip.Addr, addrs []*wire.NetAddress) (int, error) {
	now := b.now()
	source = source.Unmap()

	b.mu.Lock()
	defer b.mu.Unlock()

	added := 0
	var errs []error
	full := false
	for _, na := range addrs {
		if na == nil {
			continue
		}
		addr := normalizeAddrPort(na.Addr)
		if !validPeerAddr(addr) {
			continue
		}
		if source.IsValid() {
			if err := netutil.CheckRelayAddr(source, addr.Addr()); err != nil {
				continue
			}
		}
		seen := na.Timestamp
		if seen.After(now) {
			seen = now
		}

		if existing := b.entries[addr]; existing != nil {
			changed := false
			if seen.After(existing.LastSeen) {
				existing.LastSeen = seen
				changed = true
			}
			if existing.Services == 0 && na.Services != 0 {
				existing.Services = na.Services
				changed = true
			}
			if changed {
				if err := b.persistLocked(existing); err != nil {
					errs = append(errs, err)
				}
			}
			continue
		}
		if full {
			continue
		}
		entry := &PeerAddress{Addr: addr, Services: na.Services, LastSeen: seen, State: AddrNew}
		if err := b.admitLocked(entry); err != nil {
			if errors.Is(err, ErrAddrBookFull) {
				full = true
			}
			errs = append(errs, err)
			continue
		}
		added++
	}
	return added, errors.Join(errs...)
}

// Sample returns up to n dial candidates. Banned, connected and backing-off
// entries are skipped, and so is every port of a banned IP, as is anything exclude reports. Candidates are drawn
// at random, weighted toward fewer failures and older last attempts.
func (b *AddressBook) Sample(n int, exclude func(netip.AddrPort) bool) []PeerAddress {
	if n <= 0 {
		return nil
	}
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	type candidate struct {
		rec *PeerAddress
		key float64
	}
	candidates := make([]candidate, 0, len(b.entries))
	for _, rec := range b.entries {
		if rec.State == AddrBanned {
			if now.Before(rec.BannedUntil) {
				continue
			}
			b.unbanLocked(rec)
		}
		if rec.State == AddrConnected || b.ipBannedLocked(rec.Addr.Addr(), now) {
			continue
		}
		if exclude != nil && exclude(rec.Addr) {
			continue
		}
		if b.nextDialAtLocked(rec, now).After(now) {
			continue
		}
		// Exponential keys give a weighted sample without replacement.
		u := b.rng.Float64()
		for u == 0 {
			u = b.rng.Float64()
		}
		candidates = append(candidates, candidate{rec: rec, key: -math.Log(u) / sampleWeight(rec, now)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].key < candidates[j].key })
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]PeerAddress, len(candidates))
	for i, c := range candidates {
		out[i] = *c.rec
	}
	return out
}

// NextDialAt reports when addr leaves its failure backoff.
func (b *AddressBook) NextDialAt(addr netip.AddrPort) time.Time {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.entries[normalizeAddrPort(addr)]
	if rec == nil {
		return now
	}
	return b.nextDialAtLocked(rec, now)
}

// RecordAttempt applies the outcome of a connection attempt or closure.
// Unknown addresses are admitted first.
func (b *AddressBook) RecordAttempt(addr netip.AddrPort, outcome AttemptOutcome) error {
	addr = normalizeAddrPort(addr)
	if !validPeerAddr(addr) {
		return fmt.Errorf("%w: %s", errInvalidAddress, addr)
	}
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.entries[addr]
	if rec == nil {
		rec = &PeerAddress{Addr: addr, State: AddrNew, LastSeen: now}
		if err := b.admitLocked(rec); err != nil {
			return err
		}
	}
	switch outcome {
	case OutcomeConnected:
		rec.State = AddrConnected
		rec.Failures = 0
		rec.LastAttempt = now
		rec.LastSuccess = now
		rec.LastSeen = now
	case OutcomeDisconnected:
		if rec.State == AddrConnected {
			rec.State = AddrNew
		}
		rec.LastSeen = now
	case OutcomeFailed:
		if rec.State != AddrBanned {
			rec.State = AddrFailed
		}
		rec.Failures++
		rec.LastAttempt = now
	case OutcomeBanned:
		b.banLocked(rec, now.Add(b.banDuration))
		rec.LastAttempt = now
	default:
		return fmt.Errorf("unknown attempt outcome %d", outcome)
	}
	return b.persistLocked(rec)
}

// MarkBanned bans addr, and every connection from its IP, until the given
// time.
func (b *AddressBook) MarkBanned(addr netip.AddrPort, until time.Time) error {
	addr = normalizeAddrPort(addr)
	if !validPeerAddr(addr) {
		return fmt.Errorf("%w: %s", errInvalidAddress, addr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.entries[addr]
	if rec == nil {
		rec = &PeerAddress{Addr: addr, LastSeen: b.now()}
		if err := b.admitLocked(rec); err != nil {
			b.bannedIPs[addr.Addr()] = until
			return err
		}
	}
	b.banLocked(rec, until)
	return b.persistLocked(rec)
}

// IsBanned reports whether connections from ip are currently refused.
func (b *AddressBook) IsBanned(ip netip.Addr) bool {
	ip = ip.Unmap()
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ipBannedLocked(ip, now)
}

// ipBannedLocked reports an unexpired ban on ip and drops an expired one.
func (b *AddressBook) ipBannedLocked(ip netip.Addr, now time.Time) bool {
	until, ok := b.bannedIPs[ip]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(b.bannedIPs, ip)
	return false
}

// Sanitized returns up to limit shuffled, non-banned addresses suitable for
// an Addr message. Last-seen times are rounded down to the hour so the
// response does not fingerprint recent activity.
func (b *AddressBook) Sanitized(limit int) []*wire.NetAddress {
	if limit <= 0 {
		limit = defaultSanitizedLimit
	}
	if limit > wire.MaxAddrPerMsg {
		limit = wire.MaxAddrPerMsg
	}
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*wire.NetAddress, 0, len(b.entries))
	for _, rec := range b.entries {
		if rec.State == AddrBanned && now.Before(rec.BannedUntil) {
			continue
		}
		if b.ipBannedLocked(rec.Addr.Addr(), now) || rec.LastSeen.IsZero() {
			continue
		}
		out = append(out, &wire.NetAddress{
			Timestamp: rec.LastSeen.Truncate(time.Hour),
			Services:  rec.Services,
			Addr:      rec.Addr,
		})
	}
	b.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (b *AddressBook) admitLocked(rec *PeerAddress) error {
	if len(b.entries) >= b.capacity && !b.evictLocked() {
		return ErrAddrBookFull
	}
	b.entries[rec.Addr] = rec
	if rec.State == AddrBanned {
		b.bannedIPs[rec.Addr.Addr()] = rec.BannedUntil
	}
	return b.persistLocked(rec)
}

// evictLocked drops one entry: the least recently seen address that never
// connected, then the least recently seen unbanned one, then banned ones.
// Live connections are never evicted.
func (b *AddressBook) evictLocked() bool {
	tier := func(rec *PeerAddress) int {
		switch {
		case rec.State == AddrBanned:
			return 2
		case rec.LastSuccess.IsZero():
			return 0
		default:
			return 1
		}
	}
	var victim *PeerAddress
	for _, rec := range b.entries {
		if rec.State == AddrConnected {
			continue
		}
		if victim == nil {
			victim = rec
			continue
		}
		rt, vt := tier(rec), tier(victim)
		if rt < vt || (rt == vt && rec.LastSeen.Before(victim.LastSeen)) {
			victim = rec
		}
	}
	if victim == nil {
		return false
	}
	delete(b.entries, victim.Addr)
	if b.db != nil {
		if err := b.db.Delete(addrKey(victim.Addr), nil); err != nil {
			b.logger.Warn("Failed to delete evicted address",
				logging.MaskField("peer_address", victim.Addr.String()),
				slog.Any("error", err))
		}
	}
	return true
}

func (b *AddressBook) banLocked(rec *PeerAddress, until time.Time) {
	rec.State = AddrBanned
	rec.BannedUntil = until
	ip := rec.Addr.Addr()
	if current, ok := b.bannedIPs[ip]; !ok || until.After(current) {
		b.bannedIPs[ip] = until
	}
}

func (b *AddressBook) unbanLocked(rec *PeerAddress) {
	rec.State = AddrFailed
	rec.BannedUntil = time.Time{}
	if err := b.persistLocked(rec); err != nil {
		b.logger.Warn("Failed to persist expired ban",
			logging.MaskField("peer_address", rec.Addr.String()),
			slog.Any("error", err))
	}
}

func (b *AddressBook) nextDialAtLocked(rec *PeerAddress, now time.Time) time.Time {
	if rec.State == AddrBanned && rec.BannedUntil.After(now) {
		return rec.BannedUntil
	}
	if rec.Failures <= 0 {
		return now
	}
	backoff := b.baseBackoff
	for i := 1; i < rec.Failures && backoff < b.maxBackoff; i++ {
		backoff *= 2
	}
	if backoff > b.maxBackoff {
		backoff = b.maxBackoff
	}
	next := rec.LastAttempt.Add(backoff)
	if next.Before(now) {
		return now
	}
	return next
}

func sampleWeight(rec *PeerAddress, now time.Time) float64 {
	age := sampleMaxAge
	if !rec.LastAttempt.IsZero() {
		age = now.Sub(rec.LastAttempt)
		if age < 0 {
			age = 0
		}
		if age > sampleMaxAge {
			age = sampleMaxAge
		}
	}
	return (1 + age.Hours()) / float64(1+rec.Failures)
}

func (b *AddressBook) persistLocked(rec *PeerAddress) error {
	if b.db == nil {
		return errors.New("address book closed")
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Put(addrKey(rec.Addr), blob, nil)
}

func (b *AddressBook) load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	iter := b.db.NewIterator(util.BytesPrefix([]byte(addrKeyPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var rec PeerAddress
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode address %s: %w", iter.Key(), err)
		}
		// A previous run may have died with live connections.
		if rec.State == AddrConnected {
			rec.State = AddrNew
		}
		entry := rec
		b.entries[entry.Addr] = &entry
		if entry.State == AddrBanned {
			if current, ok := b.bannedIPs[entry.Addr.Addr()]; !ok || entry.BannedUntil.After(current) {
				b.bannedIPs[entry.Addr.Addr()] = entry.BannedUntil
			}
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	for len(b.entries) > b.capacity && b.evictLocked() {
	}
	return nil
}

func addrKey(addr netip.AddrPort) []byte {
	return []byte(addrKeyPrefix + addr.String())
}

func normalizeAddrPort(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

func validPeerAddr(addr netip.AddrPort) bool {
	return addr.Addr().IsValid() && !addr.Addr().IsUnspecified() && addr.Port() != 0
}
