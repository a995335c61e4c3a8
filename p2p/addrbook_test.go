package p2p

import (
	"errors"
	"math/rand/v2"
	"net/netip"
	"sync"
	"testing"
	"time"

	"chainnet/p2p/wire"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBook(t *testing.T, clock *fakeClock, capacity int, path string) *AddressBook {
	t.Helper()
	book, err := NewAddressBook(AddressBookConfig{
		Path:        path,
		Capacity:    capacity,
		BaseBackoff: time.Minute,
		MaxBackoff:  time.Hour,
		BanDuration: time.Hour,
		Rand:        rand.New(rand.NewPCG(1, 2)),
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("new address book: %v", err)
	}
	t.Cleanup(func() { _ = book.Close() })
	return book
}

func ap(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func TestAddressBookRespectsCapacity(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, clock, 3, "")
	for i, addr := range []string{"1.1.1.1:8333", "2.2.2.2:8333", "3.3.3.3:8333", "4.4.4.4:8333", "5.5.5.5:8333"} {
		rec := PeerAddress{Addr: ap(addr), LastSeen: clock.Now().Add(time.Duration(i) * time.Minute)}
		if err := book.InsertOrUpdate(rec); err != nil {
			t.Fatalf("insert %s: %v", addr, err)
		}
	}
	if got := book.Len(); got != 3 {
		t.Fatalf("expected 3 entries, got %d", got)
	}
	if _, ok := book.Get(ap("1.1.1.1:8333")); ok {
		t.Fatalf("expected least recently seen entry to be evicted")
	}
	if _, ok := book.Get(ap("5.5.5.5:8333")); !ok {
		t.Fatalf("expected newest entry to be admitted")
	}
}

func TestAddressBookNeverEvictsConnected(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, clock, 2, "")
	if err := book.RecordAttempt(ap("1.1.1.1:8333"), OutcomeConnected); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := book.RecordAttempt(ap("2.2.2.2:8333"), OutcomeConnected); err != nil {
		t.Fatalf("record: %v", err)
	}
	err := book.InsertOrUpdate(PeerAddress{Addr: ap("3.3.3.3:8333"), LastSeen: clock.Now()})
	if !errors.Is(err, ErrAddrBookFull) {
		t.Fatalf("expected ErrAddrBookFull, got %v", err)
	}
	if got := book.Len(); got != 2 {
		t.Fatalf("expected 2 entries, got %d", got)
	}
}

func TestAddressBookPrefersEvictingNeverConnected(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, clock, 2, "")
	if err := book.RecordAttempt(ap("1.1.1.1:8333"), OutcomeConnected); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := book.RecordAttempt(ap("1.1.1.1:8333"), OutcomeDisconnected); err != nil {
		t.Fatalf("record: %v", err)
	}
	clock.Advance(time.Minute)
	if err := book.InsertOrUpdate(PeerAddress{Addr: ap("2.2.2.2:8333"), LastSeen: clock.Now()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	clock.Advance(time.Minute)
	if err := book.InsertOrUpdate(PeerAddress{Addr: ap("3.3.3.3:8333"), LastSeen: clock.Now()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, ok := book.Get(ap("1.1.1.1:8333")); !ok {
		t.Fatalf("expected previously connected entry to survive eviction")
	}
	if _, ok := book.Get(ap("2.2.2.2:8333")); ok {
		t.Fatalf("expected never-connected entry to be evicted")
	}
}

func TestAddressBookLastSeenOnlyMovesForward(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, clock, 10, "")
	addr := ap("1.2.3.4:8333")
	fresh := clock.Now()
	if err := book.InsertOrUpdate(PeerAddress{Addr: addr, LastSeen: fresh}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := book.InsertOrUpdate(PeerAddress{Addr: addr, LastSeen: fresh.Add(-time.Hour)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, _ := book.Get(addr)
	if !rec.LastSeen.Equal(fresh) {
		t.Fatalf("expected last seen %s, got %s", fresh, rec.LastSeen)
	}

	stale := []*wire.NetAddress{{Timestamp: fresh.Add(-2 * time.Hour), Services: wire.SFNodeNetwork, Addr: addr}}
	if _, err := book.MergeGossip(netip.MustParseAddr("5.6.7.8"), stale); err != nil {
		t.Fatalf("merge: %v", err)
	}
	rec, _ = book.Get(addr)
	if !rec.LastSeen.Equal(fresh) {
		t.Fatalf("gossip rolled last seen back to %s", rec.LastSeen)
	}
}

func TestAddressBookMergeGossip(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, clock, 10, "")
	source := netip.MustParseAddr("5.6.7.8")
	addrs := []*wire.NetAddress{
		{Timestamp: clock.Now().Add(time.Hour), Services: wire.SFNodeNetwork, Addr: ap("1.2.3.4:8333")},
		{Timestamp: clock.Now(), Addr: ap("10.0.0.1:8333")},
		{Timestamp: clock.Now(), Addr: ap("0.0.0.0:8333")},
		{Timestamp: clock.Now(), Addr: ap("9.9.9.9:0")},
		nil,
	}
	added, err := book.MergeGossip(source, addrs)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if added != 1 {
		t.Fatalf("expected 1 new address, got %d", added)
	}
	rec, ok := book.Get(ap("1.2.3.4:8333"))
	if !ok {
		t.Fatalf("expected public address to be merged")
	}
	if rec.LastSeen.After(clock.Now()) {
		t.Fatalf("future timestamp was not clamped: %s", rec.LastSeen)
	}
	if _, ok := book.Get(ap("10.0.0.1:8333")); ok {
		t.Fatalf("private address relayed by a public peer must be dropped")
	}

	loopback, err := book.MergeGossip(netip.MustParseAddr("127.0.0.1"), []*wire.NetAddress{
		{Timestamp: clock.Now(), Addr: ap("127.0.0.1:18444")},
	})
	if err != nil || loopback != 1 {
		t.Fatalf("expected loopback peer to relay loopback address, got %d, %v", loopback, err)
	}
}

func TestAddressBookMergeGossipReportsFull(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, clock, 1, "")
	if err := book.RecordAttempt(ap("1.1.1.1:8333"), OutcomeConnected); err != nil {
		t.Fatalf("record: %v", err)
	}
	added, err := book.MergeGossip(netip.Addr{}, []*wire.NetAddress{
		{Timestamp: clock.Now(), Addr: ap("2.2.2.2:8333")},
		{Timestamp: clock.Now(), Addr: ap("3.3.3.3:8333")},
	})
	if added != 0 {
		t.Fatalf("expected nothing admitted, got %d", added)
	}
	if !errors.Is(err, ErrAddrBookFull) {
		t.Fatalf("expected ErrAddrBookFull, got %v", err)
	}
}

func TestAddressBookSampleSkipsIneligible(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, clock, 10, "")
	for _, addr := range []string{"1.1.1.1:8333", "2.2.2.2:8333", "3.3.3.3:8333", "4.4.4.4:8333", "5.5.5.5:8333"} {
		if err := book.InsertOrUpdate(PeerAddress{Addr: ap(addr), LastSeen: clock.Now()}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := book.RecordAttempt(ap("1.1.1.1:8333"), OutcomeConnected); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := book.RecordAttempt(ap("2.2.2.2:8333"), OutcomeBanned); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := book.RecordAttempt(ap("3.3.3.3:8333"), OutcomeFailed); err != nil {
		t.Fatalf("record: %v", err)
	}
	exclude := func(addr netip.AddrPort) bool { return addr == ap("4.4.4.4:8333") }

	got := book.Sample(10, exclude)
	if len(got) != 1 || got[0].Addr != ap("5.5.5.5:8333") {
		t.Fatalf("expected only 5.5.5.5 to be eligible, got %v", got)
	}
	if !book.IsBanned(netip.MustParseAddr("2.2.2.2")) {
		t.Fatalf("expected banned IP to be refused")
	}

	clock.Advance(2 * time.Hour)
	got = book.Sample(10, exclude)
	if len(got) != 3 {
		t.Fatalf("expected expired ban and backoff to free two more entries, got %v", got)
	}
	if book.IsBanned(netip.MustParseAddr("2.2.2.2")) {
		t.Fatalf("expected ban to expire")
	}
}

func TestAddressBookBanCoversEveryPortOfIP(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, clock, 10, "")
	if err := book.MarkBanned(ap("8.8.8.8:8233"), clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ban: %v", err)
	}
	other := ap("8.8.8.8:9999")
	if err := book.InsertOrUpdate(PeerAddress{Addr: other, LastSeen: clock.Now()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := book.InsertOrUpdate(PeerAddress{Addr: ap("9.9.9.9:8233"), LastSeen: clock.Now()}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	contains := func(list []netip.AddrPort, addr netip.AddrPort) bool {
		for _, a := range list {
			if a == addr {
				return true
			}
		}
		return false
	}
	sampled := func() []netip.AddrPort {
		var out []netip.AddrPort
		for _, rec := range book.Sample(5, nil) {
			out = append(out, rec.Addr)
		}
		return out
	}
	gossiped := func() []netip.AddrPort {
		var out []netip.AddrPort
		for _, na := range book.Sanitized(10) {
			out = append(out, na.Addr)
		}
		return out
	}

	if got := sampled(); len(got) != 1 || got[0] != ap("9.9.9.9:8233") {
		t.Fatalf("expected only the unbanned IP as a dial candidate, got %v", got)
	}
	if got := gossiped(); contains(got, other) || len(got) != 1 {
		t.Fatalf("expected banned IP withheld from gossip, got %v", got)
	}

	clock.Advance(2 * time.Hour)
	if got := sampled(); !contains(got, other) {
		t.Fatalf("expected %s to be dialable after the ban expired, got %v", other, got)
	}
	if got := gossiped(); !contains(got, other) {
		t.Fatalf("expected %s to be gossiped after the ban expired, got %v", other, got)
	}
}

func TestAddressBookBackoffGrowsWithFailures(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, clock, 10, "")
	addr := ap("1.2.3.4:8333")
	var prev time.Duration
	for i := 0; i < 4; i++ {
		if err := book.RecordAttempt(addr, OutcomeFailed); err != nil {
			t.Fatalf("record: %v", err)
		}
		wait := book.NextDialAt(addr).Sub(clock.Now())
		if wait <= prev {
			t.Fatalf("failure %d: backoff %s did not grow past %s", i+1, wait, prev)
		}
		prev = wait
	}
	for i := 0; i < 20; i++ {
		_ = book.RecordAttempt(addr, OutcomeFailed)
	}
	if wait := book.NextDialAt(addr).Sub(clock.Now()); wait != time.Hour {
		t.Fatalf("expected backoff capped at 1h, got %s", wait)
	}
	if err := book.RecordAttempt(addr, OutcomeConnected); err != nil {
		t.Fatalf("record: %v", err)
	}
	if !book.NextDialAt(addr).Equal(clock.Now()) {
		t.Fatalf("expected success to clear backoff")
	}
}

func TestAddressBookSampleFavorsHealthyEntries(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, clock, 10, "")
	healthy := ap("1.1.1.1:8333")
	flaky := ap("2.2.2.2:8333")
	for _, addr := range []netip.AddrPort{healthy, flaky} {
		if err := book.InsertOrUpdate(PeerAddress{Addr: addr, LastSeen: clock.Now()}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	for i := 0; i < 8; i++ {
		_ = book.RecordAttempt(flaky, OutcomeFailed)
	}
	clock.Advance(48 * time.Hour)

	first := map[netip.AddrPort]int{}
	for i := 0; i < 200; i++ {
		got := book.Sample(1, nil)
		if len(got) != 1 {
			t.Fatalf("expected one candidate, got %v", got)
		}
		first[got[0].Addr]++
	}
	if first[healthy] <= first[flaky] {
		t.Fatalf("expected healthy entry to be drawn more often: %v", first)
	}
}

func TestAddressBookPersistsAcrossRestart(t *testing.T) {
	clock := newFakeClock()
	dir := t.TempDir()
	book, err := NewAddressBook(AddressBookConfig{Path: dir, Capacity: 10, Now: clock.Now})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := book.InsertOrUpdate(PeerAddress{Addr: ap("1.2.3.4:8333"), Services: wire.SFNodeNetwork, LastSeen: clock.Now()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := book.RecordAttempt(ap("5.6.7.8:8333"), OutcomeConnected); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := book.MarkBanned(ap("9.9.9.9:8333"), clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if err := book.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := newTestBook(t, clock, 10, dir)
	if got := reopened.Len(); got != 3 {
		t.Fatalf("expected 3 persisted entries, got %d", got)
	}
	rec, ok := reopened.Get(ap("1.2.3.4:8333"))
	if !ok || rec.Services != wire.SFNodeNetwork || !rec.LastSeen.Equal(clock.Now()) {
		t.Fatalf("unexpected reloaded entry %+v", rec)
	}
	rec, _ = reopened.Get(ap("5.6.7.8:8333"))
	if rec.State != AddrNew {
		t.Fatalf("expected stale connected state to reset, got %s", rec.State)
	}
	if !reopened.IsBanned(netip.MustParseAddr("9.9.9.9")) {
		t.Fatalf("expected ban to survive restart")
	}
}

func TestAddressBookSanitized(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, clock, 100, "")
	for i := 1; i <= 60; i++ {
		addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{8, 8, 8, byte(i)}), 8333)
		if err := book.InsertOrUpdate(PeerAddress{Addr: addr, LastSeen: clock.Now()}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := book.MarkBanned(ap("8.8.8.1:8333"), clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ban: %v", err)
	}

	got := book.Sanitized(0)
	if len(got) != defaultSanitizedLimit {
		t.Fatalf("expected %d addresses, got %d", defaultSanitizedLimit, len(got))
	}
	all := book.Sanitized(1000)
	if len(all) != 59 {
		t.Fatalf("expected banned entry to be withheld, got %d addresses", len(all))
	}
	for _, na := range all {
		if na.Addr == ap("8.8.8.1:8333") {
			t.Fatalf("banned address leaked into sanitized list")
		}
		if !na.Timestamp.Equal(clock.Now().Truncate(time.Hour)) {
			t.Fatalf("expected timestamp rounded to the hour, got %s", na.Timestamp)
		}
	}
}

func TestAddressBookRejectsInvalidAddresses(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, clock, 10, "")
	for _, addr := range []netip.AddrPort{{}, ap("0.0.0.0:8333"), ap("1.2.3.4:0")} {
		if err := book.InsertOrUpdate(PeerAddress{Addr: addr}); !errors.Is(err, errInvalidAddress) {
			t.Fatalf("expected errInvalidAddress for %s, got %v", addr, err)
		}
	}
}
