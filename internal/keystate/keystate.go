// Package keystate tracks which upstream holds the session key for each
// drone. Two structures live under one lock: the key-affinity map (drone id
// to upstream index, LRU-bounded) and the processing set (drones whose key
// generation is in flight right now). A single lock keeps the
// processing-to-affinity handoff atomic: no reader can observe a drone in
// neither structure while a keygen result is being recorded.
package keystate

import (
	"container/list"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/skyroute/drone-gateway/internal/metrics"
)

// KeyInfo records where a drone's key lives and, when known, the drone's
// serial number reported by the upstream.
type KeyInfo struct {
	ServerIdx int
	SN        string
}

type procEntry struct {
	droneID string
	added   time.Time
}

// Table is the in-memory routing state for one gateway process. State is
// deliberately process-local: losing it on restart only costs extra keygen
// calls, never correctness.
type Table struct {
	mu sync.Mutex

	affinity    *lru.Cache
	affinityCap int

	processing    map[string]*list.Element
	procOrder     *list.List // front is oldest
	processingCap int
	processingTTL time.Duration

	now func() time.Time
}

func NewTable(affinityCap, processingCap int, processingTTL time.Duration) (*Table, error) {
	cache, err := lru.New(affinityCap)
	if err != nil {
		return nil, err
	}
	return &Table{
		affinity:      cache,
		affinityCap:   affinityCap,
		processing:    make(map[string]*list.Element),
		procOrder:     list.New(),
		processingCap: processingCap,
		processingTTL: processingTTL,
		now:           time.Now,
	}, nil
}

// LookupKey returns where droneID's key lives. A hit counts as use and
// refreshes the entry's LRU position.
func (t *Table) LookupKey(droneID string) (KeyInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.affinity.Get(droneID)
	if !ok {
		return KeyInfo{}, false
	}
	return v.(KeyInfo), true
}

// TryAddProcessing claims droneID for key generation. Returns false when the
// drone is already claimed and that claim has not expired, so concurrent key
// packets for one drone collapse into a single upstream call.
func (t *Table) TryAddProcessing(droneID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purgeLocked()

	if _, ok := t.processing[droneID]; ok {
		return false
	}
	// At capacity the oldest claim is evicted. Its job may still be running;
	// the upstream's own BUSY gate protects that path.
	if t.procOrder.Len() >= t.processingCap {
		t.evictOldestLocked()
	}
	el := t.procOrder.PushBack(&procEntry{droneID: droneID, added: t.now()})
	t.processing[droneID] = el
	metrics.ProcessingSize.Set(float64(len(t.processing)))
	return true
}

// InProcessing reports whether droneID has a live keygen claim.
func (t *Table) InProcessing(droneID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purgeLocked()
	_, ok := t.processing[droneID]
	return ok
}

// RemoveProcessing releases droneID's claim without recording a key.
func (t *Table) RemoveProcessing(droneID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(droneID)
	metrics.ProcessingSize.Set(float64(len(t.processing)))
}

// Complete records that the upstream at serverIdx holds droneID's key,
// releasing any keygen claim in the same critical section. This is the only
// write path into the affinity map.
func (t *Table) Complete(droneID string, serverIdx int, sn string) {
	t.mu.Lock()
	t.removeLocked(droneID)
	t.affinity.Add(droneID, KeyInfo{ServerIdx: serverIdx, SN: sn})
	procLen := len(t.processing)
	affLen := t.affinity.Len()
	t.mu.Unlock()
	metrics.ProcessingSize.Set(float64(procLen))
	metrics.AffinitySize.Set(float64(affLen))
}

// Caps returns the configured affinity and processing capacities.
func (t *Table) Caps() (affinity, processing int) {
	return t.affinityCap, t.processingCap
}

// ProcessingTTL is how long a keygen claim may live.
func (t *Table) ProcessingTTL() time.Duration { return t.processingTTL }

// Stats returns the current affinity and processing sizes.
func (t *Table) Stats() (affinity, processing int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purgeLocked()
	return t.affinity.Len(), len(t.processing)
}

func (t *Table) removeLocked(droneID string) {
	if el, ok := t.processing[droneID]; ok {
		t.procOrder.Remove(el)
		delete(t.processing, droneID)
	}
}

// purgeLocked drops processing claims older than the TTL. A claim that old
// belongs to a worker that crashed or stalled; keeping it would wedge the
// drone forever.
func (t *Table) purgeLocked() {
	if t.processingTTL <= 0 {
		return
	}
	cutoff := t.now().Add(-t.processingTTL)
	for {
		front := t.procOrder.Front()
		if front == nil {
			break
		}
		e := front.Value.(*procEntry)
		if e.added.After(cutoff) {
			break
		}
		t.procOrder.Remove(front)
		delete(t.processing, e.droneID)
	}
}

func (t *Table) evictOldestLocked() {
	front := t.procOrder.Front()
	if front == nil {
		return
	}
	e := front.Value.(*procEntry)
	t.procOrder.Remove(front)
	delete(t.processing, e.droneID)
}
