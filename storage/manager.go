package storage

import (
	"log/slog"
	"sync"

	"github.com/hdtn/hdtn-core/hdtncore"
	"github.com/hdtn/hdtn-core/telemetry"
)

// Priority is the bundle priority class: priority(0..2).
// Per the Bundle Protocol's own convention, higher values are higher
// priority: PriorityBulk delivers last, PriorityExpedited first.
type Priority uint8

const (
	PriorityBulk      Priority = 0
	PriorityNormal    Priority = 1
	PriorityExpedited Priority = 2
)

// fifoList is an append/pop-front queue of logical segment ids, used as
// the value type of the (dest, priority, expiration) index.
type fifoList struct {
	ids []uint64
}

func (l *fifoList) pushBack(id uint64) { l.ids = append(l.ids, id) }

func (l *fifoList) popFront() (uint64, bool) {
	if len(l.ids) == 0 {
		return 0, false
	}
	id := l.ids[0]
	l.ids = l.ids[1:]
	return id, true
}

// entry pairs a logical (caller-chosen) segment id with the physical
// head slot writeChain actually allocated for it, and the index
// coordinates it was filed under (needed to clean up the index on
// Get without a second scan).
type entry struct {
	physHead         uint32
	dest             hdtncore.EID
	priority         Priority
	expirationSecond uint64
}

// Manager owns the segment index and the backing file. All index
// mutation and segment-file access is guarded by one mutex: the store's
// dataplane is not hot enough to warrant the ingress ack-fabric's split
// map/queue locking scheme (only storage's own Store/Get callers ever
// touch it, never a reactor's hot path).
type Manager struct {
	mu  sync.Mutex
	sf  *segmentFile
	log *slog.Logger
	tel *telemetry.Telemetry

	// index[dest][priority][expirationSecond] is the FIFO list of
	// logical segment ids at that coordinate.
	index map[hdtncore.EID]map[Priority]map[uint64]*fifoList

	// written maps the caller-chosen logical segment id to its entry,
	// both for idempotent re-Store detection and for O(1) lookup on Get.
	written map[uint64]*entry
}

// Open creates or reopens the mmap'd segment file at path.
func Open(path string, segmentSize, numSegments int, log *slog.Logger, tel *telemetry.Telemetry) (*Manager, error) {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	if log == nil {
		log = slog.Default()
	}
	sf, err := openSegmentFile(path, segmentSize, numSegments)
	if err != nil {
		return nil, err
	}
	return &Manager{
		sf:      sf,
		log:     log,
		tel:     tel,
		index:   make(map[hdtncore.EID]map[Priority]map[uint64]*fifoList),
		written: make(map[uint64]*entry),
	}, nil
}

// Close flushes and unmaps the backing file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sf.close()
}

// HasCapacity reports whether at least minFreeSegments remain free,
// the check the custody manager and ingress dispatcher consult before
// deciding to accept custody or route to storage.
func (m *Manager) HasCapacity(minFreeSegments int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sf.freeCount() >= minFreeSegments
}

// Store writes data as a segment chain and files it under
// (dest, priority, expirationSecond). segmentID is a caller-chosen
// logical identity (e.g. the ingress ack-fabric's unique id) used
// purely for idempotency: re-Storing the same segmentID is a no-op and
// returns nil, so re-delivering a storage segment (duplicate store with
// the same segment id) is a no-op. It is distinct from the physical
// mmap slot(s) the chain occupies,
// which Manager allocates internally from its free list.
func (m *Manager) Store(dest hdtncore.EID, priority Priority, expirationSecond uint64, segmentID uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.written[segmentID]; dup {
		return nil
	}

	head, err := m.sf.writeChain(data)
	if err != nil {
		return err
	}

	byPriority, ok := m.index[dest]
	if !ok {
		byPriority = make(map[Priority]map[uint64]*fifoList)
		m.index[dest] = byPriority
	}
	byExpiration, ok := byPriority[priority]
	if !ok {
		byExpiration = make(map[uint64]*fifoList)
		byPriority[priority] = byExpiration
	}
	list, ok := byExpiration[expirationSecond]
	if !ok {
		list = &fifoList{}
		byExpiration[expirationSecond] = list
	}
	list.pushBack(segmentID)

	m.written[segmentID] = &entry{
		physHead:         head,
		dest:             dest,
		priority:         priority,
		expirationSecond: expirationSecond,
	}
	if m.tel != nil {
		m.tel.Stored()
	}
	return nil
}

// Retrieved is one bundle popped off the store by Get.
type Retrieved struct {
	Dest             hdtncore.EID
	Priority         Priority
	ExpirationSecond uint64
	SegmentID        uint64
	Data             []byte
}

// Get selects the highest-priority, earliest-expiration, FIFO-head
// entry among availableDests and returns its bytes, releasing the
// segments it occupied back to the free list. Reports ok=false if none
// of availableDests has anything queued.
func (m *Manager) Get(availableDests []hdtncore.EID) (Retrieved, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		bestDest   hdtncore.EID
		bestPrio   Priority
		bestExp    uint64
		bestList   *fifoList
		haveCand   bool
	)
	for _, dest := range availableDests {
		byPriority, ok := m.index[dest]
		if !ok {
			continue
		}
		for prio, byExpiration := range byPriority {
			for exp, list := range byExpiration {
				if len(list.ids) == 0 {
					continue
				}
				better := !haveCand ||
					prio > bestPrio ||
					(prio == bestPrio && exp < bestExp)
				if better {
					bestDest, bestPrio, bestExp, bestList = dest, prio, exp, list
					haveCand = true
				}
			}
		}
	}
	if !haveCand {
		return Retrieved{}, false, nil
	}

	segmentID, ok := bestList.popFront()
	if !ok {
		return Retrieved{}, false, nil
	}
	e, ok := m.written[segmentID]
	if !ok {
		return Retrieved{}, false, ErrCorruptRead
	}
	data, err := m.sf.readChain(e.physHead)
	if err != nil {
		return Retrieved{}, false, err
	}
	m.sf.releaseChain(e.physHead)
	delete(m.written, segmentID)

	return Retrieved{
		Dest:             bestDest,
		Priority:         bestPrio,
		ExpirationSecond: bestExp,
		SegmentID:        segmentID,
		Data:             data,
	}, true, nil
}

// RemoveByCustody evicts the stored bundle identified by segmentID
// without delivering it, used when a custody signal for it arrives: a
// storage entry lives until its expiration timestamp or until a
// custody signal for it is received. The caller need not know which
// (priority, expiration) bucket the entry is filed under: it is looked
// up from the priority and expiration recorded with the entry.
func (m *Manager) RemoveByCustody(dest hdtncore.EID, segmentID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.written[segmentID]
	if !ok {
		return false
	}
	if byPriority, ok := m.index[dest]; ok {
		if byExpiration, ok := byPriority[e.priority]; ok {
			if list, ok := byExpiration[e.expirationSecond]; ok {
				for i, id := range list.ids {
					if id == segmentID {
						list.ids = append(list.ids[:i], list.ids[i+1:]...)
						break
					}
				}
			}
		}
	}
	m.sf.releaseChain(e.physHead)
	delete(m.written, segmentID)
	return true
}
