package mesh

import (
	"sort"
	"sync"
	"time"
)

// peerTable - таблица пиров с учетом неудач
type peerTable struct {
	mu        sync.RWMutex
	peers     map[string]*PeerState
	threshold int
}

func newPeerTable(threshold int) *peerTable {
	return &peerTable{peers: make(map[string]*PeerState), threshold: threshold}
}

// add добавляет пира. Возвращает false, если он уже был.
func (pt *peerTable) add(addr, source string, now time.Time) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if _, ok := pt.peers[addr]; ok {
		return false
	}
	pt.peers[addr] = &PeerState{Address: addr, LastSeen: now, Active: true, Source: source}
	return true
}

func (pt *peerTable) remove(addr string) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if _, ok := pt.peers[addr]; !ok {
		return false
	}
	delete(pt.peers, addr)
	return true
}

func (pt *peerTable) has(addr string) bool {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	_, ok := pt.peers[addr]
	return ok
}

// touch отмечает пира живым. Возвращает true, если пир стал активным.
func (pt *peerTable) touch(addr string, now time.Time) (activated bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	p, ok := pt.peers[addr]
	if !ok {
		return false
	}
	activated = !p.Active
	p.LastSeen = now
	p.FailedAttempts = 0
	p.Active = true
	return activated
}

// fail учитывает неудачу. Возвращает true, если пир стал неактивным.
func (pt *peerTable) fail(addr string) (deactivated bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	p, ok := pt.peers[addr]
	if !ok {
		return false
	}
	p.FailedAttempts++
	if p.Active && p.FailedAttempts >= pt.threshold {
		p.Active = false
		return true
	}
	return false
}

// maintain удаляет давно молчащих пиров и снижает счетчик неудач неактивных.
// Статические пиры не удаляются.
func (pt *peerTable) maintain(now time.Time, timeout time.Duration) (removed, reactivated []string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	for addr, p := range pt.peers {
		if now.Sub(p.LastSeen) > timeout && p.Source != SourceStatic {
			delete(pt.peers, addr)
			removed = append(removed, addr)
			continue
		}
		if !p.Active && p.FailedAttempts > 0 {
			p.FailedAttempts--
			if p.FailedAttempts == 0 {
				p.Active = true
				reactivated = append(reactivated, addr)
			}
		}
	}
	return removed, reactivated
}

// snapshot возвращает копии состояний, отсортированные по адресу
func (pt *peerTable) snapshot() []PeerState {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	out := make([]PeerState, 0, len(pt.peers))
	for _, p := range pt.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// active возвращает адреса активных пиров, кроме except
func (pt *peerTable) active(except string) []string {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	var out []string
	for addr, p := range pt.peers {
		if p.Active && addr != except {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

func (pt *peerTable) inactive() []string {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	var out []string
	for addr, p := range pt.peers {
		if !p.Active {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

func (pt *peerTable) counts() (total, active int) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	for _, p := range pt.peers {
		if p.Active {
			active++
		}
	}
	return len(pt.peers), active
}
