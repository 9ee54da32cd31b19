// Package mirror keeps an in-memory copy of the unified log for active
// sessions so live dashboards never touch the durable store. Rows are
// evicted a grace period after the owning session goes terminal.
package mirror

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rvbbit/windlass/internal/unilog"
)

// DefaultGrace is how long rows of a terminal session stay queryable.
const DefaultGrace = 30 * time.Second

// Mirror is a multi-writer in-memory row store. Its lock is held only for
// the duration of a single insert, update, or query.
type Mirror struct {
	mu sync.Mutex

	bySession map[string][]*unilog.Row
	byTrace   map[string]*unilog.Row
	byCascade map[string][]*unilog.Row
	byPhase   map[phaseKey][]*unilog.Row
	byRequest map[string][]*unilog.Row

	// ended maps session id to the time EndSession was called.
	ended map[string]time.Time

	scavengeEvery time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
}

type phaseKey struct {
	sessionID string
	phase     string
}

// New creates a Mirror and starts its background scavenger.
func New() *Mirror {
	m := &Mirror{
		bySession:     make(map[string][]*unilog.Row),
		byTrace:       make(map[string]*unilog.Row),
		byCascade:     make(map[string][]*unilog.Row),
		byPhase:       make(map[phaseKey][]*unilog.Row),
		byRequest:     make(map[string][]*unilog.Row),
		ended:         make(map[string]time.Time),
		scavengeEvery: 5 * time.Second,
		stopCh:        make(chan struct{}),
	}
	go m.scavenge()
	return m
}

// Close stops the scavenger.
func (m *Mirror) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Append inserts a row. It implements unilog.Writer.
func (m *Mirror) Append(row *unilog.Row) error {
	if row.Timestamp == 0 {
		row.Timestamp = unilog.NowMicros()
	}
	if row.ContentHash == "" {
		row.ContentHash = unilog.HashContent(row.Role, row.Content)
	}
	cp := *row

	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(&cp)
	return nil
}

func (m *Mirror) insertLocked(r *unilog.Row) {
	m.bySession[r.SessionID] = append(m.bySession[r.SessionID], r)
	m.byTrace[r.TraceID] = r
	if r.CascadeID != "" {
		m.byCascade[r.CascadeID] = append(m.byCascade[r.CascadeID], r)
	}
	if r.PhaseName != "" {
		k := phaseKey{r.SessionID, r.PhaseName}
		m.byPhase[k] = append(m.byPhase[k], r)
	}
	if r.ProviderRequestID != "" {
		m.byRequest[r.ProviderRequestID] = append(m.byRequest[r.ProviderRequestID], r)
	}
}

// UpdateCost updates every mirrored row with the given provider request
// id. When the id is unknown (the row already aged out, or ordering put
// the cost first), a fresh cost_update row is inserted instead so
// aggregations stay correct regardless of arrival order.
func (m *Mirror) UpdateCost(u unilog.CostUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.byRequest[u.ProviderRequestID]
	if len(rows) == 0 {
		row := &unilog.Row{
			Timestamp:         unilog.NowMicros(),
			TraceID:           uuid.NewString(),
			NodeType:          unilog.NodeCostUpdate,
			Role:              "structure",
			Provider:          u.Provider,
			ProviderRequestID: u.ProviderRequestID,
			Cost:              u.Cost,
			TokensIn:          u.TokensIn,
			TokensOut:         u.TokensOut,
			ReasoningTokens:   u.ReasoningTokens,
		}
		row.ContentHash = unilog.HashContent(row.Role, row.Content)
		m.insertLocked(row)
		return true, nil
	}

	var changed bool
	for _, r := range rows {
		if r.Cost != nil && u.Cost == nil {
			continue
		}
		if r.Cost != nil && u.Cost != nil && *r.Cost == *u.Cost {
			continue
		}
		r.Cost = u.Cost
		if u.TokensIn != nil {
			r.TokensIn = u.TokensIn
		}
		if u.TokensOut != nil {
			r.TokensOut = u.TokensOut
		}
		if u.ReasoningTokens != nil {
			r.ReasoningTokens = u.ReasoningTokens
		}
		changed = true
	}
	return changed, nil
}

// SessionForRequest returns the session owning the rows with the given
// provider request id, or "" when none are mirrored.
func (m *Mirror) SessionForRequest(providerRequestID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rows := m.byRequest[providerRequestID]; len(rows) > 0 {
		return rows[0].SessionID
	}
	return ""
}

// GetByTrace returns a copy of the row with the given trace id.
func (m *Mirror) GetByTrace(traceID string) *unilog.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byTrace[traceID]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// SessionRows returns copies of all rows for a session in insert order.
func (m *Mirror) SessionRows(sessionID string) []unilog.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyRows(m.bySession[sessionID])
}

// CascadeRows returns copies of all rows for a cascade id.
func (m *Mirror) CascadeRows(cascadeID string) []unilog.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyRows(m.byCascade[cascadeID])
}

// PhaseRows returns copies of the rows for one cell of a session.
func (m *Mirror) PhaseRows(sessionID, phase string) []unilog.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyRows(m.byPhase[phaseKey{sessionID, phase}])
}

func copyRows(rows []*unilog.Row) []unilog.Row {
	out := make([]unilog.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	return out
}

// EndSession marks a session terminal; its rows survive the grace period
// and are then scavenged. A zero grace uses DefaultGrace.
func (m *Mirror) EndSession(sessionID string, grace time.Duration) {
	if grace <= 0 {
		grace = DefaultGrace
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended[sessionID] = time.Now().Add(grace)
}

// ClearSession drops a session's rows immediately.
func (m *Mirror) ClearSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked(sessionID)
}

func (m *Mirror) clearLocked(sessionID string) {
	rows := m.bySession[sessionID]
	for _, r := range rows {
		delete(m.byTrace, r.TraceID)
		if r.PhaseName != "" {
			delete(m.byPhase, phaseKey{sessionID, r.PhaseName})
		}
		if r.ProviderRequestID != "" {
			delete(m.byRequest, r.ProviderRequestID)
		}
		if r.CascadeID != "" {
			kept := m.byCascade[r.CascadeID][:0]
			for _, cr := range m.byCascade[r.CascadeID] {
				if cr.SessionID != sessionID {
					kept = append(kept, cr)
				}
			}
			if len(kept) == 0 {
				delete(m.byCascade, r.CascadeID)
			} else {
				m.byCascade[r.CascadeID] = kept
			}
		}
	}
	delete(m.bySession, sessionID)
	delete(m.ended, sessionID)
}

func (m *Mirror) scavenge() {
	ticker := time.NewTicker(m.scavengeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for sid, deadline := range m.ended {
				if now.After(deadline) {
					m.clearLocked(sid)
				}
			}
			m.mu.Unlock()
		}
	}
}
