package agent

import (
	"agent-gateway/internal/protocol"
	"agent-gateway/internal/scheduler"
)

// LiveTable records the adapters that are currently connected, keyed by
// agent ID. Adapters maintain their own entries through protocol.LiveTable.
type LiveTable struct {
	t *scheduler.Table[string, *protocol.Adapter]
}

// NewLiveTable creates an empty table.
func NewLiveTable() *LiveTable {
	return &LiveTable{t: scheduler.NewTable[string, *protocol.Adapter]()}
}

func (l *LiveTable) Put(agentID string, a *protocol.Adapter) {
	l.t.Store(agentID, a)
}

// Remove deletes the entry only while it still belongs to a, so a
// replaced adapter cannot evict its successor.
func (l *LiveTable) Remove(agentID string, a *protocol.Adapter) {
	l.t.CompareAndDelete(agentID, a)
}

func (l *LiveTable) Get(agentID string) (*protocol.Adapter, bool) {
	return l.t.Load(agentID)
}

func (l *LiveTable) Len() int {
	return l.t.Len()
}

// IDs returns the agent IDs of live adapters.
func (l *LiveTable) IDs() []string {
	var ids []string
	l.t.Range(func(id string, _ *protocol.Adapter) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}
