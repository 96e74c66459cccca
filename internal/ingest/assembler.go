package ingest

import (
	"github.com/tinytelemetry/qlprof/internal/model"
	"github.com/tinytelemetry/qlprof/internal/reducer"
	"github.com/tinytelemetry/qlprof/internal/registry"
)

// Assembler turns accepted rows into reduced records, resolving user and
// server names to registry ids.
type Assembler struct {
	users   *registry.Registry
	servers *registry.Registry
}

// NewAssembler creates an Assembler over the given registries.
func NewAssembler(users, servers *registry.Registry) *Assembler {
	return &Assembler{users: users, servers: servers}
}

// Assemble builds the reduced record for an accepted decision. Unseen
// names get a pending id that stays reserved until Commit or Rollback.
func (a *Assembler) Assemble(row model.RawLogRow, d reducer.Decision) model.ReducedLogRecord {
	uid, _ := a.users.Resolve(d.User)
	sid, _ := a.servers.Resolve(d.Server)
	return model.ReducedLogRecord{
		EventTime: row.EventTime,
		UserID:    uid,
		ServerID:  sid,
		ThreadID:  row.ThreadID,
		Type:      d.Query.Type,
		Query:     d.Query.Text,
		Values:    d.Query.JoinedValues(),
	}
}
