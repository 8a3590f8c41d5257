package engine

import (
	"time"

	"github.com/classdesk/rollcall/internal/schema"
)

// Resolve decides precedence between a local and a remote version of an
// entity. It is a pure function: the same inputs always produce the same
// winner, so a replayed reconciliation converges.
//
// pendingOp is the op kind of the entity's unacknowledged queued
// mutation, or empty when nothing is outstanding.
//
// Policy, applied in order:
//
//  1. If local is absent or clean, the remote version wins outright. The
//     server is authoritative for anything not locally pending.
//  2. If local is pending behind an unacknowledged create, the local
//     version is kept and the server-assigned id is grafted onto it, so
//     user input is never discarded before the server has seen it.
//  3. Otherwise the larger version wins; an exact tie breaks on lexical
//     ordering of the entity ids, larger id winning.
//
// The result carries a clean sync state except under rule 2, where it
// stays pending, and under rule 3 when the remote version displaces a
// still-queued local mutation, where it is marked conflict so the
// discarded edit stays visible for inspection.
func Resolve(local *schema.Entity, pendingOp schema.OpKind, remote *schema.Entity) *schema.Entity {
	if local == nil || local.SyncState != schema.StatePending {
		return cleanCopy(remote)
	}

	if pendingOp == schema.OpCreate {
		kept := *local
		kept.ID = remote.ID
		kept.SyncState = schema.StatePending
		return &kept
	}

	remoteWins := remote.Version > local.Version ||
		(remote.Version == local.Version && remote.ID >= local.ID)
	if !remoteWins {
		return cleanCopy(local)
	}
	if pendingOp != "" {
		return conflictCopy(remote)
	}
	return cleanCopy(remote)
}

func cleanCopy(e *schema.Entity) *schema.Entity {
	return stampCopy(e, schema.StateClean)
}

func conflictCopy(e *schema.Entity) *schema.Entity {
	return stampCopy(e, schema.StateConflict)
}

func stampCopy(e *schema.Entity, state schema.SyncState) *schema.Entity {
	out := *e
	out.SyncState = state
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = time.Now().UTC()
	}
	return &out
}
