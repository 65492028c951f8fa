package merge

import "github.com/MarcoPoloResearchLab/vaultsync/internal/vault"

type decision struct {
	serverWins bool
	write      bool
	record     vault.Record
}

// resolveRecord picks the winner of a record present on both sides.
// The server copy wins only with a strictly later UpdatedAt; ties keep local.
func resolveRecord(local, server vault.Record, reconcileDeletes bool) decision {
	serverWins := server.UpdatedAt.After(local.UpdatedAt)
	winner := local
	if serverWins {
		winner = server
	}
	merged := winner.Clone()
	if reconcileDeletes {
		merged.IsDeleted = reconcileTombstone(local, server, winner.IsDeleted)
	}

	return decision{
		serverWins: serverWins,
		write:      serverWins || merged.IsDeleted != local.IsDeleted,
		record:     merged,
	}
}

// reconcileTombstone resolves IsDeleted independently of the other columns.
// Tombstones on both sides are absorbing; a one-sided tombstone wins when it
// carries the later UpdatedAt; otherwise the LWW winner decides.
func reconcileTombstone(local, server vault.Record, winnerDeleted bool) bool {
	switch {
	case local.IsDeleted && server.IsDeleted:
		return true
	case server.IsDeleted && server.UpdatedAt.After(local.UpdatedAt):
		return true
	case local.IsDeleted && local.UpdatedAt.After(server.UpdatedAt):
		return true
	default:
		return winnerDeleted
	}
}
