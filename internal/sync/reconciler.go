package sync

import "sort"

// Reconcile merges the two change sets into a single write plan using
// last-write-wins on the effective edit timestamps.
//
// Rules, per order key:
//   - present only locally: push (or push a delete if soft-deleted)
//   - present only remotely: pull, line items included
//   - present on both sides: the strictly later side wins; exact equality is
//     a no-op — re-writing an already consistent order would re-stamp it and
//     trigger the next run, a livelock
//   - soft-deleted locally: the delete wins regardless of the remote
//     timestamp; a later remote touch on a deleted order is stale metadata,
//     not a resurrection
//
// The candidate sets are never truncated here: every changed order is
// planned, however many there are.
func Reconcile(local, remote []OrderChange) Plan {
	localByID := make(map[string]OrderChange, len(local))
	for _, c := range local {
		localByID[c.ExtID] = c
	}
	remoteByID := make(map[string]OrderChange, len(remote))
	for _, c := range remote {
		remoteByID[c.ExtID] = c
	}

	keys := make([]string, 0, len(localByID)+len(remoteByID))
	seen := make(map[string]bool)
	for _, c := range local {
		keys = append(keys, c.ExtID)
		seen[c.ExtID] = true
	}
	for _, c := range remote {
		if !seen[c.ExtID] {
			keys = append(keys, c.ExtID)
		}
	}
	sort.Strings(keys)

	var plan Plan
	for _, key := range keys {
		lc, hasLocal := localByID[key]
		rc, hasRemote := remoteByID[key]

		switch {
		case hasLocal && !hasRemote:
			if lc.Deleted {
				plan.ToRemoteDelete = append(plan.ToRemoteDelete, lc)
			} else {
				plan.ToRemoteUpsert = append(plan.ToRemoteUpsert, lc)
			}

		case !hasLocal && hasRemote:
			if rc.Deleted {
				plan.ToLocalDelete = append(plan.ToLocalDelete, rc)
			} else {
				plan.ToLocalUpsert = append(plan.ToLocalUpsert, rc)
			}

		default: // both sides changed
			if lc.Deleted {
				// Terminal: once deleted locally it disappears remotely
				// even if the remote copy was touched later.
				plan.ToRemoteDelete = append(plan.ToRemoteDelete, lc)
				continue
			}
			if rc.Deleted {
				plan.ToLocalDelete = append(plan.ToLocalDelete, rc)
				continue
			}

			switch {
			case lc.LastEdit.After(rc.LastEdit):
				plan.ToRemoteUpsert = append(plan.ToRemoteUpsert, lc)
			case rc.LastEdit.After(lc.LastEdit):
				plan.ToLocalUpsert = append(plan.ToLocalUpsert, rc)
			default:
				// Same instant on both sides: already consistent.
				plan.Skipped++
			}
		}
	}

	return plan
}
