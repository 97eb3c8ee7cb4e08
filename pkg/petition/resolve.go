package petition

import (
	"context"

	"github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/events"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/metrics"
	"github.com/nedfreetoplay/hydrus/pkg/repo"
	"github.com/nedfreetoplay/hydrus/pkg/types"
	"github.com/nedfreetoplay/hydrus/pkg/wire"
)

// Approve replays the petition's content through the same add/delete
// primitives any moderator action uses, and rewards the petitioner's score
// by the weight of what the approval affected.
func (e *Engine) Approve(ctx context.Context, q db.Querier, serviceID int64, p *Petition, serviceName string, now int64) error {
	var score int64

	for _, action := range p.Actions {
		for _, row := range action.Rows {
			weight, err := e.rowWeight(ctx, q, serviceID, row)
			if err != nil {
				return err
			}

			switch action.Action {
			case types.PetitionPend:
				err = e.applyAdd(ctx, q, serviceID, p.Account.ID, row, now)
			case types.PetitionPetition:
				err = e.applyDelete(ctx, q, serviceID, p.Account.ID, row, now)
			default:
				err = herr.Newf(herr.BadRequest, "unknown petition action %q", action.Action)
			}
			if err != nil {
				return err
			}
			score += weight
		}
	}

	if err := e.Accounts.AddPetitionScore(ctx, q, p.Account.ID, score); err != nil {
		return err
	}

	metrics.PetitionsResolvedTotal.WithLabelValues(serviceName, "approved").Inc()
	if e.broker != nil {
		db.QueueOrPublish(ctx, e.broker, &events.Event{Type: events.EventPetitionResolved, ServiceID: serviceID, Message: "approved"})
	}
	return nil
}

// Deny drops the petition's pending or petitioned rows without moving any
// data, and penalizes the petitioner's score symmetrically.
func (e *Engine) Deny(ctx context.Context, q db.Querier, serviceID int64, p *Petition, serviceName string, now int64) error {
	var score int64

	for _, action := range p.Actions {
		for _, row := range action.Rows {
			weight, err := e.rowWeight(ctx, q, serviceID, row)
			if err != nil {
				return err
			}

			switch action.Action {
			case types.PetitionPend:
				err = e.applyDenyPend(ctx, q, serviceID, p.Account.ID, row)
			case types.PetitionPetition:
				err = e.applyDenyPetition(ctx, q, serviceID, p.Account.ID, row, now)
			default:
				err = herr.Newf(herr.BadRequest, "unknown petition action %q", action.Action)
			}
			if err != nil {
				return err
			}
			score -= weight
		}
	}

	if err := e.Accounts.AddPetitionScore(ctx, q, p.Account.ID, score); err != nil {
		return err
	}

	metrics.PetitionsResolvedTotal.WithLabelValues(serviceName, "denied").Inc()
	if e.broker != nil {
		db.QueueOrPublish(ctx, e.broker, &events.Event{Type: events.EventPetitionResolved, ServiceID: serviceID, Message: "denied"})
	}
	return nil
}

// rowWeight is the petitioner-scoring weight of one content row: the tag's
// current mapping count for mappings, floored at one; one per row
// otherwise.
func (e *Engine) rowWeight(ctx context.Context, q db.Querier, serviceID int64, row wire.Content) (int64, error) {
	if row.Kind != types.ContentMappings {
		return 1, nil
	}
	tagID, err := e.Repo.Master.TagID(ctx, q, row.Tag)
	if err != nil {
		return 0, err
	}
	count, err := e.Repo.CurrentMappingCount(ctx, q, serviceID, tagID)
	if err != nil {
		return 0, err
	}
	if count < 1 {
		count = 1
	}
	return count, nil
}

func (e *Engine) hashIDs(ctx context.Context, q db.Querier, hashes []wire.IDHash) ([]int64, error) {
	ids := make([]int64, 0, len(hashes))
	for _, h := range hashes {
		id, err := e.Repo.Master.HashID(ctx, q, types.Hash{Algorithm: types.HashAlgorithm(h.Algorithm), Digest: h.Hash})
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Engine) pairIDs(ctx context.Context, q db.Querier, row wire.Content) (int64, int64, error) {
	a, err := e.Repo.Master.TagID(ctx, q, row.TagA)
	if err != nil {
		return 0, 0, err
	}
	b, err := e.Repo.Master.TagID(ctx, q, row.TagB)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func (e *Engine) applyAdd(ctx context.Context, q db.Querier, serviceID, accountID int64, row wire.Content, now int64) error {
	switch row.Kind {
	case types.ContentFiles:
		// File pends carry no bytes; approval promotes the pending rows by
		// re-running the add for each hash with stored metadata.
		ids, err := e.hashIDs(ctx, q, row.Hashes)
		if err != nil {
			return err
		}
		for _, id := range ids {
			h, err := e.Repo.Master.Hash(ctx, q, id)
			if err != nil {
				return err
			}
			fi, err := e.fileInfoFor(ctx, q, id, h, row)
			if err != nil {
				return err
			}
			// Moderator approval is not subject to the storage gate.
			if err := e.Repo.AddFile(ctx, q, serviceID, accountID, fi, repo.AddFileOpts{BypassStorage: true}, now); err != nil {
				return err
			}
		}
		return nil

	case types.ContentMappings:
		tagID, err := e.Repo.Master.TagID(ctx, q, row.Tag)
		if err != nil {
			return err
		}
		ids, err := e.hashIDs(ctx, q, row.Hashes)
		if err != nil {
			return err
		}
		return e.Repo.AddMappings(ctx, q, serviceID, accountID, tagID, ids, false, now)

	case types.ContentTagParents:
		a, b, err := e.pairIDs(ctx, q, row)
		if err != nil {
			return err
		}
		return e.Repo.AddTagParent(ctx, q, serviceID, accountID, a, b, false, now)

	case types.ContentTagSiblings:
		a, b, err := e.pairIDs(ctx, q, row)
		if err != nil {
			return err
		}
		return e.Repo.AddTagSibling(ctx, q, serviceID, accountID, a, b, false, now)

	default:
		return herr.Newf(herr.BadRequest, "unknown content kind %q", row.Kind)
	}
}

func (e *Engine) applyDelete(ctx context.Context, q db.Querier, serviceID, accountID int64, row wire.Content, now int64) error {
	switch row.Kind {
	case types.ContentFiles:
		ids, err := e.hashIDs(ctx, q, row.Hashes)
		if err != nil {
			return err
		}
		serviceIDs := make([]int64, 0, len(ids))
		for _, id := range ids {
			sid, err := e.Repo.ServiceHashID(ctx, q, serviceID, id, now)
			if err != nil {
				return err
			}
			serviceIDs = append(serviceIDs, sid)
		}
		return e.Repo.DeleteFiles(ctx, q, serviceID, accountID, serviceIDs, now)

	case types.ContentMappings:
		tagID, err := e.Repo.Master.TagID(ctx, q, row.Tag)
		if err != nil {
			return err
		}
		ids, err := e.hashIDs(ctx, q, row.Hashes)
		if err != nil {
			return err
		}
		return e.Repo.DeleteMappings(ctx, q, serviceID, accountID, tagID, ids, now)

	case types.ContentTagParents:
		a, b, err := e.pairIDs(ctx, q, row)
		if err != nil {
			return err
		}
		return e.Repo.DeleteTagParent(ctx, q, serviceID, accountID, a, b, now)

	case types.ContentTagSiblings:
		a, b, err := e.pairIDs(ctx, q, row)
		if err != nil {
			return err
		}
		return e.Repo.DeleteTagSibling(ctx, q, serviceID, accountID, a, b, now)

	default:
		return herr.Newf(herr.BadRequest, "unknown content kind %q", row.Kind)
	}
}

func (e *Engine) applyDenyPend(ctx context.Context, q db.Querier, serviceID, accountID int64, row wire.Content) error {
	switch row.Kind {
	case types.ContentFiles:
		ids, err := e.hashIDs(ctx, q, row.Hashes)
		if err != nil {
			return err
		}
		return e.Repo.DenyPendFiles(ctx, q, serviceID, accountID, ids)

	case types.ContentMappings:
		tagID, err := e.Repo.Master.TagID(ctx, q, row.Tag)
		if err != nil {
			return err
		}
		ids, err := e.hashIDs(ctx, q, row.Hashes)
		if err != nil {
			return err
		}
		return e.Repo.DenyPendMappings(ctx, q, serviceID, accountID, tagID, ids)

	case types.ContentTagParents:
		a, b, err := e.pairIDs(ctx, q, row)
		if err != nil {
			return err
		}
		return e.Repo.DenyPendTagParent(ctx, q, serviceID, accountID, a, b)

	case types.ContentTagSiblings:
		a, b, err := e.pairIDs(ctx, q, row)
		if err != nil {
			return err
		}
		return e.Repo.DenyPendTagSibling(ctx, q, serviceID, accountID, a, b)

	default:
		return herr.Newf(herr.BadRequest, "unknown content kind %q", row.Kind)
	}
}

func (e *Engine) applyDenyPetition(ctx context.Context, q db.Querier, serviceID, accountID int64, row wire.Content, now int64) error {
	switch row.Kind {
	case types.ContentFiles:
		ids, err := e.hashIDs(ctx, q, row.Hashes)
		if err != nil {
			return err
		}
		serviceIDs := make([]int64, 0, len(ids))
		for _, id := range ids {
			sid, err := e.Repo.ServiceHashID(ctx, q, serviceID, id, now)
			if err != nil {
				return err
			}
			serviceIDs = append(serviceIDs, sid)
		}
		return e.Repo.DenyPetitionFiles(ctx, q, serviceID, accountID, serviceIDs)

	case types.ContentMappings:
		tagID, err := e.Repo.Master.TagID(ctx, q, row.Tag)
		if err != nil {
			return err
		}
		ids, err := e.hashIDs(ctx, q, row.Hashes)
		if err != nil {
			return err
		}
		return e.Repo.DenyPetitionMappings(ctx, q, serviceID, accountID, tagID, ids, now)

	case types.ContentTagParents:
		a, b, err := e.pairIDs(ctx, q, row)
		if err != nil {
			return err
		}
		return e.Repo.DenyPetitionTagParent(ctx, q, serviceID, accountID, a, b, now)

	case types.ContentTagSiblings:
		a, b, err := e.pairIDs(ctx, q, row)
		if err != nil {
			return err
		}
		return e.Repo.DenyPetitionTagSibling(ctx, q, serviceID, accountID, a, b, now)

	default:
		return herr.Newf(herr.BadRequest, "unknown content kind %q", row.Kind)
	}
}

func (e *Engine) fileInfoFor(ctx context.Context, q db.Querier, masterHashID int64, h types.Hash, row wire.Content) (repo.FileInfo, error) {
	fi := repo.FileInfo{Hash: h}
	if row.File != nil {
		fi.Size = row.File.Size
		fi.Mime = row.File.Mime
		fi.Width = row.File.Width
		fi.Height = row.File.Height
		fi.DurationMS = row.File.DurationMS
		fi.NumFrames = row.File.NumFrames
		fi.NumWords = row.File.NumWords
		return fi, nil
	}

	// Fall back to previously stored metadata.
	err := q.QueryRowContext(ctx, `
		SELECT size, mime, width, height, duration_ms, num_frames, num_words
		FROM files_info WHERE master_hash_id = ?`, masterHashID).
		Scan(&fi.Size, &fi.Mime, &fi.Width, &fi.Height, &fi.DurationMS, &fi.NumFrames, &fi.NumWords)
	if err != nil {
		return fi, herr.Newf(herr.NotFound, "no stored metadata for %s", h.Hex())
	}
	return fi, nil
}
