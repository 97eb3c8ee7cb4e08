package engine

import (
	"context"
	"database/sql"
	"io"
	"time"

	"github.com/nedfreetoplay/hydrus/pkg/account"
	"github.com/nedfreetoplay/hydrus/pkg/blobstore"
	"github.com/nedfreetoplay/hydrus/pkg/bundler"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/petition"
	"github.com/nedfreetoplay/hydrus/pkg/repo"
	"github.com/nedfreetoplay/hydrus/pkg/types"
	"github.com/nedfreetoplay/hydrus/pkg/wire"
)

// The operations the framing layer dispatches to. Each authenticates and
// permission-checks, then submits its database work as one serializer job,
// so every operation is atomic.

// BeginSession redeems an access key for a session key.
func (e *Engine) BeginSession(ctx context.Context, serviceID int64, accessKey []byte) (types.Key, time.Time, error) {
	var (
		key     types.Key
		expires time.Time
	)
	err := e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		var err error
		key, expires, err = e.Sessions.Begin(jobCtx, tx, serviceID, accessKey, time.Now())
		return err
	})
	return key, expires, err
}

// AccountForSession resolves a session key; a pure cache read.
func (e *Engine) AccountForSession(serviceID int64, sessionKey types.Key) (*account.Account, error) {
	return e.Sessions.AccountFor(serviceID, sessionKey, time.Now())
}

// FetchAccessKey redeems a registration key.
func (e *Engine) FetchAccessKey(ctx context.Context, serviceID int64, regKey []byte) ([]byte, error) {
	var accessKey []byte
	err := e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		var err error
		accessKey, err = e.Accounts.FetchAccessKey(jobCtx, tx, serviceID, regKey)
		return err
	})
	return accessKey, err
}

// SubmitClientUpdate applies a client's submission bundle atomically. Each
// action's rows are pended or petitioned by default; accounts with create
// (for pends) or moderate (for petitions) on the row's kind get their
// changes applied directly.
func (e *Engine) SubmitClientUpdate(ctx context.Context, serviceID int64, acct *account.Account, raw []byte) error {
	update, err := wire.DecodeClientUpdate(raw)
	if err != nil {
		return err
	}

	now := time.Now()
	acct.Bandwidth.AddBytes(now, int64(len(raw)))
	if err := acct.CheckBandwidth(e.serviceName(serviceID), now); err != nil {
		return err
	}

	// Permission-check everything before touching the tables, so a
	// forbidden row never half-applies the bundle.
	for _, action := range update.Actions {
		for _, row := range action.Rows {
			needed := types.ActionPetition
			if err := acct.MayPerform(account.Target(row.Kind), needed, now); err != nil {
				return err
			}
		}
	}

	return e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		defer func() {
			_ = e.Accounts.SaveBandwidth(jobCtx, tx, acct)
		}()
		for _, action := range update.Actions {
			for _, row := range action.Rows {
				if err := e.applyClientRow(jobCtx, tx, serviceID, acct, action, row, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (e *Engine) applyClientRow(ctx context.Context, tx *sql.Tx, serviceID int64, acct *account.Account, action wire.Action, row wire.Content, now time.Time) error {
	t := now.Unix()
	target := account.Target(row.Kind)
	direct := func(needs types.PermissionAction) bool {
		return acct.MayPerform(target, needs, now) == nil
	}

	switch row.Kind {
	case types.ContentMappings:
		tagID, err := e.Master.TagID(ctx, tx, row.Tag)
		if err != nil {
			return err
		}
		if err := e.checkTagFilter(serviceID, row.Tag); err != nil {
			return err
		}
		hashIDs := make([]int64, 0, len(row.Hashes))
		for _, h := range row.Hashes {
			id, err := e.Master.HashID(ctx, tx, types.Hash{Algorithm: types.HashAlgorithm(h.Algorithm), Digest: h.Hash})
			if err != nil {
				return err
			}
			hashIDs = append(hashIDs, id)
		}

		if action.Action == types.PetitionPend {
			if direct(types.ActionCreate) {
				return e.Repo.AddMappings(ctx, tx, serviceID, acct.ID, tagID, hashIDs, false, t)
			}
			return e.Repo.PendMappings(ctx, tx, serviceID, acct.ID, tagID, hashIDs, action.Reason, t)
		}
		if direct(types.ActionModerate) {
			return e.Repo.DeleteMappings(ctx, tx, serviceID, acct.ID, tagID, hashIDs, t)
		}
		return e.Repo.PetitionMappings(ctx, tx, serviceID, acct.ID, tagID, hashIDs, action.Reason, t)

	case types.ContentFiles:
		hashIDs := make([]int64, 0, len(row.Hashes))
		for _, h := range row.Hashes {
			id, err := e.Master.HashID(ctx, tx, types.Hash{Algorithm: types.HashAlgorithm(h.Algorithm), Digest: h.Hash})
			if err != nil {
				return err
			}
			hashIDs = append(hashIDs, id)
		}

		if action.Action == types.PetitionPend {
			for _, id := range hashIDs {
				if err := e.Repo.PendFile(ctx, tx, serviceID, acct.ID, id, action.Reason); err != nil {
					return err
				}
			}
			return nil
		}
		serviceHashIDs := make([]int64, 0, len(hashIDs))
		for _, id := range hashIDs {
			sid, err := e.Repo.ServiceHashID(ctx, tx, serviceID, id, t)
			if err != nil {
				return err
			}
			serviceHashIDs = append(serviceHashIDs, sid)
		}
		if direct(types.ActionModerate) {
			return e.Repo.DeleteFiles(ctx, tx, serviceID, acct.ID, serviceHashIDs, t)
		}
		for _, sid := range serviceHashIDs {
			if err := e.Repo.PetitionFile(ctx, tx, serviceID, acct.ID, sid, action.Reason); err != nil {
				return err
			}
		}
		return nil

	case types.ContentTagParents, types.ContentTagSiblings:
		a, err := e.Master.TagID(ctx, tx, row.TagA)
		if err != nil {
			return err
		}
		b, err := e.Master.TagID(ctx, tx, row.TagB)
		if err != nil {
			return err
		}
		sibling := row.Kind == types.ContentTagSiblings

		if action.Action == types.PetitionPend {
			if direct(types.ActionCreate) {
				if sibling {
					return e.Repo.AddTagSibling(ctx, tx, serviceID, acct.ID, a, b, false, t)
				}
				return e.Repo.AddTagParent(ctx, tx, serviceID, acct.ID, a, b, false, t)
			}
			if sibling {
				return e.Repo.PendTagSibling(ctx, tx, serviceID, acct.ID, a, b, action.Reason)
			}
			return e.Repo.PendTagParent(ctx, tx, serviceID, acct.ID, a, b, action.Reason)
		}
		if direct(types.ActionModerate) {
			if sibling {
				return e.Repo.DeleteTagSibling(ctx, tx, serviceID, acct.ID, a, b, t)
			}
			return e.Repo.DeleteTagParent(ctx, tx, serviceID, acct.ID, a, b, t)
		}
		if sibling {
			return e.Repo.PetitionTagSibling(ctx, tx, serviceID, acct.ID, a, b, action.Reason, t)
		}
		return e.Repo.PetitionTagParent(ctx, tx, serviceID, acct.ID, a, b, action.Reason, t)

	default:
		return herr.Newf(herr.BadRequest, "unknown content kind %q", row.Kind)
	}
}

// checkTagFilter rejects tags the service's filter excludes.
func (e *Engine) checkTagFilter(serviceID int64, tag string) error {
	svc, err := e.Registry.Get(serviceID)
	if err != nil {
		return err
	}
	for _, prefix := range svc.Options.TagFilter {
		if len(tag) >= len(prefix) && tag[:len(prefix)] == prefix {
			return herr.Newf(herr.BadRequest, "tag %q is excluded by the service's tag filter", tag)
		}
	}
	return nil
}

func (e *Engine) serviceName(serviceID int64) string {
	if svc, err := e.Registry.Get(serviceID); err == nil {
		return svc.Name
	}
	return "unknown"
}

// UploadFile stores the blob and thumbnail and makes the file current (or
// pending, for petition-only accounts). The storage gate applies to
// non-moderators.
func (e *Engine) UploadFile(ctx context.Context, serviceID int64, acct *account.Account, fi repo.FileInfo, body, thumbnail []byte) error {
	now := time.Now()
	acct.Bandwidth.AddBytes(now, fi.Size)
	if err := acct.CheckBandwidth(e.serviceName(serviceID), now); err != nil {
		return err
	}
	if err := acct.MayPerform(account.TargetFiles, types.ActionPetition, now); err != nil {
		return err
	}

	if err := e.Blob.PutBytes(fi.Hash, blobstore.KindFile, body); err != nil {
		return err
	}
	if len(thumbnail) > 0 {
		if err := e.Blob.PutBytes(fi.Hash, blobstore.KindThumbnail, thumbnail); err != nil {
			return err
		}
	}

	svc, err := e.Registry.Get(serviceID)
	if err != nil {
		return err
	}
	isModerator := acct.MayPerform(account.TargetFiles, types.ActionModerate, now) == nil
	canCreate := acct.MayPerform(account.TargetFiles, types.ActionCreate, now) == nil

	return e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		if !canCreate {
			masterHashID, err := e.Master.HashID(jobCtx, tx, fi.Hash)
			if err != nil {
				return err
			}
			return e.Repo.PendFile(jobCtx, tx, serviceID, acct.ID, masterHashID, "upload")
		}
		return e.Repo.AddFile(jobCtx, tx, serviceID, acct.ID, fi, repo.AddFileOpts{
			MaxStorage:    svc.Options.MaxStorage,
			BypassStorage: isModerator,
		}, now.Unix())
	})
}

// OpenBlob streams a stored file, thumbnail, or update bundle by hash.
func (e *Engine) OpenBlob(h types.Hash, kind blobstore.BlobKind) (io.ReadCloser, error) {
	return e.Blob.OpenRead(h, kind)
}

// Metadata reads a service's update index from the given index on.
func (e *Engine) Metadata(ctx context.Context, serviceID, fromIndex int64) ([]bundler.UpdateMeta, error) {
	var metas []bundler.UpdateMeta
	err := e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		var err error
		metas, err = e.Bundler.MetadataSince(jobCtx, tx, serviceID, fromIndex)
		return err
	})
	return metas, err
}

// AccountInfo is the moderator inspection view of one account.
type AccountInfo struct {
	Account     *account.Account
	CurrentRows map[types.ContentKind]int64
}

// GetAccountInfo loads the subject account and its per-kind current row
// counts. Moderators only.
func (e *Engine) GetAccountInfo(ctx context.Context, serviceID int64, admin *account.Account, subject types.Key) (*AccountInfo, error) {
	if err := admin.MayPerform(account.TargetAccounts, types.ActionModerate, time.Now()); err != nil {
		return nil, err
	}

	info := &AccountInfo{}
	err := e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		acct, err := e.Accounts.AccountByKey(jobCtx, tx, serviceID, subject)
		if err != nil {
			return err
		}
		info.Account = acct
		info.CurrentRows, err = e.Repo.CountCurrentByAccount(jobCtx, tx, serviceID, acct.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// checkModerator gates a moderator account action: permission on the
// accounts domain, then the moderator's own bandwidth rules.
func (e *Engine) checkModerator(serviceID int64, admin *account.Account, now time.Time) error {
	if err := admin.MayPerform(account.TargetAccounts, types.ActionModerate, now); err != nil {
		return err
	}
	return admin.CheckBandwidth(e.serviceName(serviceID), now)
}

// ModifyAccountType moves the subject to another account type.
func (e *Engine) ModifyAccountType(ctx context.Context, serviceID int64, admin *account.Account, subject types.Key, accountTypeID int64) error {
	if err := e.checkModerator(serviceID, admin, time.Now()); err != nil {
		return err
	}
	return e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		return e.Accounts.SetAccountType(jobCtx, tx, serviceID, subject, accountTypeID)
	})
}

// BanAccount bans the subject; until may be nil for a permanent ban.
func (e *Engine) BanAccount(ctx context.Context, serviceID int64, admin *account.Account, subject types.Key, reason string, until *time.Time) error {
	now := time.Now()
	if err := e.checkModerator(serviceID, admin, now); err != nil {
		return err
	}
	return e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		return e.Accounts.Ban(jobCtx, tx, serviceID, subject, reason, now, until)
	})
}

// UnbanAccount lifts a ban.
func (e *Engine) UnbanAccount(ctx context.Context, serviceID int64, admin *account.Account, subject types.Key) error {
	if err := e.checkModerator(serviceID, admin, time.Now()); err != nil {
		return err
	}
	return e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		return e.Accounts.Unban(jobCtx, tx, serviceID, subject)
	})
}

// SetAccountExpires changes the subject's expiry; nil clears it.
func (e *Engine) SetAccountExpires(ctx context.Context, serviceID int64, admin *account.Account, subject types.Key, expires *time.Time) error {
	if err := e.checkModerator(serviceID, admin, time.Now()); err != nil {
		return err
	}
	return e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		return e.Accounts.SetExpires(jobCtx, tx, serviceID, subject, expires)
	})
}

// SetAccountMessage sets the subject's moderator message.
func (e *Engine) SetAccountMessage(ctx context.Context, serviceID int64, admin *account.Account, subject types.Key, message string) error {
	if err := e.checkModerator(serviceID, admin, time.Now()); err != nil {
		return err
	}
	return e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		return e.Accounts.SetMessage(jobCtx, tx, serviceID, subject, message)
	})
}

// DeleteAllContent sweeps the subject's authored content in one bounded
// slice under the busy gate. fullyDone=false means the caller must invoke
// again to resume.
func (e *Engine) DeleteAllContent(ctx context.Context, serviceID int64, admin *account.Account, subject types.Key) (bool, error) {
	now := time.Now()
	if err := e.checkModerator(serviceID, admin, now); err != nil {
		return false, err
	}
	if err := e.Busy.TryAcquire("delete_all_content"); err != nil {
		return false, err
	}
	defer e.Busy.Release()

	var fullyDone bool
	err := e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		var err error
		fullyDone, err = e.Accounts.DeleteAllContent(jobCtx, tx, serviceID, subject, now.Add(e.Config.DeleteAllContentSlice), now.Unix())
		return err
	})
	return fullyDone, err
}

// NumPetitions counts actionable petitions per kind and status. Moderators
// only.
func (e *Engine) NumPetitions(ctx context.Context, serviceID int64, admin *account.Account) (map[types.ContentKind]map[types.PetitionStatus]int64, error) {
	if err := admin.MayPerform(account.TargetAccounts, types.ActionModerate, time.Now()); err != nil {
		return nil, err
	}
	var counts map[types.ContentKind]map[types.PetitionStatus]int64
	err := e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		var err error
		counts, err = e.Petitions.Counts(jobCtx, tx, serviceID)
		return err
	})
	return counts, err
}

// PetitionsSummary returns up to limit petition headers.
func (e *Engine) PetitionsSummary(ctx context.Context, serviceID int64, admin *account.Account, kind types.ContentKind, status types.PetitionStatus, limit int, filter petition.SummaryFilter) ([]petition.Header, error) {
	if err := admin.MayPerform(account.Target(kind), types.ActionModerate, time.Now()); err != nil {
		return nil, err
	}
	var headers []petition.Header
	err := e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		var err error
		headers, err = e.Petitions.Summary(jobCtx, tx, serviceID, kind, status, limit, filter)
		return err
	})
	return headers, err
}

// GetPetition materializes one petition for review.
func (e *Engine) GetPetition(ctx context.Context, serviceID int64, admin *account.Account, kind types.ContentKind, status types.PetitionStatus, subject types.Key, reason string) (*petition.Petition, error) {
	if err := admin.MayPerform(account.Target(kind), types.ActionModerate, time.Now()); err != nil {
		return nil, err
	}
	var p *petition.Petition
	err := e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		var err error
		p, err = e.Petitions.Get(jobCtx, tx, serviceID, kind, status, subject, reason)
		return err
	})
	return p, err
}

// ResolvePetition approves or denies one petition atomically.
func (e *Engine) ResolvePetition(ctx context.Context, serviceID int64, admin *account.Account, p *petition.Petition, approve bool) error {
	if err := admin.MayPerform(account.Target(p.ContentKind), types.ActionModerate, time.Now()); err != nil {
		return err
	}
	name := e.serviceName(serviceID)
	return e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		if approve {
			return e.Petitions.Approve(jobCtx, tx, serviceID, p, name, time.Now().Unix())
		}
		return e.Petitions.Deny(jobCtx, tx, serviceID, p, name, time.Now().Unix())
	})
}

// RegenerateServiceInfo is the maintenance RPC that rebuilds the cached
// counters from table scans.
func (e *Engine) RegenerateServiceInfo(ctx context.Context, serviceID int64, admin *account.Account) error {
	if err := admin.MayPerform(account.TargetServices, types.ActionModerate, time.Now()); err != nil {
		return err
	}
	return e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		return e.Repo.RegenerateServiceInfo(jobCtx, tx, serviceID)
	})
}

// LockOn commits outstanding work and holds the busy gate so an external
// snapshot sees quiescent files.
func (e *Engine) LockOn(ctx context.Context, admin *account.Account) error {
	if err := admin.MayPerform(account.TargetServices, types.ActionModerate, time.Now()); err != nil {
		return err
	}
	if err := e.Busy.TryAcquire("lock"); err != nil {
		return err
	}
	if err := e.Serializer.ForceCommit(ctx); err != nil {
		e.Busy.Release()
		return err
	}
	return nil
}

// LockOff releases a LockOn hold.
func (e *Engine) LockOff(admin *account.Account) error {
	if err := admin.MayPerform(account.TargetServices, types.ActionModerate, time.Now()); err != nil {
		return err
	}
	e.Busy.Release()
	return nil
}
