// Package petition implements the moderation queue: counted summaries of
// actionable petitions, materialization of one petition for review, and the
// approve/deny transitions that replay or drop the petitioned content.
package petition

import (
	"context"
	"math/rand"
	"time"

	"github.com/nedfreetoplay/hydrus/pkg/account"
	"github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/events"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/metrics"
	"github.com/nedfreetoplay/hydrus/pkg/repo"
	"github.com/nedfreetoplay/hydrus/pkg/types"
	"github.com/nedfreetoplay/hydrus/pkg/wire"
)

// Materialization caps: a mapping petition is bounded to this many rows and
// distinct tags no matter how much a client submitted.
const (
	MaxMappingRows = 500000
	MaxMappingTags = 10000
)

// candidateOverscan is how many times limit the candidate query fetches, so
// grouping by account still fills the summary when one account dominates.
const candidateOverscan = 5

// Header identifies one distinct (account, reason) petition.
type Header struct {
	ContentKind types.ContentKind
	Status      types.PetitionStatus
	AccountKey  types.Key
	Reason      string
}

// Petition is one fully materialized petition: the header, the petitioner
// with bandwidth state attached, and the content grouped under its action.
type Petition struct {
	Header
	Account *account.Account
	Actions []wire.Action
}

// Engine composes the repo and account stores into moderation operations.
type Engine struct {
	Repo     *repo.Store
	Accounts *account.Store
	broker   *events.Broker

	// MaterializeTimeout bounds how long Get may spend assembling one
	// petition; past it the content list is truncated, costliest tags
	// first. Zero means unbounded.
	MaterializeTimeout time.Duration
}

// NewEngine returns a petition engine. broker may be nil.
func NewEngine(r *repo.Store, a *account.Store, broker *events.Broker) *Engine {
	return &Engine{Repo: r, Accounts: a, broker: broker}
}

// Counts returns the number of actionable petitions per content kind and
// status.
func (e *Engine) Counts(ctx context.Context, q db.Querier, serviceID int64) (map[types.ContentKind]map[types.PetitionStatus]int64, error) {
	out := make(map[types.ContentKind]map[types.PetitionStatus]int64)
	for _, kind := range []types.ContentKind{types.ContentFiles, types.ContentMappings, types.ContentTagParents, types.ContentTagSiblings} {
		out[kind] = make(map[types.PetitionStatus]int64)
		for _, status := range []types.PetitionStatus{types.StatusPending, types.StatusPetitioned} {
			n, err := e.Repo.CountPetitions(ctx, q, serviceID, kind, status)
			if err != nil {
				return nil, err
			}
			out[kind][status] = n
		}
	}
	return out, nil
}

// SummaryFilter narrows a summary to one petitioner and/or reason.
type SummaryFilter struct {
	AccountKey *types.Key
	Reason     string
}

// Summary returns up to limit petition headers for the kind and status,
// spread across petitioners so one prolific account cannot monopolize the
// queue.
func (e *Engine) Summary(ctx context.Context, q db.Querier, serviceID int64, kind types.ContentKind, status types.PetitionStatus, limit int, filter SummaryFilter) ([]Header, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PetitionSummaryDuration)

	var cf repo.CandidateFilter
	if filter.AccountKey != nil {
		acct, err := e.Accounts.AccountByKey(ctx, q, serviceID, *filter.AccountKey)
		if err != nil {
			return nil, err
		}
		cf.AccountID = acct.ID
	}
	if filter.Reason != "" {
		reasonID, err := e.Repo.ReasonID(ctx, q, filter.Reason)
		if err != nil {
			return nil, err
		}
		cf.ReasonID = reasonID
	}

	candidates, err := e.Repo.PetitionCandidates(ctx, q, serviceID, kind, status, limit*candidateOverscan, cf)
	if err != nil {
		return nil, err
	}

	// Group by account, then take entries account-by-account in shuffled
	// account order until the limit fills.
	byAccount := make(map[int64][]repo.PetitionCandidate)
	var accountOrder []int64
	for _, c := range candidates {
		if _, seen := byAccount[c.AccountID]; !seen {
			accountOrder = append(accountOrder, c.AccountID)
		}
		byAccount[c.AccountID] = append(byAccount[c.AccountID], c)
	}
	rand.Shuffle(len(accountOrder), func(i, j int) {
		accountOrder[i], accountOrder[j] = accountOrder[j], accountOrder[i]
	})

	var picked []repo.PetitionCandidate
	for depth := 0; len(picked) < limit; depth++ {
		progressed := false
		for _, accountID := range accountOrder {
			group := byAccount[accountID]
			if depth >= len(group) {
				continue
			}
			picked = append(picked, group[depth])
			progressed = true
			if len(picked) == limit {
				break
			}
		}
		if !progressed {
			break
		}
	}

	headers := make([]Header, 0, len(picked))
	for _, c := range picked {
		acct, err := e.Accounts.AccountByID(ctx, q, c.AccountID)
		if err != nil {
			return nil, err
		}
		reason, err := e.Repo.Reason(ctx, q, c.ReasonID)
		if err != nil {
			return nil, err
		}
		headers = append(headers, Header{ContentKind: kind, Status: status, AccountKey: acct.Key, Reason: reason})
	}
	return headers, nil
}

// Get materializes the full petition for one (subject, reason) header.
func (e *Engine) Get(ctx context.Context, q db.Querier, serviceID int64, kind types.ContentKind, status types.PetitionStatus, subject types.Key, reason string) (*Petition, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PetitionFetchDuration)

	acct, err := e.Accounts.AccountByKey(ctx, q, serviceID, subject)
	if err != nil {
		return nil, err
	}
	reasonID, err := e.Repo.ReasonID(ctx, q, reason)
	if err != nil {
		return nil, err
	}

	var deadline time.Time
	if e.MaterializeTimeout > 0 {
		deadline = time.Now().Add(e.MaterializeTimeout)
	}

	var rows []wire.Content
	switch kind {
	case types.ContentFiles:
		var hashes []types.Hash
		if status == types.StatusPending {
			hashes, err = e.Repo.PendingFileHashes(ctx, q, serviceID, acct.ID, reasonID)
		} else {
			hashes, err = e.Repo.PetitionedFileHashes(ctx, q, serviceID, acct.ID, reasonID)
		}
		if err != nil {
			return nil, err
		}
		if len(hashes) > 0 {
			rows = append(rows, wire.Content{Kind: kind, Hashes: toIDHashes(hashes)})
		}

	case types.ContentMappings:
		tagRows, err := e.Repo.MappingPetitionRows(ctx, q, serviceID, status, acct.ID, reasonID, MaxMappingRows, MaxMappingTags, deadline)
		if err != nil {
			return nil, err
		}
		for _, tr := range tagRows {
			rows = append(rows, wire.Content{Kind: kind, Tag: tr.Tag, Hashes: toIDHashes(tr.Hashes)})
		}

	case types.ContentTagParents, types.ContentTagSiblings:
		pairs, err := e.Repo.PairPetitionRows(ctx, q, serviceID, kind, status, acct.ID, reasonID)
		if err != nil {
			return nil, err
		}
		for _, p := range pairs {
			rows = append(rows, wire.Content{Kind: kind, TagA: p.A, TagB: p.B})
		}

	default:
		return nil, herr.Newf(herr.BadRequest, "unknown content kind %q", kind)
	}

	if len(rows) == 0 {
		return nil, herr.New(herr.NotFound, "no such petition")
	}

	action := types.PetitionPetition
	if status == types.StatusPending {
		action = types.PetitionPend
	}

	return &Petition{
		Header:  Header{ContentKind: kind, Status: status, AccountKey: subject, Reason: reason},
		Account: acct,
		Actions: []wire.Action{{Action: action, Reason: reason, Rows: rows}},
	}, nil
}

func toIDHashes(hashes []types.Hash) []wire.IDHash {
	out := make([]wire.IDHash, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, wire.IDHash{Algorithm: string(h.Algorithm), Hash: h.Digest})
	}
	return out
}
