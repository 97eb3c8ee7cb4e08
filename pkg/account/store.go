package account

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/nedfreetoplay/hydrus/pkg/bandwidth"
	"github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/events"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/repo"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

// deleteAllBatch caps how many rows one delete-all-content pass removes per
// content kind per iteration.
const deleteAllBatch = 500

// Store reads and writes the accounts, account_types, and registration_keys
// tables. Content sweeps go through the repo store so moderators could
// replay them.
type Store struct {
	Repo   *repo.Store
	broker *events.Broker

	readDB *sql.DB
}

// NewStore returns an account store. broker may be nil.
func NewStore(r *repo.Store, broker *events.Broker) *Store {
	return &Store{Repo: r, broker: broker}
}

// SetReadDB installs the connection used for read-only metric queries that
// run outside the serializer.
func (s *Store) SetReadDB(conn *sql.DB) { s.readDB = conn }

func newSecret() ([]byte, error) {
	b := make([]byte, types.KeySize)
	if _, err := rand.Read(b); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	return b, nil
}

func hashSecret(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// CreateAccountType inserts an account type for the service.
func (s *Store) CreateAccountType(ctx context.Context, q db.Querier, serviceID int64, title string, perms map[Target]types.PermissionAction, rules *bandwidth.Rules, autoCreateCount int64, autoCreatePeriod time.Duration, isNullType bool) (*AccountType, error) {
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	rulesStr, err := bandwidth.MarshalRules(rules)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}

	nullFlag := 0
	if isNullType {
		nullFlag = 1
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO account_types (service_id, title, permissions, bandwidth_rules, auto_create_count, auto_create_period_seconds, is_null_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		serviceID, title, string(permsJSON), rulesStr, autoCreateCount, int64(autoCreatePeriod/time.Second), nullFlag)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}

	return &AccountType{
		ID: id, ServiceID: serviceID, Title: title,
		Permissions: perms, BandwidthRules: rules,
		AutoCreateCount: autoCreateCount, AutoCreatePeriod: autoCreatePeriod,
		IsNullType:        isNullType,
		AutoCreateLimiter: bandwidth.NewTracker(),
	}, nil
}

// AccountType loads one account type by id.
func (s *Store) AccountType(ctx context.Context, q db.Querier, id int64) (*AccountType, error) {
	at := &AccountType{ID: id, AutoCreateLimiter: bandwidth.NewTracker()}
	var (
		permsJSON, rulesStr string
		periodSeconds       int64
		nullFlag            int
	)
	err := q.QueryRowContext(ctx, `
		SELECT service_id, title, permissions, bandwidth_rules, auto_create_count, auto_create_period_seconds, is_null_type
		FROM account_types WHERE account_type_id = ?`, id).
		Scan(&at.ServiceID, &at.Title, &permsJSON, &rulesStr, &at.AutoCreateCount, &periodSeconds, &nullFlag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, herr.Newf(herr.NotFound, "no account type %d", id)
	}
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}

	if err := json.Unmarshal([]byte(permsJSON), &at.Permissions); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	at.BandwidthRules, err = bandwidth.UnmarshalRules(rulesStr)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	at.AutoCreatePeriod = time.Duration(periodSeconds) * time.Second
	at.IsNullType = nullFlag != 0
	return at, nil
}

// NullAccountID returns the service's null account id, the attribution sink
// the nullifier rewrites aged rows to.
func (s *Store) NullAccountID(ctx context.Context, q db.Querier, serviceID int64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		SELECT a.account_id FROM accounts a
		JOIN account_types at ON at.account_type_id = a.account_type_id
		WHERE a.service_id = ? AND at.is_null_type = 1`, serviceID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, herr.Newf(herr.NotFound, "service %d has no null account", serviceID)
	}
	if err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}
	return id, nil
}

// insertAccount materializes an account row and returns it loaded.
func (s *Store) insertAccount(ctx context.Context, q db.Querier, serviceID, accountTypeID int64, accountKey types.Key, hashedAccessKey []byte, expiresAt *time.Time, now time.Time) (*Account, error) {
	var expires any
	if expiresAt != nil {
		expires = expiresAt.Unix()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (account_key, service_id, account_type_id, created_at, expires_at, hashed_access_key)
		VALUES (?, ?, ?, ?, ?, ?)`,
		accountKey[:], serviceID, accountTypeID, now.Unix(), expires, hashedAccessKey)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	return s.AccountByKey(ctx, q, serviceID, accountKey)
}

// CreateNullAccount provisions the service's null account type and its
// single null account. Called once when a service is added.
func (s *Store) CreateNullAccount(ctx context.Context, q db.Querier, serviceID int64, now time.Time) (*Account, error) {
	at, err := s.CreateAccountType(ctx, q, serviceID, "null account", map[Target]types.PermissionAction{}, &bandwidth.Rules{}, 0, 0, true)
	if err != nil {
		return nil, err
	}

	var key types.Key
	if _, err := rand.Read(key[:]); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	return s.insertAccount(ctx, q, serviceID, at.ID, key, hashSecret(secret), nil, now)
}

// CreateAdminAccount provisions the service's admin account type and one
// admin account, returning the raw access key. The key is shown to the
// caller exactly once and is never recoverable afterwards.
func (s *Store) CreateAdminAccount(ctx context.Context, q db.Querier, serviceID int64, now time.Time) (*Account, []byte, error) {
	perms := map[Target]types.PermissionAction{
		TargetFiles: types.ActionModerate, TargetMappings: types.ActionModerate,
		TargetTagParents: types.ActionModerate, TargetTagSiblings: types.ActionModerate,
		TargetAccounts: types.ActionModerate, TargetServices: types.ActionModerate,
		TargetOptions: types.ActionModerate,
	}
	at, err := s.CreateAccountType(ctx, q, serviceID, "administrator", perms, &bandwidth.Rules{}, 0, 0, false)
	if err != nil {
		return nil, nil, err
	}

	var key types.Key
	if _, err := rand.Read(key[:]); err != nil {
		return nil, nil, herr.Wrap(herr.Internal, err)
	}
	accessKey, err := newSecret()
	if err != nil {
		return nil, nil, err
	}
	acct, err := s.insertAccount(ctx, q, serviceID, at.ID, key, hashSecret(accessKey), nil, now)
	if err != nil {
		return nil, nil, err
	}
	return acct, accessKey, nil
}

// IssueRegistrationKeys generates count registration credentials for the
// account type, returning the raw registration keys. Refused for the null
// type.
func (s *Store) IssueRegistrationKeys(ctx context.Context, q db.Querier, serviceID, accountTypeID int64, count int, expiresAt *time.Time) ([][]byte, error) {
	at, err := s.AccountType(ctx, q, accountTypeID)
	if err != nil {
		return nil, err
	}
	if at.IsNullType {
		return nil, herr.New(herr.BadRequest, "cannot issue registration keys for the null account type")
	}

	var expires any
	if expiresAt != nil {
		expires = expiresAt.Unix()
	}

	regKeys := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		regKey, err := newSecret()
		if err != nil {
			return nil, err
		}
		accessKey, err := newSecret()
		if err != nil {
			return nil, err
		}
		var accountKey types.Key
		if _, err := rand.Read(accountKey[:]); err != nil {
			return nil, herr.Wrap(herr.Internal, err)
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO registration_keys (service_id, hashed_registration_key, account_type_id, account_key, access_key, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			serviceID, hashSecret(regKey), accountTypeID, accountKey[:], accessKey, expires)
		if err != nil {
			return nil, herr.Wrap(herr.Internal, err)
		}
		regKeys = append(regKeys, regKey)
	}
	return regKeys, nil
}

// FetchAccessKey redeems a registration key for an access key, rotating the
// stored access key on every call so a snooped registration key cannot race
// the rightful owner.
func (s *Store) FetchAccessKey(ctx context.Context, q db.Querier, serviceID int64, regKey []byte) ([]byte, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM registration_keys WHERE service_id = ? AND hashed_registration_key = ?`,
		serviceID, hashSecret(regKey)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, herr.New(herr.Unauthorized, "unknown registration key")
	}
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}

	fresh, err := newSecret()
	if err != nil {
		return nil, err
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE registration_keys SET access_key = ? WHERE service_id = ? AND hashed_registration_key = ?`,
		fresh, serviceID, hashSecret(regKey)); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	return fresh, nil
}

// ResolveAccessKey maps an access key to its account key. The first
// successful call materializes the account from its registration row and
// discards the row; later calls hit the accounts table.
func (s *Store) ResolveAccessKey(ctx context.Context, q db.Querier, serviceID int64, accessKey []byte, now time.Time) (types.Key, error) {
	var keyB []byte
	err := q.QueryRowContext(ctx,
		`SELECT account_key FROM accounts WHERE service_id = ? AND hashed_access_key = ?`,
		serviceID, hashSecret(accessKey)).Scan(&keyB)
	if err == nil {
		var key types.Key
		copy(key[:], keyB)
		return key, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return types.Key{}, herr.Wrap(herr.Internal, err)
	}

	var (
		accountTypeID int64
		expires       sql.NullInt64
	)
	err = q.QueryRowContext(ctx, `
		SELECT account_key, account_type_id, expires_at FROM registration_keys
		WHERE service_id = ? AND access_key = ?`,
		serviceID, accessKey).Scan(&keyB, &accountTypeID, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Key{}, herr.New(herr.Unauthorized, "unknown access key")
	}
	if err != nil {
		return types.Key{}, herr.Wrap(herr.Internal, err)
	}

	var key types.Key
	copy(key[:], keyB)

	var expiresAt *time.Time
	if expires.Valid {
		t := time.Unix(expires.Int64, 0)
		expiresAt = &t
	}
	if _, err := s.insertAccount(ctx, q, serviceID, accountTypeID, key, hashSecret(accessKey), expiresAt, now); err != nil {
		return types.Key{}, err
	}
	if _, err := q.ExecContext(ctx,
		`DELETE FROM registration_keys WHERE service_id = ? AND access_key = ?`,
		serviceID, accessKey); err != nil {
		return types.Key{}, herr.Wrap(herr.Internal, err)
	}

	if s.broker != nil {
		db.QueueOrPublish(ctx, s.broker, &events.Event{Type: events.EventAccountCreated, ServiceID: serviceID})
	}
	return key, nil
}

func (s *Store) scanAccount(ctx context.Context, q db.Querier, row *sql.Row) (*Account, error) {
	a := &Account{}
	var (
		keyB         []byte
		typeID       int64
		createdAt    int64
		expires      sql.NullInt64
		banReason    sql.NullString
		banAt        sql.NullInt64
		banUntil     sql.NullInt64
		bandwidthStr string
	)
	err := row.Scan(&a.ID, &keyB, &a.ServiceID, &typeID, &createdAt, &expires, &banReason, &banAt, &banUntil, &a.Message, &a.PetitionScore, &bandwidthStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, herr.New(herr.NotFound, "no such account")
	}
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}

	copy(a.Key[:], keyB)
	a.CreatedAt = time.Unix(createdAt, 0)
	if expires.Valid {
		t := time.Unix(expires.Int64, 0)
		a.ExpiresAt = &t
	}
	if banReason.Valid {
		ban := &types.BanInfo{Reason: banReason.String, BannedAt: time.Unix(banAt.Int64, 0)}
		if banUntil.Valid {
			t := time.Unix(banUntil.Int64, 0)
			ban.ExpiresAt = &t
		}
		a.Ban = ban
	}

	a.Bandwidth = bandwidth.NewTracker()
	if bandwidthStr != "" && bandwidthStr != "{}" {
		if err := json.Unmarshal([]byte(bandwidthStr), a.Bandwidth); err != nil {
			return nil, herr.Wrap(herr.Internal, err)
		}
	}

	a.Type, err = s.AccountType(ctx, q, typeID)
	if err != nil {
		return nil, err
	}
	return a, nil
}

const accountCols = `account_id, account_key, service_id, account_type_id, created_at, expires_at, banned_reason, banned_at, banned_until, message, petition_score, bandwidth`

// AccountByKey loads an account by its account key.
func (s *Store) AccountByKey(ctx context.Context, q db.Querier, serviceID int64, key types.Key) (*Account, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE service_id = ? AND account_key = ?`,
		serviceID, key[:])
	return s.scanAccount(ctx, q, row)
}

// AccountByID loads an account by its row id.
func (s *Store) AccountByID(ctx context.Context, q db.Querier, id int64) (*Account, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE account_id = ?`, id)
	return s.scanAccount(ctx, q, row)
}

// requireMutable fails with bad_request when the subject is the service's
// null account, which is never modified.
func (s *Store) requireMutable(a *Account) error {
	if a.Type.IsNullType {
		return herr.New(herr.BadRequest, "the null account cannot be modified")
	}
	return nil
}

func (s *Store) publishRefresh(ctx context.Context, serviceID int64, key types.Key) {
	if s.broker != nil {
		db.QueueOrPublish(ctx, s.broker, &events.Event{
			Type:      events.EventSessionRefresh,
			ServiceID: serviceID,
			Message:   key.Hex(),
		})
	}
}

// SetAccountType moves the account to a different account type.
func (s *Store) SetAccountType(ctx context.Context, q db.Querier, serviceID int64, subject types.Key, accountTypeID int64) error {
	a, err := s.AccountByKey(ctx, q, serviceID, subject)
	if err != nil {
		return err
	}
	if err := s.requireMutable(a); err != nil {
		return err
	}
	at, err := s.AccountType(ctx, q, accountTypeID)
	if err != nil {
		return err
	}
	if at.IsNullType {
		return herr.New(herr.BadRequest, "cannot assign the null account type")
	}

	if _, err := q.ExecContext(ctx,
		`UPDATE accounts SET account_type_id = ? WHERE account_id = ?`, accountTypeID, a.ID); err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	s.publishRefresh(ctx, serviceID, subject)
	return nil
}

// Ban records a ban on the account. until may be nil for a permanent ban.
func (s *Store) Ban(ctx context.Context, q db.Querier, serviceID int64, subject types.Key, reason string, now time.Time, until *time.Time) error {
	a, err := s.AccountByKey(ctx, q, serviceID, subject)
	if err != nil {
		return err
	}
	if err := s.requireMutable(a); err != nil {
		return err
	}

	var untilV any
	if until != nil {
		untilV = until.Unix()
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE accounts SET banned_reason = ?, banned_at = ?, banned_until = ? WHERE account_id = ?`,
		reason, now.Unix(), untilV, a.ID); err != nil {
		return herr.Wrap(herr.Internal, err)
	}

	if s.broker != nil {
		db.QueueOrPublish(ctx, s.broker, &events.Event{Type: events.EventAccountBanned, ServiceID: serviceID, Message: subject.Hex()})
	}
	s.publishRefresh(ctx, serviceID, subject)
	return nil
}

// Unban lifts any ban on the account.
func (s *Store) Unban(ctx context.Context, q db.Querier, serviceID int64, subject types.Key) error {
	a, err := s.AccountByKey(ctx, q, serviceID, subject)
	if err != nil {
		return err
	}
	if err := s.requireMutable(a); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE accounts SET banned_reason = NULL, banned_at = NULL, banned_until = NULL WHERE account_id = ?`, a.ID); err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	s.publishRefresh(ctx, serviceID, subject)
	return nil
}

// SetExpires changes the account's expiry; nil clears it.
func (s *Store) SetExpires(ctx context.Context, q db.Querier, serviceID int64, subject types.Key, expiresAt *time.Time) error {
	a, err := s.AccountByKey(ctx, q, serviceID, subject)
	if err != nil {
		return err
	}
	if err := s.requireMutable(a); err != nil {
		return err
	}
	var v any
	if expiresAt != nil {
		v = expiresAt.Unix()
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE accounts SET expires_at = ? WHERE account_id = ?`, v, a.ID); err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	s.publishRefresh(ctx, serviceID, subject)
	return nil
}

// SetMessage sets the moderator message shown to the client on its next
// session refresh.
func (s *Store) SetMessage(ctx context.Context, q db.Querier, serviceID int64, subject types.Key, message string) error {
	a, err := s.AccountByKey(ctx, q, serviceID, subject)
	if err != nil {
		return err
	}
	if err := s.requireMutable(a); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE accounts SET message = ? WHERE account_id = ?`, message, a.ID); err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	s.publishRefresh(ctx, serviceID, subject)
	return nil
}

// AddPetitionScore adjusts the account's petitioner score.
func (s *Store) AddPetitionScore(ctx context.Context, q db.Querier, accountID, delta int64) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE accounts SET petition_score = petition_score + ? WHERE account_id = ?`, delta, accountID); err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	return nil
}

// SaveBandwidth persists the account's tracker buckets.
func (s *Store) SaveBandwidth(ctx context.Context, q db.Querier, a *Account) error {
	b, err := json.Marshal(a.Bandwidth)
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE accounts SET bandwidth = ? WHERE account_id = ?`, string(b), a.ID); err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	return nil
}

// DeleteAllContent deletes everything the subject authored on the service
// through the normal delete paths, in bounded batches until the deadline.
// Returns fullyDone=false when the deadline cut the sweep short; resuming
// is the caller's responsibility.
func (s *Store) DeleteAllContent(ctx context.Context, q db.Querier, serviceID int64, subject types.Key, deadline time.Time, now int64) (bool, error) {
	a, err := s.AccountByKey(ctx, q, serviceID, subject)
	if err != nil {
		return false, err
	}
	if err := s.requireMutable(a); err != nil {
		return false, err
	}

	adminID := a.ID // deletions are attributed to the subject's own sweep

	for time.Now().Before(deadline) {
		ids, err := s.Repo.CurrentFileIDsByAccount(ctx, q, serviceID, a.ID, deleteAllBatch)
		if err != nil {
			return false, err
		}
		if len(ids) == 0 {
			break
		}
		if err := s.Repo.DeleteFiles(ctx, q, serviceID, adminID, ids, now); err != nil {
			return false, err
		}
	}

	for time.Now().Before(deadline) {
		pairs, err := s.Repo.CurrentMappingsByAccount(ctx, q, serviceID, a.ID, deleteAllBatch)
		if err != nil {
			return false, err
		}
		if len(pairs) == 0 {
			break
		}
		byTag := make(map[int64][]int64)
		for _, p := range pairs {
			byTag[p.MasterTagID] = append(byTag[p.MasterTagID], p.MasterHashID)
		}
		for tagID, hashes := range byTag {
			if err := s.Repo.DeleteMappings(ctx, q, serviceID, adminID, tagID, hashes, now); err != nil {
				return false, err
			}
		}
	}

	for _, kind := range []types.ContentKind{types.ContentTagParents, types.ContentTagSiblings} {
		for time.Now().Before(deadline) {
			pairs, err := s.Repo.CurrentPairsByAccount(ctx, q, kind, serviceID, a.ID, deleteAllBatch)
			if err != nil {
				return false, err
			}
			if len(pairs) == 0 {
				break
			}
			for _, p := range pairs {
				var err error
				if kind == types.ContentTagParents {
					err = s.Repo.DeleteTagParent(ctx, q, serviceID, adminID, p.A, p.B, now)
				} else {
					err = s.Repo.DeleteTagSibling(ctx, q, serviceID, adminID, p.A, p.B, now)
				}
				if err != nil {
					return false, err
				}
			}
		}
	}

	// Sweep the subject's pending and petitioned rows regardless of deadline;
	// these are cheap single-table deletes.
	if err := s.sweepPetitionState(ctx, q, serviceID, a.ID); err != nil {
		return false, err
	}

	fullyDone, err := s.nothingLeft(ctx, q, serviceID, a.ID)
	if err != nil {
		return false, err
	}
	s.publishRefresh(ctx, serviceID, subject)
	return fullyDone, nil
}

func (s *Store) sweepPetitionState(ctx context.Context, q db.Querier, serviceID, accountID int64) error {
	// Petition rows are dropped wholesale; counters are regenerated since
	// the per-row deltas are not tracked across an account-wide sweep.
	if err := s.Repo.DropPetitionRowsByAccount(ctx, q, serviceID, accountID); err != nil {
		return err
	}
	return s.Repo.RegenerateServiceInfo(ctx, q, serviceID)
}

func (s *Store) nothingLeft(ctx context.Context, q db.Querier, serviceID, accountID int64) (bool, error) {
	ids, err := s.Repo.CurrentFileIDsByAccount(ctx, q, serviceID, accountID, 1)
	if err != nil || len(ids) > 0 {
		return false, err
	}
	pairs, err := s.Repo.CurrentMappingsByAccount(ctx, q, serviceID, accountID, 1)
	if err != nil || len(pairs) > 0 {
		return false, err
	}
	for _, kind := range []types.ContentKind{types.ContentTagParents, types.ContentTagSiblings} {
		tp, err := s.Repo.CurrentPairsByAccount(ctx, q, kind, serviceID, accountID, 1)
		if err != nil || len(tp) > 0 {
			return false, err
		}
	}
	return true, nil
}

// CountAccounts implements metrics.AccountSource using the read connection.
func (s *Store) CountAccounts() (active map[string]int, banned map[string]int) {
	active = make(map[string]int)
	banned = make(map[string]int)
	if s.readDB == nil {
		return active, banned
	}

	rows, err := s.readDB.Query(`
		SELECT sv.name, a.banned_reason IS NOT NULL, COUNT(*)
		FROM accounts a JOIN services sv ON sv.service_id = a.service_id
		GROUP BY sv.name, a.banned_reason IS NOT NULL`)
	if err != nil {
		return active, banned
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name     string
			isBanned bool
			n        int
		)
		if err := rows.Scan(&name, &isBanned, &n); err != nil {
			return active, banned
		}
		if isBanned {
			banned[name] = n
		} else {
			active[name] = n
		}
	}
	return active, banned
}
