// Package social provides the membership and key stores the delivery core
// consults at publish and auth time. The delivery core treats these as
// read-only snapshots; writes happen through the REST command surface.
package social

import (
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/mattn/go-sqlite3"

	"github.com/murmurchat/murmur/event"
)

// ErrUnknownIdentity is returned by key lookups for unregistered identities.
var ErrUnknownIdentity = fmt.Errorf("unknown identity")

// KeyLookup resolves an identity's registered signing key.
type KeyLookup interface {
	KeyOf(id event.Identity) ([]byte, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	id         TEXT PRIMARY KEY,
	signing_key BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS friendships (
	requester TEXT NOT NULL,
	addressee TEXT NOT NULL,
	accepted  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (requester, addressee)
);
CREATE TABLE IF NOT EXISTS circle_members (
	owner  TEXT NOT NULL,
	name   TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY (owner, name, member)
);
CREATE TABLE IF NOT EXISTS group_members (
	group_id TEXT NOT NULL,
	member   TEXT NOT NULL,
	PRIMARY KEY (group_id, member)
);
`

// Store is a SQLite-backed social graph store.
type Store struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
}

// OpenStore opens (and if needed bootstraps) the social store at path.
// Use ":memory:" for an ephemeral store.
func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open social store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap social schema: %w", err)
	}

	return &Store{db: db, dialect: goqu.Dialect("sqlite3")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RegisterIdentity stores (or replaces) an identity's signing key.
func (s *Store) RegisterIdentity(id event.Identity, signingKey []byte) error {
	query, args, err := s.dialect.Insert("identities").
		Rows(goqu.Record{"id": string(id), "signing_key": signingKey}).
		OnConflict(goqu.DoUpdate("id", goqu.Record{"signing_key": signingKey})).
		ToSQL()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(query, args...)
	return err
}

// KeyOf returns the registered signing key for an identity.
func (s *Store) KeyOf(id event.Identity) ([]byte, error) {
	query, args, err := s.dialect.From("identities").
		Select("signing_key").
		Where(goqu.C("id").Eq(string(id))).
		ToSQL()
	if err != nil {
		return nil, err
	}

	var key []byte
	err = s.db.QueryRow(query, args...).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// RequestFriendship records a pending friendship request.
func (s *Store) RequestFriendship(requester, addressee event.Identity) error {
	query, args, err := s.dialect.Insert("friendships").
		Rows(goqu.Record{"requester": string(requester), "addressee": string(addressee), "accepted": 0}).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(query, args...)
	return err
}

// AcceptFriendship marks a pending request as mutually accepted.
func (s *Store) AcceptFriendship(requester, addressee event.Identity) error {
	query, args, err := s.dialect.Update("friendships").
		Set(goqu.Record{"accepted": 1}).
		Where(
			goqu.C("requester").Eq(string(requester)),
			goqu.C("addressee").Eq(string(addressee)),
		).
		ToSQL()
	if err != nil {
		return err
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no pending friendship from %s to %s", requester, addressee)
	}
	return nil
}

// ListFriends returns all identities with a mutually-accepted friendship
// with id, regardless of which side initiated it.
func (s *Store) ListFriends(id event.Identity) ([]event.Identity, error) {
	query, args, err := s.dialect.From("friendships").
		Select("requester", "addressee").
		Where(
			goqu.C("accepted").Eq(1),
			goqu.Or(
				goqu.C("requester").Eq(string(id)),
				goqu.C("addressee").Eq(string(id)),
			),
		).
		ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []event.Identity
	for rows.Next() {
		var requester, addressee string
		if err := rows.Scan(&requester, &addressee); err != nil {
			return nil, err
		}
		if event.Identity(requester) == id {
			friends = append(friends, event.Identity(addressee))
		} else {
			friends = append(friends, event.Identity(requester))
		}
	}
	return friends, rows.Err()
}

// AreFriends reports whether a mutually-accepted friendship exists in
// either direction.
func (s *Store) AreFriends(a, b event.Identity) (bool, error) {
	query, args, err := s.dialect.From("friendships").
		Select(goqu.COUNT("*")).
		Where(
			goqu.C("accepted").Eq(1),
			goqu.Or(
				goqu.And(goqu.C("requester").Eq(string(a)), goqu.C("addressee").Eq(string(b))),
				goqu.And(goqu.C("requester").Eq(string(b)), goqu.C("addressee").Eq(string(a))),
			),
		).
		ToSQL()
	if err != nil {
		return false, err
	}

	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// AddCircleMember adds a member to one of the owner's named circles.
func (s *Store) AddCircleMember(owner event.Identity, name string, member event.Identity) error {
	query, args, err := s.dialect.Insert("circle_members").
		Rows(goqu.Record{"owner": string(owner), "name": name, "member": string(member)}).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(query, args...)
	return err
}

// CircleView adapts Store to the circle lookup contract.
type CircleView struct{ s *Store }

// GroupView adapts Store to the group lookup contract.
type GroupView struct{ s *Store }

// Circles returns the circle membership view of the store.
func (s *Store) Circles() CircleView { return CircleView{s} }

// Groups returns the group roster view of the store.
func (s *Store) Groups() GroupView { return GroupView{s} }

// MembersOf returns the union of the named circles' current members.
func (v CircleView) MembersOf(owner event.Identity, names []string) ([]event.Identity, error) {
	if len(names) == 0 {
		return nil, nil
	}

	nameVals := make([]interface{}, len(names))
	for i, n := range names {
		nameVals[i] = n
	}

	query, args, err := v.s.dialect.From("circle_members").
		Select(goqu.DISTINCT("member")).
		Where(
			goqu.C("owner").Eq(string(owner)),
			goqu.C("name").In(nameVals...),
		).
		ToSQL()
	if err != nil {
		return nil, err
	}

	return v.s.queryIdentities(query, args)
}

// AddGroupMember adds a member to a group roster.
func (s *Store) AddGroupMember(groupID string, member event.Identity) error {
	query, args, err := s.dialect.Insert("group_members").
		Rows(goqu.Record{"group_id": groupID, "member": string(member)}).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(query, args...)
	return err
}

// RemoveGroupMember removes a member from a group roster. Events already
// fanned out to them stay in their log.
func (s *Store) RemoveGroupMember(groupID string, member event.Identity) error {
	query, args, err := s.dialect.Delete("group_members").
		Where(
			goqu.C("group_id").Eq(groupID),
			goqu.C("member").Eq(string(member)),
		).
		ToSQL()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(query, args...)
	return err
}

// MembersOf returns the group's current roster.
func (v GroupView) MembersOf(groupID string) ([]event.Identity, error) {
	query, args, err := v.s.dialect.From("group_members").
		Select("member").
		Where(goqu.C("group_id").Eq(groupID)).
		ToSQL()
	if err != nil {
		return nil, err
	}

	return v.s.queryIdentities(query, args)
}

func (s *Store) queryIdentities(query string, args []interface{}) ([]event.Identity, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []event.Identity
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, event.Identity(id))
	}
	return ids, rows.Err()
}
