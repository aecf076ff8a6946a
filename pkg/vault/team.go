// Copyright 2026 Mandala Network
//
// Team vault with group encryption.
// Each document encrypts under a random content key, wrapped once per member
// via the pairwise secret between the agent and that member. Revoking a
// member rewrites the header under a fresh content key; membership changes,
// writes and reads all emit team.* audit entries.

package vault

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mandala-Network/AGiD-sub000/pkg/audit"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
	"github.com/Mandala-Network/AGiD-sub000/pkg/identity"
	"github.com/Mandala-Network/AGiD-sub000/pkg/storage"
)

// Role grades a member's access.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleMember   Role = "member"
	RoleReadonly Role = "readonly"
	RoleBot      Role = "bot"
)

// canManage reports whether the role may change membership.
func (r Role) canManage() bool { return r == RoleOwner || r == RoleAdmin }

// canWrite reports whether the role may store documents.
func (r Role) canWrite() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleMember || r == RoleBot
}

// Member is one key's membership in a team.
type Member struct {
	Key        suite.Identity    `json:"key"`
	Role       Role              `json:"role"`
	JoinedAt   time.Time         `json:"joined_at"`
	CertSerial string            `json:"cert_serial,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Team groups members around shared documents.
type Team struct {
	TeamID       string            `json:"team_id"`
	Name         string            `json:"name"`
	OwnerKey     suite.Identity    `json:"owner_key"`
	Members      []*Member         `json:"members"`
	ParentTeamID string            `json:"parent_team_id,omitempty"`
	Settings     map[string]string `json:"settings,omitempty"`
}

// member returns the membership record for key.
func (t *Team) member(key suite.Identity) *Member {
	for _, m := range t.Members {
		if m.Key == key {
			return m
		}
	}
	return nil
}

func (t *Team) ownerCount() int {
	n := 0
	for _, m := range t.Members {
		if m.Role == RoleOwner {
			n++
		}
	}
	return n
}

// HeaderEntry wraps the content key for one member.
type HeaderEntry struct {
	MemberKey  suite.Identity `json:"member_key"`
	WrappedKey []byte         `json:"wrapped_key"`
}

// TeamDocument is a group-encrypted document.
type TeamDocument struct {
	Path         string         `json:"path"`
	ContentHash  string         `json:"content_hash"`
	StorageRef   storage.Ref    `json:"storage_ref"`
	Header       []HeaderEntry  `json:"header"`
	CreatedAt    time.Time      `json:"created_at"`
	CreatedBy    suite.Identity `json:"created_by"`
	Size         int64          `json:"size"`
	NeedsRotation bool          `json:"needs_rotation,omitempty"`
}

// SecretDeriver is the wallet capability wrapping content keys: a pairwise
// secret between the agent and a member key.
type SecretDeriver interface {
	DeriveSharedSecret(ctx context.Context, counterparty suite.Identity, purpose string) ([]byte, error)
}

// CertVerifier is the identity-gate capability the team vault consults.
type CertVerifier interface {
	VerifyIdentity(ctx context.Context, cert *identity.Certificate, now time.Time) (*identity.VerifyResult, error)
}

// SessionInvalidator drops sessions when access is revoked.
type SessionInvalidator interface {
	InvalidateAllForUser(userKey suite.Identity) int
}

const teamWrapPurpose = "team-wrap"

// TeamVault stores group-encrypted documents for teams.
type TeamVault struct {
	deriver  SecretDeriver
	store    storage.Adapter
	verifier CertVerifier
	sessions SessionInvalidator
	auditor  Auditor

	mu    sync.Mutex
	teams map[string]*Team
	docs  map[string]map[string]*TeamDocument // teamID -> path -> doc
	certs map[string]*identity.Certificate    // member key -> presented cert

	logger *log.Logger
}

// NewTeamVault creates the team vault service.
func NewTeamVault(deriver SecretDeriver, store storage.Adapter, verifier CertVerifier, sessions SessionInvalidator, auditor Auditor, logger *log.Logger) *TeamVault {
	if logger == nil {
		logger = log.New(log.Writer(), "[TeamVault] ", log.LstdFlags)
	}
	return &TeamVault{
		deriver:  deriver,
		store:    store,
		verifier: verifier,
		sessions: sessions,
		auditor:  auditor,
		teams:    make(map[string]*Team),
		docs:     make(map[string]map[string]*TeamDocument),
		certs:    make(map[string]*identity.Certificate),
		logger:   logger,
	}
}

// SetAuditor installs the audit hook after construction.
func (tv *TeamVault) SetAuditor(a Auditor) {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	tv.auditor = a
}

// CreateTeam creates a team with its founding owner.
func (tv *TeamVault) CreateTeam(ctx context.Context, name string, owner suite.Identity, ownerCert *identity.Certificate) (*Team, error) {
	if tv.verifier != nil && ownerCert != nil {
		if _, err := tv.verifier.VerifyIdentity(ctx, ownerCert, time.Now()); err != nil {
			return nil, err
		}
	}
	team := &Team{
		TeamID:   uuid.NewString(),
		Name:     name,
		OwnerKey: owner,
		Members: []*Member{{
			Key:      owner,
			Role:     RoleOwner,
			JoinedAt: time.Now(),
			CertSerial: certSerial(ownerCert),
		}},
	}
	tv.mu.Lock()
	tv.teams[team.TeamID] = team
	tv.docs[team.TeamID] = make(map[string]*TeamDocument)
	if ownerCert != nil {
		tv.certs[string(owner)] = ownerCert
	}
	tv.mu.Unlock()

	tv.record(ctx, "team.create", owner, []byte(team.TeamID), nil)
	return team, nil
}

// CreateSubTeam creates a child team; the creator must belong to the parent.
func (tv *TeamVault) CreateSubTeam(ctx context.Context, parentID, name string, creator suite.Identity, creatorCert *identity.Certificate) (*Team, error) {
	tv.mu.Lock()
	parent, ok := tv.teams[parentID]
	if !ok {
		tv.mu.Unlock()
		return nil, ErrTeamNotFound
	}
	if parent.member(creator) == nil {
		tv.mu.Unlock()
		return nil, fmt.Errorf("%w: sub-team creation requires parent membership", ErrNotMember)
	}
	tv.mu.Unlock()

	team, err := tv.CreateTeam(ctx, name, creator, creatorCert)
	if err != nil {
		return nil, err
	}
	tv.mu.Lock()
	team.ParentTeamID = parentID
	tv.mu.Unlock()
	return team, nil
}

// Team returns a team by id.
func (tv *TeamVault) Team(teamID string) (*Team, error) {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	team, ok := tv.teams[teamID]
	if !ok {
		return nil, ErrTeamNotFound
	}
	return team, nil
}

// AddMember verifies the subject's certificate and adds them. Existing
// documents keep their headers; the new member reads them after the next
// write rotates the header.
func (tv *TeamVault) AddMember(ctx context.Context, teamID string, subjectCert *identity.Certificate, role Role, byWhom suite.Identity) (*Member, error) {
	res, err := tv.verifier.VerifyIdentity(ctx, subjectCert, time.Now())
	if err != nil {
		return nil, err
	}

	tv.mu.Lock()
	defer tv.mu.Unlock()
	team, ok := tv.teams[teamID]
	if !ok {
		return nil, ErrTeamNotFound
	}
	actor := team.member(byWhom)
	if actor == nil {
		return nil, ErrNotMember
	}
	if !actor.Role.canManage() {
		return nil, fmt.Errorf("%w: %s cannot add members", ErrPermission, actor.Role)
	}
	if team.member(res.Subject) != nil {
		return nil, ErrDuplicateMember
	}

	m := &Member{
		Key:        res.Subject,
		Role:       role,
		JoinedAt:   time.Now(),
		CertSerial: subjectCert.Serial,
	}
	team.Members = append(team.Members, m)
	tv.certs[string(res.Subject)] = subjectCert

	tv.recordLocked(ctx, "team.member.add", byWhom, []byte(teamID), []byte(res.Subject))
	return m, nil
}

// RemoveMember removes a member and rotates every document whose header
// contained them. Documents that cannot be rotated in place are marked for
// lazy rotation on the next write. At least one owner must remain.
func (tv *TeamVault) RemoveMember(ctx context.Context, teamID string, key suite.Identity, byWhom suite.Identity) error {
	tv.mu.Lock()
	team, ok := tv.teams[teamID]
	if !ok {
		tv.mu.Unlock()
		return ErrTeamNotFound
	}
	actor := team.member(byWhom)
	if actor == nil {
		tv.mu.Unlock()
		return ErrNotMember
	}
	if !actor.Role.canManage() {
		tv.mu.Unlock()
		return fmt.Errorf("%w: %s cannot remove members", ErrPermission, actor.Role)
	}
	target := team.member(key)
	if target == nil {
		tv.mu.Unlock()
		return ErrNotMember
	}
	if target.Role == RoleOwner && team.ownerCount() == 1 {
		tv.mu.Unlock()
		return ErrLastOwner
	}

	for i, m := range team.Members {
		if m.Key == key {
			team.Members = append(team.Members[:i], team.Members[i+1:]...)
			break
		}
	}
	remaining := memberKeys(team)
	docs := tv.docs[teamID]
	tv.mu.Unlock()

	// Rotate affected documents outside the table lock.
	for _, doc := range docs {
		if !headerContains(doc, key) {
			continue
		}
		if err := tv.rotateDocument(ctx, teamID, doc, remaining); err != nil {
			tv.logger.Printf("lazy rotation queued for %s/%s: %v", teamID, doc.Path, err)
			tv.mu.Lock()
			doc.NeedsRotation = true
			tv.mu.Unlock()
		}
	}

	tv.record(ctx, "team.member.remove", byWhom, []byte(teamID), []byte(key))
	return nil
}

// RevokeCertificate rechecks access for members bound to serial: their
// sessions are invalidated immediately and reads fail until a fresh
// certificate is presented.
func (tv *TeamVault) RevokeCertificate(ctx context.Context, serial string) {
	tv.mu.Lock()
	var affected []suite.Identity
	for _, team := range tv.teams {
		for _, m := range team.Members {
			if m.CertSerial == serial {
				affected = append(affected, m.Key)
			}
		}
	}
	tv.mu.Unlock()

	for _, key := range affected {
		if tv.sessions != nil {
			tv.sessions.InvalidateAllForUser(key)
		}
		tv.record(ctx, "team.cert.revoked", key, []byte(serial), nil)
	}
}

// StoreDocument group-encrypts content for every current member.
func (tv *TeamVault) StoreDocument(ctx context.Context, teamID string, writer suite.Identity, path string, content []byte) (*TeamDocument, error) {
	normalized, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}

	tv.mu.Lock()
	team, ok := tv.teams[teamID]
	if !ok {
		tv.mu.Unlock()
		return nil, ErrTeamNotFound
	}
	m := team.member(writer)
	if m == nil {
		tv.mu.Unlock()
		return nil, ErrNotMember
	}
	if !m.Role.canWrite() {
		tv.mu.Unlock()
		return nil, fmt.Errorf("%w: %s cannot write", ErrPermission, m.Role)
	}
	members := memberKeys(team)
	tv.mu.Unlock()

	if err := tv.checkAccess(ctx, writer); err != nil {
		return nil, err
	}

	// Fresh content key per write: adding or removing members never reuses
	// an old key.
	contentKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, contentKey); err != nil {
		return nil, fmt.Errorf("read content key: %w", err)
	}
	defer suite.Zero(contentKey)

	ciphertext, err := suite.Seal(contentKey, content, []byte(normalized))
	if err != nil {
		return nil, err
	}
	header, err := tv.wrapForMembers(ctx, contentKey, members)
	if err != nil {
		return nil, err
	}
	ref, err := tv.store.Upload(ctx, ciphertext, storage.Metadata{"kind": "team-document"})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}

	doc := &TeamDocument{
		Path:        normalized,
		ContentHash: hex.EncodeToString(suite.Hash(content)),
		StorageRef:  ref,
		Header:      header,
		CreatedAt:   time.Now(),
		CreatedBy:   writer,
		Size:        int64(len(content)),
	}
	tv.mu.Lock()
	tv.docs[teamID][normalized] = doc
	tv.mu.Unlock()

	tv.record(ctx, "team.doc.write", writer, []byte(teamID+"/"+normalized), content)
	return doc, nil
}

// ReadDocument unwraps the reader's header entry and decrypts.
func (tv *TeamVault) ReadDocument(ctx context.Context, teamID string, reader suite.Identity, path string) ([]byte, error) {
	normalized, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}

	tv.mu.Lock()
	team, ok := tv.teams[teamID]
	if !ok {
		tv.mu.Unlock()
		return nil, ErrTeamNotFound
	}
	if team.member(reader) == nil {
		tv.mu.Unlock()
		return nil, ErrNotMember
	}
	doc, ok := tv.docs[teamID][normalized]
	tv.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, normalized)
	}

	// Access recheck: a revoked certificate blocks reads even for a listed
	// member.
	if err := tv.checkAccess(ctx, reader); err != nil {
		return nil, err
	}

	var wrapped []byte
	for _, h := range doc.Header {
		if h.MemberKey == reader {
			wrapped = h.WrappedKey
			break
		}
	}
	if wrapped == nil {
		return nil, fmt.Errorf("%w: no header entry; document pending header refresh", ErrPermission)
	}

	secret, err := tv.deriver.DeriveSharedSecret(ctx, reader, teamWrapPurpose)
	if err != nil {
		return nil, err
	}
	defer suite.Zero(secret)
	contentKey, err := suite.Open(secret, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap content key: %w", err)
	}
	defer suite.Zero(contentKey)

	ciphertext, _, err := tv.store.Download(ctx, doc.StorageRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	plain, err := suite.Open(contentKey, ciphertext, []byte(normalized))
	if err != nil {
		return nil, fmt.Errorf("decrypt document: %w", err)
	}

	tv.record(ctx, "team.doc.read", reader, []byte(teamID+"/"+normalized), nil)
	return plain, nil
}

// ====== internals ======

// checkAccess verifies the member's stored certificate through the gate.
func (tv *TeamVault) checkAccess(ctx context.Context, key suite.Identity) error {
	if tv.verifier == nil {
		return nil
	}
	tv.mu.Lock()
	cert := tv.certs[string(key)]
	tv.mu.Unlock()
	if cert == nil {
		return nil // members without a presented certificate are not gated
	}
	_, err := tv.verifier.VerifyIdentity(ctx, cert, time.Now())
	return err
}

// wrapForMembers seals the content key once per member.
func (tv *TeamVault) wrapForMembers(ctx context.Context, contentKey []byte, members []suite.Identity) ([]HeaderEntry, error) {
	header := make([]HeaderEntry, 0, len(members))
	for _, key := range members {
		secret, err := tv.deriver.DeriveSharedSecret(ctx, key, teamWrapPurpose)
		if err != nil {
			return nil, fmt.Errorf("derive wrap secret for %s: %w", key, err)
		}
		wrapped, err := suite.Seal(secret, contentKey, nil)
		suite.Zero(secret)
		if err != nil {
			return nil, err
		}
		header = append(header, HeaderEntry{MemberKey: key, WrappedKey: wrapped})
	}
	return header, nil
}

// rotateDocument re-encrypts a document under a fresh content key wrapped
// for the remaining members.
func (tv *TeamVault) rotateDocument(ctx context.Context, teamID string, doc *TeamDocument, members []suite.Identity) error {
	// The agent can always unwrap: every header entry is sealed under a
	// pairwise secret the agent derives.
	if len(doc.Header) == 0 {
		return fmt.Errorf("document has no header")
	}
	first := doc.Header[0]
	secret, err := tv.deriver.DeriveSharedSecret(ctx, first.MemberKey, teamWrapPurpose)
	if err != nil {
		return err
	}
	oldKey, err := suite.Open(secret, first.WrappedKey, nil)
	suite.Zero(secret)
	if err != nil {
		return fmt.Errorf("unwrap for rotation: %w", err)
	}
	defer suite.Zero(oldKey)

	ciphertext, _, err := tv.store.Download(ctx, doc.StorageRef)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	plain, err := suite.Open(oldKey, ciphertext, []byte(doc.Path))
	if err != nil {
		return fmt.Errorf("decrypt for rotation: %w", err)
	}

	newKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, newKey); err != nil {
		return err
	}
	defer suite.Zero(newKey)

	newCiphertext, err := suite.Seal(newKey, plain, []byte(doc.Path))
	if err != nil {
		return err
	}
	header, err := tv.wrapForMembers(ctx, newKey, members)
	if err != nil {
		return err
	}
	ref, err := tv.store.Upload(ctx, newCiphertext, storage.Metadata{"kind": "team-document"})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}

	tv.mu.Lock()
	doc.StorageRef = ref
	doc.Header = header
	doc.NeedsRotation = false
	tv.mu.Unlock()

	tv.record(ctx, "team.doc.rotate", "", []byte(teamID+"/"+doc.Path), nil)
	return nil
}

func (tv *TeamVault) record(ctx context.Context, action string, user suite.Identity, input, output []byte) {
	if tv.auditor == nil {
		return
	}
	tv.auditor.Record(ctx, audit.CreateEntryArgs{Action: action, UserKey: user, Input: input, Output: output})
}

// recordLocked mirrors record for call sites holding the table lock.
func (tv *TeamVault) recordLocked(ctx context.Context, action string, user suite.Identity, input, output []byte) {
	tv.record(ctx, action, user, input, output)
}

func memberKeys(t *Team) []suite.Identity {
	keys := make([]suite.Identity, 0, len(t.Members))
	for _, m := range t.Members {
		keys = append(keys, m.Key)
	}
	return keys
}

func headerContains(doc *TeamDocument, key suite.Identity) bool {
	for _, h := range doc.Header {
		if h.MemberKey == key {
			return true
		}
	}
	return false
}

func certSerial(cert *identity.Certificate) string {
	if cert == nil {
		return ""
	}
	return cert.Serial
}
