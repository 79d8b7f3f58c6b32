package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"conclave/api/internal/auth"
	"conclave/api/internal/config"
	"conclave/api/internal/events"
	"conclave/api/internal/export"
	"conclave/api/internal/gitrepo"
	"conclave/api/internal/ledger"
	"conclave/api/internal/metrics"
	"conclave/api/internal/rbac"
	"conclave/api/internal/search"
	"conclave/api/internal/session"
	"conclave/api/internal/store"
	"conclave/api/internal/util"
	"conclave/api/internal/vault"
)

type Session struct {
	Token        string
	RefreshToken string
	MemberID     string
	MemberName   string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// SessionStore holds refresh sessions. The data store satisfies it; Redis
// replaces it when configured.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, memberID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeMemberSessions(ctx context.Context, memberID string) error
}

// BlobStore keeps vault file contents.
type BlobStore interface {
	Put(ctx context.Context, name string, body io.Reader, size int64, contentType string) (vault.Object, error)
	Remove(ctx context.Context, objectPath string) error
}

// Mailer sends whitelist invitations.
type Mailer interface {
	IsConfigured() bool
	SendInvite(to, role, invitedBy, portalURL string) error
}

type dataStore interface {
	Ping(ctx context.Context) error

	SeedWhitelistIfEmpty(ctx context.Context, email string) (bool, error)
	GetWhitelistEntry(ctx context.Context, email string) (store.WhitelistEntry, error)
	ListWhitelist(ctx context.Context) ([]store.WhitelistEntry, error)
	CountWhitelist(ctx context.Context) (int, error)
	AddWhitelistEntry(ctx context.Context, entry store.WhitelistEntry) error
	UpdateWhitelistRole(ctx context.Context, email, role string) (store.WhitelistEntry, error)
	RemoveWhitelistEntry(ctx context.Context, email string) ([]string, error)

	EnsureMember(ctx context.Context, member store.Member) (store.Member, bool, error)
	GetMember(ctx context.Context, memberID string) (store.Member, error)
	ListMembers(ctx context.Context) ([]store.Member, error)
	ListMemberIDs(ctx context.Context) ([]string, error)
	ClearMemberVoted(ctx context.Context, memberID string) error

	SaveRefreshSession(ctx context.Context, tokenHash, memberID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeMemberSessions(ctx context.Context, memberID string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	CreateProposal(ctx context.Context, proposal store.Proposal) error
	GetProposal(ctx context.Context, proposalID string) (store.Proposal, error)
	ListProposals(ctx context.Context, filter store.ProposalFilter) ([]store.Proposal, error)
	ListProposalIDs(ctx context.Context) ([]string, error)
	UpdateProposalContent(ctx context.Context, proposalID string, edit store.ProposalEdit) (store.Proposal, error)
	SetProposalStatus(ctx context.Context, proposalID, from, to string) (store.Proposal, error)
	DeleteProposal(ctx context.Context, proposalID string) error
	AdjustProposalPriority(ctx context.Context, proposalID string, delta int) (store.Proposal, error)

	CastBallot(ctx context.Context, ballot store.Ballot) (store.Proposal, error)
	GetBallot(ctx context.Context, memberID, proposalID string) (store.Ballot, error)
	ListMemberBallots(ctx context.Context, memberID string) ([]store.Ballot, error)
	ResetProposalTallies(ctx context.Context, proposalID string) (store.ResetReport, error)

	AddComment(ctx context.Context, comment store.Comment) error
	ListComments(ctx context.Context, proposalID string) ([]store.Comment, error)

	CreateFundingItem(ctx context.Context, item store.FundingItem) error
	SeedFundingItem(ctx context.Context, item store.FundingItem) (bool, error)
	GetFundingItem(ctx context.Context, itemID string) (store.FundingItem, error)
	ListFundingItems(ctx context.Context) ([]store.FundingItem, error)
	Commit(ctx context.Context, commitment store.Commitment) (store.CommitResult, error)
	ListMemberCommitments(ctx context.Context, memberID string) ([]store.Commitment, error)
	ListItemCommitments(ctx context.Context, itemID string) ([]store.Commitment, error)

	ApplyPriorityVote(ctx context.Context, memberID string, target store.PriorityTarget, requested ledger.Direction) (store.PriorityResult, error)
	ListMemberPriorityVotes(ctx context.Context, memberID string) ([]store.PriorityVote, error)

	InsertVaultItem(ctx context.Context, item store.VaultItem) error
	GetVaultItem(ctx context.Context, itemID string) (store.VaultItem, error)
	ListVaultItems(ctx context.Context) ([]store.VaultItem, error)
	DeleteVaultItem(ctx context.Context, itemID string) error
}

// Dependencies are the optional collaborators of the service. Zero values
// disable the matching feature.
type Dependencies struct {
	Sessions       SessionStore
	Records        *gitrepo.Service
	Meili          *search.Meili
	SearchFallback search.Searcher
	Vault          BlobStore
	Mailer         Mailer
	Metrics        *metrics.Metrics
	Publisher      events.Publisher
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	identity *auth.IdentityVerifier
	records  *gitrepo.Service
	search   *search.Service
	exporter *export.Service
	vault    BlobStore
	mailer   Mailer
	metrics  *metrics.Metrics
	bus      *events.Bus
	now      func() time.Time
}

func New(cfg config.Config, dataStore dataStore, deps Dependencies) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: deps.Sessions,
		identity: auth.NewIdentityVerifier(cfg.IdentitySecret, cfg.IdentityIssuer, cfg.IdentityAudience),
		records:  deps.Records,
		vault:    deps.Vault,
		mailer:   deps.Mailer,
		metrics:  deps.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if s.sessions == nil {
		s.sessions = dataStore
	}
	fallback := deps.SearchFallback
	if fallback == nil {
		fallback = search.NewRecordSearcher(s.searchRecords)
	}
	s.search = search.NewService(deps.Meili, fallback)
	s.exporter = export.NewService(exportSource{store: dataStore})
	s.bus = events.NewBus(s.loadTopic)
	if deps.Publisher != nil {
		s.bus.UsePublisher(deps.Publisher)
	}
	return s
}

const endowmentSeedID = "endowment-seed"

// Bootstrap seeds the endowment funding item and pushes every searchable
// record to the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.cfg.SeedEndowment {
		target := s.cfg.EndowmentTarget
		if target <= 0 {
			target = 1000000
		}
		created, err := s.store.SeedFundingItem(ctx, store.FundingItem{
			ID:            endowmentSeedID,
			Title:         "Bañez Family Foundation Endowment",
			Description:   "Permanent endowment supporting the foundation's long-term programs.",
			Category:      ledger.CategoryTopPriority,
			TargetAmount:  target,
			PriorityScore: 100,
			Status:        store.FundingActive,
			CreatedBy:     "seed",
			CreatedAt:     s.now(),
		})
		if err != nil {
			return fmt.Errorf("seed endowment: %w", err)
		}
		if created {
			log.Printf("bootstrap: seeded funding item %s", endowmentSeedID)
		}
	}

	records, err := s.searchRecords(ctx)
	if err != nil {
		return fmt.Errorf("load search records: %w", err)
	}
	s.search.ReindexAll(records)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Login runs the access gate for a signed identity assertion.
func (s *Service) Login(ctx context.Context, idToken string) (Session, bool, error) {
	identity, err := s.identity.Verify(idToken)
	if err != nil {
		return Session{}, false, err
	}
	return s.Authorize(ctx, identity)
}

// Authorize admits identity when its e-mail is whitelisted. The first
// identity to sign in against an empty whitelist becomes its admin.
func (s *Service) Authorize(ctx context.Context, identity auth.Identity) (Session, bool, error) {
	email := ledger.NormalizeEmail(identity.Email)
	if email == "" || identity.ID == "" {
		return Session{}, false, errValidation("Identity must carry an id and an e-mail address.")
	}

	seeded, err := s.store.SeedWhitelistIfEmpty(ctx, email)
	if err != nil {
		return Session{}, false, err
	}
	if seeded {
		log.Printf("access: seeded whitelist with admin %s", email)
		s.bus.Notify(ctx, events.TopicWhitelist)
	}

	if _, err := s.store.GetWhitelistEntry(ctx, email); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return Session{}, false, err
		}
		s.metrics.Access(false)
		if err := s.sessions.RevokeMemberSessions(ctx, identity.ID); err != nil {
			log.Printf("access: revoke sessions for %s: %v", identity.ID, err)
		}
		return Session{}, false, errUnauthorized()
	}

	member, created, err := s.store.EnsureMember(ctx, store.Member{
		ID:          identity.ID,
		Email:       email,
		DisplayName: displayName(identity.DisplayName, email),
		PhotoURL:    identity.PhotoURL,
		LastLogin:   s.now(),
	})
	if err != nil {
		return Session{}, false, err
	}
	s.metrics.Access(true)
	if created {
		s.bus.Notify(ctx, events.TopicMembers)
	}

	session, err := s.issueSession(ctx, member)
	if err != nil {
		return Session{}, false, err
	}
	return session, created, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	memberID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, session.ErrSessionNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	member, err := s.activeMember(ctx, memberID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, member)
}

func (s *Service) issueSession(ctx context.Context, member store.Member) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   member.ID,
		Name:  member.DisplayName,
		Email: member.Email,
		Role:  member.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), member.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		MemberID:     member.ID,
		MemberName:   member.DisplayName,
		Email:        member.Email,
		Role:         member.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token and re-reads the member's role
// from the whitelist, so a removed member loses access on the next request.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	member, err := s.activeMember(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:      token,
		MemberID:   member.ID,
		MemberName: member.DisplayName,
		Email:      member.Email,
		Role:       member.Role,
		JTI:        claims.JTI,
		ExpiresAt:  time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) activeMember(ctx context.Context, memberID string) (store.Member, error) {
	member, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Member{}, errUnauthorized()
		}
		return store.Member{}, err
	}
	if rbac.Normalize(member.Role) == rbac.RoleNone {
		return store.Member{}, errUnauthorized()
	}
	return member, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) require(session Session, action rbac.Action) error {
	if !s.Can(session.Role, action) {
		return errForbidden()
	}
	return nil
}

// Close stops background work owned by the service.
func (s *Service) Close() {
	s.search.Close()
}

func displayName(name, email string) string {
	if name != "" {
		return name
	}
	return email
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
