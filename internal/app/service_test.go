package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"conclave/api/internal/auth"
	"conclave/api/internal/config"
	"conclave/api/internal/gitrepo"
	"conclave/api/internal/metrics"
	"conclave/api/internal/store"
	"conclave/api/internal/vault"
)

const (
	testIdentitySecret = "identity-secret"
	testIssuer         = "conclave-identity"
	testAudience       = "conclave-portal"
)

func testConfig() config.Config {
	return config.Config{
		JWTSecret:        "test-secret",
		AccessTTL:        time.Hour,
		RefreshTTL:       24 * time.Hour,
		IdentitySecret:   testIdentitySecret,
		IdentityIssuer:   testIssuer,
		IdentityAudience: testAudience,
		PortalURL:        "https://portal.test",
		SeedEndowment:    true,
		EndowmentTarget:  1000000,
	}
}

type fakeMailer struct {
	mu      sync.Mutex
	invites []string
	err     error
}

func (f *fakeMailer) IsConfigured() bool { return true }

func (f *fakeMailer) SendInvite(to, role, invitedBy, portalURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.invites = append(f.invites, to)
	return nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}}
}

func (f *fakeBlobs) Put(_ context.Context, name string, body io.Reader, size int64, _ string) (vault.Object, error) {
	if f.putErr != nil {
		return vault.Object{}, f.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return vault.Object{}, err
	}
	path := vault.ObjectPath(time.Now(), name)
	f.mu.Lock()
	f.objects[path] = data
	f.mu.Unlock()
	return vault.Object{Path: path, URL: vault.ObjectURL("https://files.test", "vault", path), Size: int64(len(data))}, nil
}

func (f *fakeBlobs) Remove(_ context.Context, objectPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, objectPath)
	return nil
}

func (f *fakeBlobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type testEnv struct {
	svc    *Service
	store  *store.MemoryStore
	mailer *fakeMailer
	blobs  *fakeBlobs
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	memory := store.NewMemoryStore()
	env := &testEnv{store: memory, mailer: &fakeMailer{}, blobs: newFakeBlobs()}
	env.svc = New(testConfig(), memory, Dependencies{
		Records: gitrepo.New(t.TempDir()),
		Vault:   env.blobs,
		Mailer:  env.mailer,
		Metrics: metrics.New(),
	})
	t.Cleanup(env.svc.Close)
	return env
}

func testIdentity(id, email string) auth.Identity {
	return auth.Identity{ID: id, Email: email, DisplayName: id}
}

// signIn runs the access gate for a test identity.
func (e *testEnv) signIn(t *testing.T, id, email string) Session {
	t.Helper()
	session, _, err := e.svc.Authorize(context.Background(), testIdentity(id, email))
	if err != nil {
		t.Fatalf("sign in %s: %v", email, err)
	}
	return session
}

// admit whitelists email as a member and signs it in.
func (e *testEnv) admit(t *testing.T, admin Session, id, email string) Session {
	t.Helper()
	if _, err := e.svc.AddWhitelistEntry(context.Background(), admin, AddWhitelistInput{Email: email}); err != nil {
		t.Fatalf("whitelist %s: %v", email, err)
	}
	return e.signIn(t, id, email)
}

func (e *testEnv) createProposal(t *testing.T, session Session, options ...string) string {
	t.Helper()
	if len(options) == 0 {
		options = []string{"North site", "South site"}
	}
	payload, err := e.svc.CreateProposal(context.Background(), session, CreateProposalInput{
		Title:       "Community garden",
		Description: "Where should the garden go?",
		Category:    "Environment",
		Options:     options,
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return payload["proposal"].(map[string]any)["id"].(string)
}

func assertStatus(t *testing.T, err error, want int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected status %d, got nil error", want)
	}
	status, code, _, _ := mapError(err)
	if status != want {
		t.Fatalf("expected status %d, got %d (%s: %v)", want, status, code, err)
	}
}

func TestFirstSignInSeedsAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	admin := env.signIn(t, "uid-admin", "  Founder@Example.org ")
	if admin.Role != "admin" {
		t.Fatalf("expected first member to be admin, got %q", admin.Role)
	}
	if admin.Email != "founder@example.org" {
		t.Fatalf("expected normalized email, got %q", admin.Email)
	}

	_, _, err := env.svc.Authorize(ctx, auth.Identity{ID: "uid-2", Email: "stranger@example.org"})
	assertStatus(t, err, http.StatusUnauthorized)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Message != accessRestrictedMessage {
		t.Fatalf("expected access restricted message, got %v", err)
	}

	size, err := env.store.CountWhitelist(ctx)
	if err != nil || size != 1 {
		t.Fatalf("expected single whitelist entry, got %d (%v)", size, err)
	}
}

func TestRepeatLoginKeepsRoleAndJoinDate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.signIn(t, "uid-admin", "admin@example.org")
	env.admit(t, admin, "uid-m", "member@example.org")

	first, err := env.store.GetMember(ctx, "uid-m")
	if err != nil {
		t.Fatalf("get member: %v", err)
	}
	_, created, err := env.svc.Authorize(ctx, auth.Identity{ID: "uid-m", Email: "member@example.org", DisplayName: "Renamed", PhotoURL: "https://img.test/p.png"})
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if created {
		t.Fatal("expected existing member on repeat login")
	}
	second, err := env.store.GetMember(ctx, "uid-m")
	if err != nil {
		t.Fatalf("get member: %v", err)
	}
	if second.DisplayName != "Renamed" || second.PhotoURL != "https://img.test/p.png" {
		t.Fatalf("expected profile refresh, got %+v", second)
	}
	if !second.JoinedAt.Equal(first.JoinedAt) || second.Role != "member" {
		t.Fatalf("join date and role must not change: %+v", second)
	}
}

func TestWhitelistRemovalEndsAccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.signIn(t, "uid-admin", "admin@example.org")
	member := env.admit(t, admin, "uid-m", "member@example.org")

	if _, err := env.svc.SessionFromToken(ctx, member.Token); err != nil {
		t.Fatalf("expected valid session, got %v", err)
	}

	_, err := env.svc.RemoveWhitelistEntry(ctx, admin, "member@example.org", false)
	assertStatus(t, err, http.StatusPreconditionRequired)

	if _, err := env.svc.RemoveWhitelistEntry(ctx, admin, "MEMBER@example.org", true); err != nil {
		t.Fatalf("remove entry: %v", err)
	}

	_, err = env.svc.SessionFromToken(ctx, member.Token)
	assertStatus(t, err, http.StatusUnauthorized)

	_, err = env.svc.Refresh(ctx, member.RefreshToken)
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestAdminCannotChangeOwnAccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.signIn(t, "uid-admin", "admin@example.org")

	_, err := env.svc.UpdateWhitelistRole(ctx, admin, "admin@example.org", "member")
	assertStatus(t, err, http.StatusUnprocessableEntity)
	_, err = env.svc.RemoveWhitelistEntry(ctx, admin, "admin@example.org", true)
	assertStatus(t, err, http.StatusUnprocessableEntity)
}

func TestRoleChangeAppliesOnNextRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.signIn(t, "uid-admin", "admin@example.org")
	member := env.admit(t, admin, "uid-m", "member@example.org")

	_, err := env.svc.ListWhitelist(ctx, member)
	assertStatus(t, err, http.StatusForbidden)

	if _, err := env.svc.UpdateWhitelistRole(ctx, admin, "member@example.org", "admin"); err != nil {
		t.Fatalf("promote: %v", err)
	}
	promoted, err := env.svc.SessionFromToken(ctx, member.Token)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if promoted.Role != "admin" {
		t.Fatalf("expected role from whitelist, got %q", promoted.Role)
	}
	if _, err := env.svc.ListWhitelist(ctx, promoted); err != nil {
		t.Fatalf("expected admin access, got %v", err)
	}

	_, err = env.svc.UpdateWhitelistRole(ctx, admin, "member@example.org", "owner")
	assertStatus(t, err, http.StatusUnprocessableEntity)
}

func TestAddWhitelistEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.signIn(t, "uid-admin", "admin@example.org")

	payload, err := env.svc.AddWhitelistEntry(ctx, admin, AddWhitelistInput{Email: " New@Example.org "})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	entry := payload["entry"].(map[string]any)
	if entry["email"] != "new@example.org" || entry["role"] != "member" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if payload["invited"] != true || len(env.mailer.invites) != 1 {
		t.Fatalf("expected one invitation, got %v", env.mailer.invites)
	}

	_, err = env.svc.AddWhitelistEntry(ctx, admin, AddWhitelistInput{Email: "new@example.org"})
	assertStatus(t, err, http.StatusConflict)
	_, err = env.svc.AddWhitelistEntry(ctx, admin, AddWhitelistInput{Email: "not-an-address"})
	assertStatus(t, err, http.StatusUnprocessableEntity)

	env.mailer.err = errors.New("smtp down")
	payload, err = env.svc.AddWhitelistEntry(ctx, admin, AddWhitelistInput{Email: "other@example.org", Role: "admin"})
	if err != nil {
		t.Fatalf("failed invitation must not fail the add: %v", err)
	}
	if payload["invited"] != false {
		t.Fatalf("expected invited=false, got %v", payload["invited"])
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.signIn(t, "uid-admin", "admin@example.org")

	next, err := env.svc.Refresh(ctx, admin.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.RefreshToken == admin.RefreshToken {
		t.Fatal("expected a new refresh token")
	}
	_, err = env.svc.Refresh(ctx, admin.RefreshToken)
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.signIn(t, "uid-admin", "admin@example.org")
	current, err := env.svc.SessionFromToken(ctx, admin.Token)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := env.svc.Logout(ctx, current, admin.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := env.svc.SessionFromToken(ctx, admin.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected revoked token, got %v", err)
	}
}

func TestLoginVerifiesIdentityToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	verifier := auth.NewIdentityVerifier(testIdentitySecret, testIssuer, testAudience)
	idToken, err := verifier.SignIdentity(auth.Identity{ID: "uid-1", Email: "first@example.org", DisplayName: "First"}, time.Minute)
	if err != nil {
		t.Fatalf("sign identity: %v", err)
	}
	session, created, err := env.svc.Login(ctx, idToken)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !created || session.Role != "admin" || session.MemberName != "First" {
		t.Fatalf("unexpected session %+v created=%v", session, created)
	}

	forged := auth.NewIdentityVerifier("other-secret", testIssuer, testAudience)
	badToken, _ := forged.SignIdentity(auth.Identity{ID: "uid-1", Email: "first@example.org"}, time.Minute)
	if _, _, err := env.svc.Login(ctx, badToken); !errors.Is(err, auth.ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}

func TestMeProjectsBallotsAndCommitments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.signIn(t, "uid-admin", "admin@example.org")
	if err := env.svc.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	proposalID := env.createProposal(t, admin)
	if _, err := env.svc.CastBallot(ctx, admin, proposalID, BallotInput{OptionID: "opt2"}); err != nil {
		t.Fatalf("ballot: %v", err)
	}
	amount := 250.0
	if _, err := env.svc.Commit(ctx, admin, endowmentSeedID, CommitInput{Amount: &amount}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	payload, err := env.svc.Me(ctx, admin)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	votes := payload["votes"].(map[string]any)
	ballot, ok := votes[proposalID].(map[string]any)
	if !ok || ballot["optionId"] != "opt2" {
		t.Fatalf("expected ballot on opt2, got %+v", votes)
	}
	if member := payload["member"].(map[string]any); member["hasVoted"] != true {
		t.Fatalf("expected hasVoted, got %+v", member)
	}
	commitments := payload["commitments"].([]map[string]any)
	if len(commitments) != 1 || commitments[0]["amount"] != int64(250) {
		t.Fatalf("unexpected commitments %+v", commitments)
	}
}

func TestSessionPayloadCarriesTokens(t *testing.T) {
	payload := sessionPayload(Session{Token: "a", RefreshToken: "b", MemberID: "m", ExpiresAt: time.Unix(100, 0)})
	if payload["token"] != "a" || payload["refreshToken"] != "b" || payload["expiresAt"] != int64(100) {
		t.Fatalf("unexpected payload %+v", payload)
	}
}
