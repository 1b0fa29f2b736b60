package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joshuamckenty/anthill/internal/directory"
	"github.com/joshuamckenty/anthill/internal/models"
	"github.com/joshuamckenty/anthill/internal/quota"
	"github.com/joshuamckenty/anthill/internal/repository"
	"github.com/joshuamckenty/anthill/internal/service"
)

// memoryRepo is a map-backed repository.ProfileRepository for handler
// tests; the real backends have their own test suites.
type memoryRepo struct {
	mu       sync.Mutex
	profiles map[uuid.UUID]models.Profile
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{profiles: make(map[uuid.UUID]models.Profile)}
}

func (r *memoryRepo) Save(_ context.Context, p *models.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	r.profiles[p.AccountID] = p.Clone()
	return nil
}

func (r *memoryRepo) GetByAccountID(_ context.Context, id uuid.UUID) (*models.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := p.Clone()
	return &out, nil
}

func (r *memoryRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.profiles, id)
	return nil
}

func (r *memoryRepo) ListAll(_ context.Context, fn func(models.Profile) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.profiles {
		if err := fn(p.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (r *memoryRepo) Close() error { return nil }

type fixture struct {
	repo   *memoryRepo
	index  *directory.Index
	svc    *service.PeopleService
	router http.Handler
}

// newFixture wires a real service and router over in-memory backends.
// maxSends bounds the messaging quota per sender and hour.
func newFixture(t *testing.T, maxSends int) *fixture {
	t.Helper()

	f := &fixture{
		repo:  newMemoryRepo(),
		index: directory.NewIndex(),
	}
	gate := service.NewMemoryGate(quota.NewLimiter(maxSends, time.Hour, 4))
	f.svc = service.NewPeopleService(f.repo, f.index, gate, nil, nil, nil, zap.NewNop())

	people := NewPeopleHandler(f.svc, 50, zap.NewNop())
	f.router = NewRouter(people, RouterOptions{}, zap.NewNop())
	return f
}

func member(name string, role models.Role, email string) models.Profile {
	return models.Profile{
		AccountID:   uuid.New(),
		DisplayName: name,
		Role:        role,
		Skills:      []string{"go"},
		Location:    &models.Coordinates{Lat: 0, Lon: 0},
		Email:       email,
	}
}

func seed(t *testing.T, f *fixture, p models.Profile) models.Profile {
	t.Helper()
	saved, err := f.svc.UpsertProfile(context.Background(), p)
	require.NoError(t, err)
	return saved
}

func (f *fixture) request(t *testing.T, method, target, accountID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, target, bytes.NewReader(buf))
	}
	if accountID != "" {
		req.Header.Set(accountIDHeader, accountID)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeProfiles(t *testing.T, rec *httptest.ResponseRecorder) []models.Profile {
	t.Helper()
	var resp struct {
		Success bool             `json:"success"`
		Data    []models.Profile `json:"data"`
		Meta    *Meta            `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	return resp.Data
}

func decodeProfile(t *testing.T, rec *httptest.ResponseRecorder) models.Profile {
	t.Helper()
	var resp struct {
		Success bool           `json:"success"`
		Data    models.Profile `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	return resp.Data
}

func assertErrorEnvelope(t *testing.T, rec *httptest.ResponseRecorder, wantStatus int) {
	t.Helper()
	require.Equal(t, wantStatus, rec.Code, "body: %s", rec.Body.String())
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestSearchByRoleAndProximity(t *testing.T) {
	f := newFixture(t, 3)
	near := member("Ada", models.RoleDeveloper, "")
	farther := member("Grace", models.RoleDeveloper, "")
	farther.Location = &models.Coordinates{Lat: 0, Lon: 1}
	designer := member("Mies", models.RoleDesigner, "")
	designer.Location = &models.Coordinates{Lat: 10, Lon: 10}
	seed(t, f, near)
	seed(t, f, farther)
	seed(t, f, designer)

	rec := f.request(t, http.MethodGet,
		"/api/v1/people/search?role=developer&lat=0&lon=0&radius_km=200", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	results := decodeProfiles(t, rec)
	require.Len(t, results, 2, "designer and out-of-range profiles are excluded")
	assert.Equal(t, near.AccountID, results[0].AccountID, "nearest first")
	assert.Equal(t, farther.AccountID, results[1].AccountID)
}

func TestSearchExcludesRequester(t *testing.T) {
	f := newFixture(t, 3)
	a := seed(t, f, member("Ada", models.RoleDeveloper, ""))
	b := seed(t, f, member("Grace", models.RoleDeveloper, ""))

	rec := f.request(t, http.MethodGet, "/api/v1/people/search", a.AccountID.String(), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	results := decodeProfiles(t, rec)
	require.Len(t, results, 1)
	assert.Equal(t, b.AccountID, results[0].AccountID)
}

func TestSearchBadOptionalParamsDisableFilters(t *testing.T) {
	f := newFixture(t, 3)
	seed(t, f, member("Ada", models.RoleDeveloper, ""))
	seed(t, f, member("Grace", models.RoleResearcher, ""))

	// Unparsable lat kills the whole distance stage; an unknown role
	// disables the role filter. Neither is a client error.
	rec := f.request(t, http.MethodGet,
		"/api/v1/people/search?role=astronaut&lat=abc&lon=0&radius_km=1", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeProfiles(t, rec), 2)
}

func TestSearchDefaultRadius(t *testing.T) {
	f := newFixture(t, 3)
	near := member("Ada", models.RoleDeveloper, "")
	near.Location = &models.Coordinates{Lat: 0.3, Lon: 0} // ~33 km out
	far := member("Grace", models.RoleDeveloper, "")
	far.Location = &models.Coordinates{Lat: 1, Lon: 0} // ~111 km out
	seed(t, f, near)
	seed(t, f, far)

	rec := f.request(t, http.MethodGet, "/api/v1/people/search?lat=0&lon=0", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	results := decodeProfiles(t, rec)
	require.Len(t, results, 1, "default radius of 50 km admits only the near profile")
	assert.Equal(t, near.AccountID, results[0].AccountID)

	rec = f.request(t, http.MethodGet, "/api/v1/people/search?lat=0&lon=0&radius_km=200", "", nil)
	assert.Len(t, decodeProfiles(t, rec), 2)
}

func TestSearchByNameAndSkills(t *testing.T) {
	f := newFixture(t, 3)
	ada := member("Ada Lovelace", models.RoleDeveloper, "")
	ada.Skills = []string{"go", "rust"}
	grace := member("Grace Hopper", models.RoleDeveloper, "")
	grace.Skills = []string{"cobol"}
	seed(t, f, ada)
	seed(t, f, grace)

	rec := f.request(t, http.MethodGet, "/api/v1/people/search?name=love", "", nil)
	results := decodeProfiles(t, rec)
	require.Len(t, results, 1)
	assert.Equal(t, ada.AccountID, results[0].AccountID)

	rec = f.request(t, http.MethodGet, "/api/v1/people/search?skills=rust,go", "", nil)
	results = decodeProfiles(t, rec)
	require.Len(t, results, 1)
	assert.Equal(t, ada.AccountID, results[0].AccountID)
}

func TestGetProfileEndpoint(t *testing.T) {
	f := newFixture(t, 3)
	p := seed(t, f, member("Ada", models.RoleDeveloper, "ada@anthill.dev"))

	rec := f.request(t, http.MethodGet, "/api/v1/people/"+p.AccountID.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeProfile(t, rec)
	assert.Equal(t, "Ada", got.DisplayName)
	assert.Empty(t, got.Email, "contact address never leaves the storage layer")

	assertErrorEnvelope(t, f.request(t, http.MethodGet, "/api/v1/people/"+uuid.NewString(), "", nil),
		http.StatusNotFound)
	assertErrorEnvelope(t, f.request(t, http.MethodGet, "/api/v1/people/not-a-uuid", "", nil),
		http.StatusBadRequest)
}

func TestUpsertProfileEndpoint(t *testing.T) {
	f := newFixture(t, 3)
	pathID := uuid.New()

	body := member("Ada", models.RoleDeveloper, "ada@anthill.dev")
	body.AccountID = uuid.New() // ignored; the path wins

	rec := f.request(t, http.MethodPut, "/api/v1/people/"+pathID.String(), "", body)

	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	saved := decodeProfile(t, rec)
	assert.Equal(t, pathID, saved.AccountID)
	assert.Empty(t, saved.Email)

	_, ok := f.index.Get(pathID)
	assert.True(t, ok, "upsert must land in the live index")
}

func TestUpsertProfileRejectsInvalid(t *testing.T) {
	f := newFixture(t, 3)
	id := uuid.New()

	bad := member("Ada", "astronaut", "")
	assertErrorEnvelope(t, f.request(t, http.MethodPut, "/api/v1/people/"+id.String(), "", bad),
		http.StatusBadRequest)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/people/"+id.String(),
		bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assertErrorEnvelope(t, rec, http.StatusBadRequest)
}

func TestDeleteProfileEndpoint(t *testing.T) {
	f := newFixture(t, 3)
	p := seed(t, f, member("Ada", models.RoleDeveloper, ""))
	target := "/api/v1/people/" + p.AccountID.String()

	rec := f.request(t, http.MethodDelete, target, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.index.Len())

	assertErrorEnvelope(t, f.request(t, http.MethodDelete, target, "", nil), http.StatusNotFound)
}

func TestContactEndpoint(t *testing.T) {
	f := newFixture(t, 2)
	sender := seed(t, f, member("Ada", models.RoleDeveloper, "ada@anthill.dev"))
	recipient := seed(t, f, member("Grace", models.RoleResearcher, ""))
	target := "/api/v1/people/" + recipient.AccountID.String() + "/contact"
	msg := ContactRequest{Subject: "Hello", Body: "Shall we pair?"}

	for i := 0; i < 2; i++ {
		rec := f.request(t, http.MethodPost, target, sender.AccountID.String(), msg)
		require.Equal(t, http.StatusOK, rec.Code, "send %d should be admitted", i+1)
	}

	rec := f.request(t, http.MethodPost, target, sender.AccountID.String(), msg)
	require.Equal(t, http.StatusTooManyRequests, rec.Code, "quota of 2 per window is spent")

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err, "Retry-After must be whole seconds")
	assert.Greater(t, retryAfter, 0)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
}

func TestContactPreconditions(t *testing.T) {
	f := newFixture(t, 3)
	sender := seed(t, f, member("Ada", models.RoleDeveloper, "ada@anthill.dev"))
	mute := seed(t, f, member("Mies", models.RoleDesigner, ""))
	recipient := seed(t, f, member("Grace", models.RoleResearcher, ""))
	target := "/api/v1/people/" + recipient.AccountID.String() + "/contact"
	msg := ContactRequest{Subject: "Hi", Body: "ping"}

	// No identity header
	assertErrorEnvelope(t, f.request(t, http.MethodPost, target, "", msg), http.StatusBadRequest)

	// Unknown recipient
	assertErrorEnvelope(t, f.request(t, http.MethodPost,
		"/api/v1/people/"+uuid.NewString()+"/contact", sender.AccountID.String(), msg),
		http.StatusNotFound)

	// Sender without a contact address
	assertErrorEnvelope(t, f.request(t, http.MethodPost, target, mute.AccountID.String(), msg),
		http.StatusPreconditionFailed)
}

func TestFulltextEndpoint(t *testing.T) {
	f := newFixture(t, 3)

	// No Elasticsearch wired in this fixture
	assertErrorEnvelope(t, f.request(t, http.MethodGet, "/api/v1/people/fulltext?q=ants", "", nil),
		http.StatusServiceUnavailable)

	assertErrorEnvelope(t, f.request(t, http.MethodGet, "/api/v1/people/fulltext?q=", "", nil),
		http.StatusBadRequest)

	assertErrorEnvelope(t, f.request(t, http.MethodGet, "/api/v1/people/fulltext?q=ants&limit=9000", "", nil),
		http.StatusBadRequest)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, 3)

	rec := f.request(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"anthill"}`, rec.Body.String())
}

func TestReadyEndpoint(t *testing.T) {
	ready := false
	people := NewPeopleHandler(
		service.NewPeopleService(newMemoryRepo(), directory.NewIndex(),
			service.NewMemoryGate(quota.NewLimiter(1, time.Hour, 1)), nil, nil, nil, zap.NewNop()),
		50, zap.NewNop())
	router := NewRouter(people, RouterOptions{
		Ready: func(context.Context) bool { return ready },
	}, zap.NewNop())

	get := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		return rec
	}

	assert.Equal(t, http.StatusServiceUnavailable, get().Code)
	ready = true
	assert.Equal(t, http.StatusOK, get().Code)
}

func TestRouterErrorEnvelopes(t *testing.T) {
	f := newFixture(t, 3)

	rec := f.request(t, http.MethodGet, "/api/v1/nothing-here", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"endpoint not found"}`, rec.Body.String())

	rec = f.request(t, http.MethodPatch, "/api/v1/people/search", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"error":"method not allowed"}`, rec.Body.String())
}

func TestRouterRateLimitsAPIOnly(t *testing.T) {
	people := NewPeopleHandler(
		service.NewPeopleService(newMemoryRepo(), directory.NewIndex(),
			service.NewMemoryGate(quota.NewLimiter(1, time.Hour, 1)), nil, nil, nil, zap.NewNop()),
		50, zap.NewNop())
	router := NewRouter(people, RouterOptions{
		RateLimiter: NewClientLimiter(1, 1, time.Minute),
	}, zap.NewNop())

	do := func(target string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set(accountIDHeader, "ada")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, do("/api/v1/people/search").Code)
	assert.Equal(t, http.StatusTooManyRequests, do("/api/v1/people/search").Code)

	assert.Equal(t, http.StatusOK, do("/health").Code, "probes bypass the limiter")
}
