package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/exportarc/caseflow/internal/core"
	"github.com/exportarc/caseflow/internal/repository"
)

// fakeRepo is an in-memory Repository. Flag attachment uses sets, mirroring
// the database's conflict-ignoring inserts.
type fakeRepo struct {
	cases map[uuid.UUID]*repository.Case
	flags map[uuid.UUID]core.Flag
	rules map[uuid.UUID]core.FlaggingRule

	goods      map[uuid.UUID][]core.Good // by case
	goodsTypes map[uuid.UUID][]core.Good
	queryGoods map[uuid.UUID]core.Good
	parties    map[uuid.UUID][]core.Destination
	countries  map[uuid.UUID][]core.Destination

	caseFlags      map[uuid.UUID]map[uuid.UUID]bool
	goodFlags      map[uuid.UUID]map[uuid.UUID]bool
	goodsTypeFlags map[uuid.UUID]map[uuid.UUID]bool
	partyFlags     map[uuid.UUID]map[uuid.UUID]bool
	countryFlags   map[uuid.UUID]map[uuid.UUID]bool

	actors  map[uuid.UUID]core.Actor
	apiKeys map[string]repository.APIKeyMeta
	audit   []repository.AuditLogEntry

	attachCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		cases:          make(map[uuid.UUID]*repository.Case),
		flags:          make(map[uuid.UUID]core.Flag),
		rules:          make(map[uuid.UUID]core.FlaggingRule),
		goods:          make(map[uuid.UUID][]core.Good),
		goodsTypes:     make(map[uuid.UUID][]core.Good),
		queryGoods:     make(map[uuid.UUID]core.Good),
		parties:        make(map[uuid.UUID][]core.Destination),
		countries:      make(map[uuid.UUID][]core.Destination),
		caseFlags:      make(map[uuid.UUID]map[uuid.UUID]bool),
		goodFlags:      make(map[uuid.UUID]map[uuid.UUID]bool),
		goodsTypeFlags: make(map[uuid.UUID]map[uuid.UUID]bool),
		partyFlags:     make(map[uuid.UUID]map[uuid.UUID]bool),
		countryFlags:   make(map[uuid.UUID]map[uuid.UUID]bool),
		actors:         make(map[uuid.UUID]core.Actor),
		apiKeys:        make(map[string]repository.APIKeyMeta),
	}
}

func (f *fakeRepo) GetCase(_ context.Context, id uuid.UUID) (repository.Case, error) {
	c, ok := f.cases[id]
	if !ok {
		return repository.Case{}, pgx.ErrNoRows
	}
	return *c, nil
}

func (f *fakeRepo) UpdateCaseStatus(_ context.Context, id uuid.UUID, status core.Status) error {
	c, ok := f.cases[id]
	if !ok {
		return pgx.ErrNoRows
	}
	c.Status = status
	return nil
}

func (f *fakeRepo) ListCaseGoods(_ context.Context, caseID uuid.UUID) ([]core.Good, error) {
	return f.goods[caseID], nil
}

func (f *fakeRepo) ListGoodsTypes(_ context.Context, caseID uuid.UUID) ([]core.Good, error) {
	return f.goodsTypes[caseID], nil
}

func (f *fakeRepo) GetQueryGood(_ context.Context, caseID uuid.UUID) (core.Good, error) {
	good, ok := f.queryGoods[caseID]
	if !ok {
		return core.Good{}, pgx.ErrNoRows
	}
	return good, nil
}

func (f *fakeRepo) ListActiveParties(_ context.Context, caseID uuid.UUID) ([]core.Destination, error) {
	return f.parties[caseID], nil
}

func (f *fakeRepo) ListCaseCountries(_ context.Context, caseID uuid.UUID) ([]core.Destination, error) {
	return f.countries[caseID], nil
}

func attach(m map[uuid.UUID]map[uuid.UUID]bool, entityID uuid.UUID, flagIDs []uuid.UUID) {
	if len(flagIDs) == 0 {
		return
	}
	if m[entityID] == nil {
		m[entityID] = make(map[uuid.UUID]bool)
	}
	for _, id := range flagIDs {
		m[entityID][id] = true
	}
}

func (f *fakeRepo) AttachCaseFlags(_ context.Context, caseID uuid.UUID, flagIDs []uuid.UUID) error {
	f.attachCalls++
	attach(f.caseFlags, caseID, flagIDs)
	return nil
}

func (f *fakeRepo) AttachGoodFlags(_ context.Context, goodID uuid.UUID, flagIDs []uuid.UUID) error {
	f.attachCalls++
	attach(f.goodFlags, goodID, flagIDs)
	return nil
}

func (f *fakeRepo) AttachGoodsTypeFlags(_ context.Context, goodsTypeID uuid.UUID, flagIDs []uuid.UUID) error {
	f.attachCalls++
	attach(f.goodsTypeFlags, goodsTypeID, flagIDs)
	return nil
}

func (f *fakeRepo) AttachPartyFlags(_ context.Context, partyID uuid.UUID, flagIDs []uuid.UUID) error {
	f.attachCalls++
	attach(f.partyFlags, partyID, flagIDs)
	return nil
}

func (f *fakeRepo) AttachCountryFlags(_ context.Context, countryID uuid.UUID, flagIDs []uuid.UUID) error {
	f.attachCalls++
	attach(f.countryFlags, countryID, flagIDs)
	return nil
}

func (f *fakeRepo) ListCaseFlagSources(_ context.Context, caseID uuid.UUID) ([]core.FlagSource, error) {
	sources := make([]core.FlagSource, 0)
	for flagID := range f.caseFlags[caseID] {
		sources = append(sources, core.FlagSource{Flag: f.flags[flagID], Category: core.CategoryCase})
	}
	for _, good := range f.goods[caseID] {
		for flagID := range f.goodFlags[good.ID] {
			sources = append(sources, core.FlagSource{Flag: f.flags[flagID], Category: core.CategoryGood})
		}
	}
	for _, dest := range f.parties[caseID] {
		for flagID := range f.partyFlags[dest.PartyID] {
			sources = append(sources, core.FlagSource{Flag: f.flags[flagID], Category: core.CategoryDestination})
		}
	}
	return sources, nil
}

func (f *fakeRepo) CreateFlag(_ context.Context, flag core.Flag) (core.Flag, error) {
	for _, existing := range f.flags {
		if existing.Name == flag.Name {
			return core.Flag{}, &pgconn.PgError{Code: "23505"}
		}
	}
	flag.ID = uuid.New()
	f.flags[flag.ID] = flag
	return flag, nil
}

func (f *fakeRepo) UpdateFlag(_ context.Context, flag core.Flag) (core.Flag, error) {
	current, ok := f.flags[flag.ID]
	if !ok {
		return core.Flag{}, pgx.ErrNoRows
	}
	flag.Level = current.Level
	flag.TeamID = current.TeamID
	f.flags[flag.ID] = flag
	return flag, nil
}

func (f *fakeRepo) GetFlag(_ context.Context, id uuid.UUID) (core.Flag, error) {
	flag, ok := f.flags[id]
	if !ok {
		return core.Flag{}, pgx.ErrNoRows
	}
	return flag, nil
}

func (f *fakeRepo) ListFlags(_ context.Context) ([]core.Flag, error) {
	flags := make([]core.Flag, 0, len(f.flags))
	for _, flag := range f.flags {
		flags = append(flags, flag)
	}
	return flags, nil
}

func (f *fakeRepo) ruleKey(rule core.FlaggingRule) string {
	key := rule.TeamID.String() + "|" + string(rule.Level) + "|" + rule.FlagID.String()
	for _, v := range rule.MatchingValues {
		key += "|" + v
	}
	if rule.IsForVerifiedGoodsOnly != nil && *rule.IsForVerifiedGoodsOnly {
		key += "|verified"
	}
	return key
}

func (f *fakeRepo) CreateRule(_ context.Context, rule core.FlaggingRule) (core.FlaggingRule, error) {
	key := f.ruleKey(rule)
	for _, existing := range f.rules {
		if f.ruleKey(existing) == key {
			return core.FlaggingRule{}, &pgconn.PgError{Code: "23505"}
		}
	}
	rule.ID = uuid.New()
	rule.FlagStatus = f.flags[rule.FlagID].Status
	f.rules[rule.ID] = rule
	return rule, nil
}

func (f *fakeRepo) UpdateRule(_ context.Context, rule core.FlaggingRule) (core.FlaggingRule, error) {
	current, ok := f.rules[rule.ID]
	if !ok {
		return core.FlaggingRule{}, pgx.ErrNoRows
	}
	rule.TeamID = current.TeamID
	rule.Level = current.Level
	rule.FlagID = current.FlagID
	rule.FlagStatus = f.flags[current.FlagID].Status
	f.rules[rule.ID] = rule
	return rule, nil
}

func (f *fakeRepo) GetRule(_ context.Context, id uuid.UUID) (core.FlaggingRule, error) {
	rule, ok := f.rules[id]
	if !ok {
		return core.FlaggingRule{}, pgx.ErrNoRows
	}
	rule.FlagStatus = f.flags[rule.FlagID].Status
	return rule, nil
}

func (f *fakeRepo) ListRules(_ context.Context, level core.FlagLevel) ([]core.FlaggingRule, error) {
	rules := make([]core.FlaggingRule, 0)
	for _, rule := range f.rules {
		if level != "" && rule.Level != level {
			continue
		}
		rule.FlagStatus = f.flags[rule.FlagID].Status
		rules = append(rules, rule)
	}
	return rules, nil
}

func (f *fakeRepo) ListActiveRules(_ context.Context, level core.FlagLevel) ([]core.FlaggingRule, error) {
	rules := make([]core.FlaggingRule, 0)
	for _, rule := range f.rules {
		if rule.Level != level || rule.Status != core.FlagStatusActive {
			continue
		}
		if f.flags[rule.FlagID].Status != core.FlagStatusActive {
			continue
		}
		rule.FlagStatus = core.FlagStatusActive
		rules = append(rules, rule)
	}
	return rules, nil
}

func (f *fakeRepo) ListRulesForFlag(_ context.Context, flagID uuid.UUID) ([]core.FlaggingRule, error) {
	rules := make([]core.FlaggingRule, 0)
	for _, rule := range f.rules {
		if rule.FlagID != flagID || rule.Status != core.FlagStatusActive {
			continue
		}
		rule.FlagStatus = f.flags[rule.FlagID].Status
		rules = append(rules, rule)
	}
	return rules, nil
}

func (f *fakeRepo) openCase(c repository.Case) bool {
	return !c.Status.IsDraft() && !c.Status.IsTerminal()
}

func (f *fakeRepo) ListOpenCaseIDsByCaseTypes(_ context.Context, refs []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0)
	for id, c := range f.cases {
		if !f.openCase(*c) {
			continue
		}
		for _, ref := range refs {
			if c.CaseType == ref {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

func ratingsOverlap(left, right []string) bool {
	for _, l := range left {
		for _, r := range right {
			if l == r {
				return true
			}
		}
	}
	return false
}

func (f *fakeRepo) ListOpenCasesWithMatchingGoods(_ context.Context, ratings []string, verifiedOnly bool) ([]repository.MatchingGood, error) {
	matches := make([]repository.MatchingGood, 0)
	for caseID, goods := range f.goods {
		if c, ok := f.cases[caseID]; !ok || !f.openCase(*c) {
			continue
		}
		for _, good := range goods {
			if verifiedOnly && good.Status != core.GoodStatusVerified {
				continue
			}
			if ratingsOverlap(ratings, good.Ratings) {
				matches = append(matches, repository.MatchingGood{CaseID: caseID, Good: good})
			}
		}
	}
	return matches, nil
}

func (f *fakeRepo) ListOpenCasesWithMatchingGoodsTypes(_ context.Context, ratings []string) ([]repository.MatchingGood, error) {
	matches := make([]repository.MatchingGood, 0)
	for caseID, goods := range f.goodsTypes {
		if c, ok := f.cases[caseID]; !ok || !f.openCase(*c) {
			continue
		}
		for _, good := range goods {
			if ratingsOverlap(ratings, good.Ratings) {
				matches = append(matches, repository.MatchingGood{CaseID: caseID, Good: good})
			}
		}
	}
	return matches, nil
}

func (f *fakeRepo) ListOpenCasesWithMatchingParties(_ context.Context, countryCodes []string) ([]repository.MatchingDestination, error) {
	matches := make([]repository.MatchingDestination, 0)
	for caseID, dests := range f.parties {
		if c, ok := f.cases[caseID]; !ok || !f.openCase(*c) {
			continue
		}
		for _, dest := range dests {
			if ratingsOverlap(countryCodes, []string{dest.CountryCode}) {
				matches = append(matches, repository.MatchingDestination{CaseID: caseID, Destination: dest})
			}
		}
	}
	return matches, nil
}

func (f *fakeRepo) ListOpenCasesWithMatchingCountries(_ context.Context, countryCodes []string) ([]repository.MatchingDestination, error) {
	matches := make([]repository.MatchingDestination, 0)
	for caseID, dests := range f.countries {
		if c, ok := f.cases[caseID]; !ok || !f.openCase(*c) {
			continue
		}
		for _, dest := range dests {
			if ratingsOverlap(countryCodes, []string{dest.CountryCode}) {
				matches = append(matches, repository.MatchingDestination{CaseID: caseID, Destination: dest})
			}
		}
	}
	return matches, nil
}

func (f *fakeRepo) CreateAPIKey(_ context.Context, caseworkerID uuid.UUID) (string, string, error) {
	keyID := uuid.NewString()
	f.apiKeys[keyID] = repository.APIKeyMeta{ID: keyID, CaseworkerID: caseworkerID}
	return keyID, "secret-" + keyID[:8], nil
}

func (f *fakeRepo) ListAPIKeys(_ context.Context, caseworkerID uuid.UUID) ([]repository.APIKeyMeta, error) {
	keys := make([]repository.APIKeyMeta, 0)
	for _, key := range f.apiKeys {
		if key.CaseworkerID == caseworkerID {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (f *fakeRepo) RevokeAPIKey(_ context.Context, caseworkerID uuid.UUID, keyID string) error {
	key, ok := f.apiKeys[keyID]
	if !ok || key.CaseworkerID != caseworkerID {
		return pgx.ErrNoRows
	}
	delete(f.apiKeys, keyID)
	return nil
}

func (f *fakeRepo) GetActor(_ context.Context, id uuid.UUID) (core.Actor, error) {
	actor, ok := f.actors[id]
	if !ok {
		return core.Actor{}, pgx.ErrNoRows
	}
	return actor, nil
}

func (f *fakeRepo) InsertAuditLog(_ context.Context, entry repository.AuditLogEntry) error {
	entry.ID = int64(len(f.audit) + 1)
	f.audit = append(f.audit, entry)
	return nil
}

func (f *fakeRepo) ListAuditLog(_ context.Context, caseID uuid.UUID, limit, offset int) ([]repository.AuditLogEntry, error) {
	entries := make([]repository.AuditLogEntry, 0)
	for i := len(f.audit) - 1; i >= 0; i-- {
		if f.audit[i].CaseID != nil && *f.audit[i].CaseID == caseID {
			entries = append(entries, f.audit[i])
		}
	}
	return entries, nil
}

// Test fixtures.

func (f *fakeRepo) addFlag(level core.FlagLevel, team uuid.UUID) core.Flag {
	flag := core.Flag{
		ID:     uuid.New(),
		Name:   "flag-" + uuid.NewString()[:8],
		Level:  level,
		Status: core.FlagStatusActive,
		TeamID: team,
	}
	f.flags[flag.ID] = flag
	return flag
}

func (f *fakeRepo) addRule(level core.FlagLevel, flagID uuid.UUID, verifiedOnly *bool, values ...string) core.FlaggingRule {
	rule := core.FlaggingRule{
		ID:                     uuid.New(),
		TeamID:                 f.flags[flagID].TeamID,
		Level:                  level,
		FlagID:                 flagID,
		Status:                 core.FlagStatusActive,
		MatchingValues:         values,
		IsForVerifiedGoodsOnly: verifiedOnly,
	}
	f.rules[rule.ID] = rule
	return rule
}

func (f *fakeRepo) addCase(subType core.SubType, caseType string, status core.Status) repository.Case {
	c := repository.Case{
		ID:             uuid.New(),
		Reference:      "GBSIEL/2026/0000001",
		CaseType:       caseType,
		SubType:        subType,
		Status:         status,
		OrganisationID: uuid.New(),
	}
	f.cases[c.ID] = &c
	return c
}

func newTestService(t *testing.T, repo Repository) *Service {
	t.Helper()
	svc, err := New(repo, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc
}

func falsePtr() *bool { b := false; return &b }
func truePtr() *bool  { b := true; return &b }

func TestApplyRulesToCaseAttachesMatches(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)
	team := uuid.New()

	caseFlag := repo.addFlag(core.LevelCase, team)
	goodFlag := repo.addFlag(core.LevelGood, team)
	destFlag := repo.addFlag(core.LevelDestination, team)
	repo.addRule(core.LevelCase, caseFlag.ID, nil, "siel")
	repo.addRule(core.LevelGood, goodFlag.ID, falsePtr(), "ML1a")
	repo.addRule(core.LevelDestination, destFlag.ID, nil, "IR")

	c := repo.addCase(core.SubTypeStandard, "siel", core.StatusSubmitted)
	good := core.Good{ID: uuid.New(), Kind: core.KindGood, Status: core.GoodStatusVerified, Ratings: []string{"ML1a"}}
	repo.goods[c.ID] = []core.Good{good}
	party := core.Destination{PartyID: uuid.New(), Kind: core.KindParty, CountryCode: "IR"}
	repo.parties[c.ID] = []core.Destination{party}

	if err := svc.ApplyRulesToCase(context.Background(), c.ID); err != nil {
		t.Fatalf("ApplyRulesToCase() error = %v", err)
	}

	if !repo.caseFlags[c.ID][caseFlag.ID] {
		t.Error("case flag not attached")
	}
	if !repo.goodFlags[good.ID][goodFlag.ID] {
		t.Error("good flag not attached")
	}
	if !repo.partyFlags[party.PartyID][destFlag.ID] {
		t.Error("party flag not attached")
	}
}

func TestApplyRulesToCaseSkipsDraftAndTerminal(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)
	team := uuid.New()

	flag := repo.addFlag(core.LevelCase, team)
	repo.addRule(core.LevelCase, flag.ID, nil, "siel")

	draft := repo.addCase(core.SubTypeStandard, "siel", core.StatusDraft)
	closed := repo.addCase(core.SubTypeStandard, "siel", core.StatusClosed)

	for _, c := range []repository.Case{draft, closed} {
		if err := svc.ApplyRulesToCase(context.Background(), c.ID); err != nil {
			t.Fatalf("ApplyRulesToCase(%s) error = %v", c.Status, err)
		}
		if len(repo.caseFlags[c.ID]) != 0 {
			t.Errorf("flags attached to %s case", c.Status)
		}
	}
}

func TestApplyRulesToCaseIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)

	flag := repo.addFlag(core.LevelCase, uuid.New())
	repo.addRule(core.LevelCase, flag.ID, nil, "siel")
	c := repo.addCase(core.SubTypeStandard, "siel", core.StatusSubmitted)

	for range 3 {
		if err := svc.ApplyRulesToCase(context.Background(), c.ID); err != nil {
			t.Fatalf("ApplyRulesToCase() error = %v", err)
		}
	}

	if len(repo.caseFlags[c.ID]) != 1 {
		t.Fatalf("case has %d flags after repeated application, want 1", len(repo.caseFlags[c.ID]))
	}
}

func TestApplyRulesToCaseUsesGoodsTypesForOpenCases(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)

	flag := repo.addFlag(core.LevelGood, uuid.New())
	repo.addRule(core.LevelGood, flag.ID, truePtr(), "ML1a")

	c := repo.addCase(core.SubTypeOpen, "oiel", core.StatusSubmitted)
	goodsType := core.Good{ID: uuid.New(), Kind: core.KindGoodsType, Ratings: []string{"ML1a"}}
	repo.goodsTypes[c.ID] = []core.Good{goodsType}
	// A linked good must be invisible to an open case.
	stray := core.Good{ID: uuid.New(), Kind: core.KindGood, Status: core.GoodStatusVerified, Ratings: []string{"ML1a"}}
	repo.goods[c.ID] = []core.Good{stray}

	if err := svc.ApplyRulesToCase(context.Background(), c.ID); err != nil {
		t.Fatalf("ApplyRulesToCase() error = %v", err)
	}

	if !repo.goodsTypeFlags[goodsType.ID][flag.ID] {
		t.Error("goods-type record not flagged despite verified-only rule")
	}
	if len(repo.goodFlags[stray.ID]) != 0 {
		t.Error("open case should not evaluate linked goods")
	}
}

func TestApplyRulesToCaseNotFound(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)

	if err := svc.ApplyRulesToCase(context.Background(), uuid.New()); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("ApplyRulesToCase() error = %v, want ErrCaseNotFound", err)
	}
}

func TestChangeStatusRejectedLeavesCaseUntouched(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)

	c := repo.addCase(core.SubTypeStandard, "siel", core.StatusWithdrawn)
	actor := core.Actor{ID: uuid.New(), TeamID: uuid.New(), Permissions: map[core.Permission]bool{}}

	_, err := svc.ChangeStatus(context.Background(), actor, c.ID, core.StatusUnderReview, "")
	var transitionErr *core.TransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("ChangeStatus() error = %v, want *core.TransitionError", err)
	}
	if repo.cases[c.ID].Status != core.StatusWithdrawn {
		t.Fatalf("case status = %q after rejected transition, want withdrawn", repo.cases[c.ID].Status)
	}
	if len(repo.audit) != 0 {
		t.Fatal("rejected transition must not be audited")
	}
}

func TestChangeStatusAuditsThenAppliesRules(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)

	flag := repo.addFlag(core.LevelCase, uuid.New())
	repo.addRule(core.LevelCase, flag.ID, nil, "siel")
	c := repo.addCase(core.SubTypeStandard, "siel", core.StatusSubmitted)
	actor := core.Actor{ID: uuid.New(), TeamID: uuid.New(), Permissions: map[core.Permission]bool{}}

	updated, err := svc.ChangeStatus(context.Background(), actor, c.ID, core.StatusUnderReview, "")
	if err != nil {
		t.Fatalf("ChangeStatus() error = %v", err)
	}
	if updated.Status != core.StatusUnderReview {
		t.Fatalf("status = %q, want under_review", updated.Status)
	}
	if len(repo.audit) != 1 || repo.audit[0].Verb != auditVerbStatusChange {
		t.Fatalf("audit = %+v, want one status_change entry", repo.audit)
	}
	if !repo.caseFlags[c.ID][flag.ID] {
		t.Fatal("rules not applied after status change")
	}
}

func TestChangeStatusRecordsNote(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)

	c := repo.addCase(core.SubTypeStandard, "siel", core.StatusSubmitted)
	actor := core.Actor{ID: uuid.New(), TeamID: uuid.New(), Permissions: map[core.Permission]bool{}}

	if _, err := svc.ChangeStatus(context.Background(), actor, c.ID, core.StatusUnderReview, "routed to TAU"); err != nil {
		t.Fatalf("ChangeStatus() error = %v", err)
	}

	if len(repo.audit) != 1 {
		t.Fatalf("audit has %d entries, want 1", len(repo.audit))
	}
	var payload statusChangePayload
	if err := json.Unmarshal(repo.audit[0].Payload, &payload); err != nil {
		t.Fatalf("decode audit payload: %v", err)
	}
	if payload.Note != "routed to TAU" {
		t.Fatalf("audit note = %q, want the supplied note", payload.Note)
	}
	if payload.From != core.StatusSubmitted || payload.To != core.StatusUnderReview {
		t.Fatalf("audit payload = %+v, want submitted to under_review", payload)
	}
}

func TestChangeStatusFinalise(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)

	c := repo.addCase(core.SubTypeStandard, "siel", core.StatusUnderFinalReview)

	blocked := core.Actor{ID: uuid.New(), IsFinalisingTeam: true, Permissions: map[core.Permission]bool{}}
	if _, err := svc.ChangeStatus(context.Background(), blocked, c.ID, core.StatusFinalised, ""); err == nil {
		t.Fatal("finalise without permission should fail")
	}

	allowed := core.Actor{
		ID:               uuid.New(),
		IsFinalisingTeam: true,
		Permissions:      map[core.Permission]bool{core.PermissionManageFinalAdvice: true},
	}
	updated, err := svc.ChangeStatus(context.Background(), allowed, c.ID, core.StatusFinalised, "")
	if err != nil {
		t.Fatalf("ChangeStatus(finalised) error = %v", err)
	}
	if updated.Status != core.StatusFinalised {
		t.Fatalf("status = %q, want finalised", updated.Status)
	}
}

func TestSubmitCase(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)

	flag := repo.addFlag(core.LevelCase, uuid.New())
	repo.addRule(core.LevelCase, flag.ID, nil, "siel")
	c := repo.addCase(core.SubTypeStandard, "siel", core.StatusDraft)
	actor := core.Actor{ID: uuid.New(), Permissions: map[core.Permission]bool{}}

	updated, err := svc.SubmitCase(context.Background(), actor, c.ID)
	if err != nil {
		t.Fatalf("SubmitCase() error = %v", err)
	}
	if updated.Status != core.StatusSubmitted {
		t.Fatalf("status = %q, want submitted", updated.Status)
	}
	if !repo.caseFlags[c.ID][flag.ID] {
		t.Fatal("rules not applied at submission")
	}

	// Resubmitting an already-submitted case re-runs rules but records no
	// second submission.
	if _, err := svc.SubmitCase(context.Background(), actor, c.ID); err != nil {
		t.Fatalf("SubmitCase() second call error = %v", err)
	}
	if len(repo.audit) != 1 {
		t.Fatalf("audit has %d entries, want 1", len(repo.audit))
	}
}

func TestApplyRuleRetroactively(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)
	team := uuid.New()

	flag := repo.addFlag(core.LevelDestination, team)
	rule := repo.addRule(core.LevelDestination, flag.ID, nil, "IR")

	open := repo.addCase(core.SubTypeStandard, "siel", core.StatusSubmitted)
	party := core.Destination{PartyID: uuid.New(), Kind: core.KindParty, CountryCode: "IR"}
	repo.parties[open.ID] = []core.Destination{party}

	openCountry := repo.addCase(core.SubTypeOpen, "oiel", core.StatusUnderReview)
	country := core.Destination{PartyID: uuid.New(), Kind: core.KindCountry, CountryCode: "IR"}
	repo.countries[openCountry.ID] = []core.Destination{country}

	closed := repo.addCase(core.SubTypeStandard, "siel", core.StatusClosed)
	repo.parties[closed.ID] = []core.Destination{{PartyID: uuid.New(), Kind: core.KindParty, CountryCode: "IR"}}

	actor := core.Actor{
		ID:          uuid.New(),
		TeamID:      team,
		Permissions: map[core.Permission]bool{core.PermissionManageFlaggingRules: true},
	}

	result, err := svc.ApplyRuleRetroactively(context.Background(), actor, rule.ID)
	if err != nil {
		t.Fatalf("ApplyRuleRetroactively() error = %v", err)
	}
	if result.CasesFlagged != 2 || result.EntitiesFlagged != 2 {
		t.Fatalf("result = %+v, want 2 cases and 2 entities", result)
	}
	if !repo.partyFlags[party.PartyID][flag.ID] {
		t.Error("party on open case not flagged")
	}
	if !repo.countryFlags[country.PartyID][flag.ID] {
		t.Error("country record on open case not flagged")
	}
}

func TestApplyRuleRetroactivelyPermissionAndState(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)
	team := uuid.New()

	flag := repo.addFlag(core.LevelCase, team)
	rule := repo.addRule(core.LevelCase, flag.ID, nil, "siel")
	repo.addCase(core.SubTypeStandard, "siel", core.StatusSubmitted)

	noPerm := core.Actor{ID: uuid.New(), Permissions: map[core.Permission]bool{}}
	if _, err := svc.ApplyRuleRetroactively(context.Background(), noPerm, rule.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("error = %v, want ErrPermissionDenied", err)
	}

	actor := core.Actor{
		ID:          uuid.New(),
		TeamID:      team,
		Permissions: map[core.Permission]bool{core.PermissionManageFlaggingRules: true},
	}

	if _, err := svc.ApplyRuleRetroactively(context.Background(), actor, uuid.New()); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("error = %v, want ErrRuleNotFound", err)
	}

	// Deactivate the rule's flag: the sweep becomes a no-op.
	deactivated := repo.flags[flag.ID]
	deactivated.Status = core.FlagStatusDeactivated
	repo.flags[flag.ID] = deactivated

	result, err := svc.ApplyRuleRetroactively(context.Background(), actor, rule.ID)
	if err != nil {
		t.Fatalf("ApplyRuleRetroactively() error = %v", err)
	}
	if result.CasesFlagged != 0 {
		t.Fatalf("deactivated flag swept %d cases, want 0", result.CasesFlagged)
	}
}

func TestGetOrderedFlags(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)
	myTeam := uuid.New()
	otherTeam := uuid.New()

	c := repo.addCase(core.SubTypeStandard, "siel", core.StatusSubmitted)

	mine := repo.addFlag(core.LevelCase, myTeam)
	theirs := repo.addFlag(core.LevelCase, otherTeam)
	attach(repo.caseFlags, c.ID, []uuid.UUID{mine.ID, theirs.ID})

	flags, err := svc.GetOrderedFlags(context.Background(), c.ID, myTeam, core.OrderOptions{Distinct: true})
	if err != nil {
		t.Fatalf("GetOrderedFlags() error = %v", err)
	}
	if len(flags) != 2 {
		t.Fatalf("got %d flags, want 2", len(flags))
	}
	if flags[0].ID != mine.ID {
		t.Fatal("own-team flag should sort first")
	}

	if _, err := svc.GetOrderedFlags(context.Background(), uuid.New(), myTeam, core.OrderOptions{}); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("error = %v, want ErrCaseNotFound", err)
	}
}
