package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/progrc/authcore/role"
)

const testPrefix = "/api/v1"

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/api/v1/orgs", "/api/v1/orgs"},
		{"/orgs", "/api/v1/orgs"},
		{"orgs", "/api/v1/orgs"},
		{"/api/v1/orgs/", "/api/v1/orgs"},
		{"/api/v1/orgs?page=2", "/api/v1/orgs"},
		{"/api/v1/orgs#section", "/api/v1/orgs"},
		{"/api/v1/orgs/:orgId/members", "/api/v1/orgs/{id}/members"},
		{"/api/v1/orgs/{id}/members", "/api/v1/orgs/{id}/members"},
		{"/api/v1/orgs/42/members", "/api/v1/orgs/{id}/members"},
		{"/api/v1/orgs/550e8400-e29b-41d4-a716-446655440000", "/api/v1/orgs/{id}"},
		{"/api/v1/orgs/v2beta", "/api/v1/orgs/v2beta"},
		{" /api/v1/orgs ", "/api/v1/orgs"},
	}
	for _, tc := range cases {
		if got := NormalizePath(testPrefix, tc.in); got != tc.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTableLongestPrefixLookup(t *testing.T) {
	table := NewTable(testPrefix, []Rule{
		{APIPath: "/api/v1/orgs", Method: "GET", AllowedRoles: []int{role.OrgMember}},
		{APIPath: "/api/v1/orgs/:orgId/billing", Method: "GET", AllowedRoles: []int{role.OrgAdmin}},
	})

	rule, ok := table.Lookup("GET", "/api/v1/orgs/{id}/billing")
	if !ok || rule.AllowedRoles[0] != role.OrgAdmin {
		t.Fatalf("exact match = (%+v, %v), want the billing rule", rule, ok)
	}

	// Deeper paths walk up to the nearest rule.
	rule, ok = table.Lookup("GET", "/api/v1/orgs/{id}/members/{id}")
	if !ok || rule.AllowedRoles[0] != role.OrgMember {
		t.Fatalf("prefix fallback = (%+v, %v), want the collection rule", rule, ok)
	}

	// Methods are distinct key spaces, matched case-insensitively.
	if _, ok := table.Lookup("DELETE", "/api/v1/orgs"); ok {
		t.Fatal("DELETE has no rule")
	}
	if _, ok := table.Lookup("get", "/api/v1/orgs"); !ok {
		t.Fatal("method match must be case-insensitive")
	}

	if _, ok := table.Lookup("GET", "/api/v2/other"); ok {
		t.Fatal("walk-up must stop at the root")
	}
}

func newTestResolver(t *testing.T, cfg Config, rules []Rule) *Resolver {
	t.Helper()
	cfg.APIPrefix = testPrefix
	cache := NewCache(StaticSource(rules), testPrefix, time.Minute)
	return NewResolver(cfg, role.NewHierarchy(), cache)
}

func TestAuthorize(t *testing.T) {
	resolver := newTestResolver(t, Config{}, []Rule{
		{APIPath: "/api/v1/health", Method: "GET", AllowAll: true},
		{APIPath: "/api/v1/orgs", Method: "GET", AllowedRoles: []int{role.OrgMember}},
		{APIPath: "/api/v1/reports", Method: "GET", AllowedRoles: []int{role.OrgMember}, AllowedLicenses: []int{2}},
	})
	ctx := context.Background()

	cases := []struct {
		name       string
		req        Request
		allowed    bool
		reason     Reason
	}{
		{"allow all", Request{Method: "GET", Path: "/api/v1/health", RoleID: role.Auditor}, true, ReasonAllowAll},
		{"role match", Request{Method: "GET", Path: "/api/v1/orgs", RoleID: role.OrgMember}, true, ReasonRoleMatch},
		{"hierarchy match", Request{Method: "GET", Path: "/api/v1/orgs", RoleID: role.SuperAdmin}, true, ReasonRoleMatch},
		{"role denied", Request{Method: "GET", Path: "/api/v1/orgs", RoleID: role.Auditor}, false, ReasonRoleDenied},
		{"unknown path", Request{Method: "GET", Path: "/api/v1/nowhere", RoleID: role.SuperAdmin}, false, ReasonUnknownPath},
		{"license denied", Request{Method: "GET", Path: "/api/v1/reports", RoleID: role.OrgMember, CustomerID: "c1", LicenseTypeID: 1}, false, ReasonLicenseDenied},
		{"license match", Request{Method: "GET", Path: "/api/v1/reports", RoleID: role.OrgMember, CustomerID: "c1", LicenseTypeID: 2}, true, ReasonRoleMatch},
		{"license skipped without customer", Request{Method: "GET", Path: "/api/v1/reports", RoleID: role.OrgMember}, true, ReasonRoleMatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision, err := resolver.Authorize(ctx, tc.req)
			if err != nil {
				t.Fatalf("authorize: %v", err)
			}
			if decision.Allowed != tc.allowed || decision.Reason != tc.reason {
				t.Fatalf("decision = %+v, want allowed=%v reason=%s", decision, tc.allowed, tc.reason)
			}
			if decision.Soft {
				t.Fatalf("decision = %+v, no relaxation flag is set", decision)
			}
		})
	}
}

func TestAuthorizeRelaxations(t *testing.T) {
	ctx := context.Background()
	rules := []Rule{{APIPath: "/api/v1/orgs", Method: "GET", AllowedRoles: []int{role.OrgAdmin}}}

	// EnforcementDisabled turns denials into soft allows.
	relaxed := newTestResolver(t, Config{EnforcementDisabled: true}, rules)
	decision, err := relaxed.Authorize(ctx, Request{Method: "GET", Path: "/api/v1/orgs", RoleID: role.Auditor})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !decision.Allowed || !decision.Soft || decision.Reason != ReasonRoleDenied {
		t.Fatalf("decision = %+v, want soft allow with role_denied", decision)
	}
	// Unknown paths are not covered by EnforcementDisabled.
	decision, _ = relaxed.Authorize(ctx, Request{Method: "GET", Path: "/api/v1/nowhere", RoleID: role.Auditor})
	if decision.Allowed {
		t.Fatalf("decision = %+v, EnforcementDisabled must not allow unknown paths", decision)
	}

	// AllowUnknownPaths covers exactly the unknown-path case.
	hatch := newTestResolver(t, Config{AllowUnknownPaths: true}, rules)
	decision, _ = hatch.Authorize(ctx, Request{Method: "GET", Path: "/api/v1/nowhere", RoleID: role.Auditor})
	if !decision.Allowed || !decision.Soft || decision.Reason != ReasonUnknownPath {
		t.Fatalf("decision = %+v, want soft allow with unknown_path", decision)
	}

	// AllowEmptyTable governs the no-table case.
	empty := newTestResolver(t, Config{}, nil)
	decision, _ = empty.Authorize(ctx, Request{Method: "GET", Path: "/api/v1/orgs", RoleID: role.SuperAdmin})
	if decision.Allowed || decision.Reason != ReasonEmptyTable {
		t.Fatalf("decision = %+v, want empty_table deny", decision)
	}
	emptyOpen := newTestResolver(t, Config{AllowEmptyTable: true}, nil)
	decision, _ = emptyOpen.Authorize(ctx, Request{Method: "GET", Path: "/api/v1/orgs", RoleID: role.SuperAdmin})
	if !decision.Allowed || !decision.Soft {
		t.Fatalf("decision = %+v, want soft allow on empty table", decision)
	}
}

type countingSource struct {
	rules []Rule
	loads int
	fail  bool
}

func (s *countingSource) LoadRules(ctx context.Context) ([]Rule, error) {
	s.loads++
	if s.fail {
		return nil, ErrUnavailable
	}
	return s.rules, nil
}

func TestCacheLoadsOnceWithinTTL(t *testing.T) {
	source := &countingSource{rules: []Rule{{APIPath: "/api/v1/orgs", Method: "GET"}}}
	cache := NewCache(source, testPrefix, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		table, err := cache.Table(ctx)
		if err != nil {
			t.Fatalf("table: %v", err)
		}
		if table.Len() != 1 {
			t.Fatalf("table len = %d, want 1", table.Len())
		}
	}
	if source.loads != 1 {
		t.Fatalf("loads = %d, want 1 within TTL", source.loads)
	}
}

func TestCacheServesStaleWhileRefreshing(t *testing.T) {
	source := &countingSource{rules: []Rule{{APIPath: "/api/v1/orgs", Method: "GET"}}}
	cache := NewCache(source, testPrefix, time.Minute)
	ctx := context.Background()

	if _, err := cache.Table(ctx); err != nil {
		t.Fatalf("first load: %v", err)
	}

	cache.Invalidate()
	source.fail = true

	// A failing background refresh never takes the stale table away.
	table, err := cache.Table(ctx)
	if err != nil {
		t.Fatalf("stale read: %v", err)
	}
	if table.Len() != 1 {
		t.Fatalf("stale table len = %d, want 1", table.Len())
	}
}

func TestCacheFirstLoadFailure(t *testing.T) {
	source := &countingSource{fail: true}
	cache := NewCache(source, testPrefix, time.Minute)

	if _, err := cache.Table(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestRedisSource(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	source := NewRedisSource(client, "authz:rules")
	ctx := context.Background()

	// A missing key is an empty rule set.
	rules, err := source.LoadRules(ctx)
	if err != nil {
		t.Fatalf("load with missing key: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("rules = %v, want none", rules)
	}

	mr.Set("authz:rules", `[{"api_path":"/api/v1/orgs","method":"GET","allowed_roles":[6]}]`)
	rules, err = source.LoadRules(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != 1 || rules[0].APIPath != "/api/v1/orgs" || rules[0].AllowedRoles[0] != 6 {
		t.Fatalf("rules = %+v", rules)
	}

	mr.Set("authz:rules", "{not json")
	if _, err := source.LoadRules(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}
