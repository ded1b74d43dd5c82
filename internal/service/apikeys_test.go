package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/exportarc/caseflow/internal/core"
)

func TestAPIKeyLifecycle(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)
	actor := core.Actor{ID: uuid.New(), Permissions: map[core.Permission]bool{}}

	issued, err := svc.IssueAPIKey(context.Background(), actor)
	if err != nil {
		t.Fatalf("IssueAPIKey() error = %v", err)
	}
	if !strings.HasPrefix(issued.Token, issued.KeyID+".") {
		t.Fatalf("token = %q, want keyID.secret form", issued.Token)
	}

	keys, err := svc.ListAPIKeys(context.Background(), actor)
	if err != nil {
		t.Fatalf("ListAPIKeys() error = %v", err)
	}
	if len(keys) != 1 || keys[0].ID != issued.KeyID {
		t.Fatalf("keys = %+v, want the issued key", keys)
	}

	if err := svc.RevokeAPIKey(context.Background(), actor, issued.KeyID); err != nil {
		t.Fatalf("RevokeAPIKey() error = %v", err)
	}
	if err := svc.RevokeAPIKey(context.Background(), actor, issued.KeyID); !errors.Is(err, ErrAPIKeyNotFound) {
		t.Fatalf("second revoke error = %v, want ErrAPIKeyNotFound", err)
	}
}

func TestRevokeAPIKeyOnlyOwn(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)
	owner := core.Actor{ID: uuid.New(), Permissions: map[core.Permission]bool{}}
	stranger := core.Actor{ID: uuid.New(), Permissions: map[core.Permission]bool{}}

	issued, err := svc.IssueAPIKey(context.Background(), owner)
	if err != nil {
		t.Fatalf("IssueAPIKey() error = %v", err)
	}

	if err := svc.RevokeAPIKey(context.Background(), stranger, issued.KeyID); !errors.Is(err, ErrAPIKeyNotFound) {
		t.Fatalf("cross-caseworker revoke error = %v, want ErrAPIKeyNotFound", err)
	}
}
