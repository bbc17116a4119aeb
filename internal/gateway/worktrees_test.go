package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/worktree"
)

func TestTranslateWorktreeErrMapsKnownCodes(t *testing.T) {
	cases := []struct {
		code string
		want apperr.Kind
	}{
		{"MAX_WORKTREES_EXCEEDED", apperr.KindConflict},
		{"BRANCH_ALREADY_EXISTS", apperr.KindConflict},
		{"BRANCH_ALREADY_CHECKED_OUT", apperr.KindConflict},
		{"WORKTREE_DIRTY", apperr.KindConflict},
		{"INVALID_BRANCH_NAME", apperr.KindValidation},
		{"CANNOT_REMOVE_PRIMARY", apperr.KindForbidden},
		{"SOMETHING_ELSE", apperr.KindExternal},
	}
	for _, c := range cases {
		we := &worktree.WorktreeError{Code: c.code, Message: "boom"}
		got := translateWorktreeErr(we)
		var ae *apperr.Error
		if !errors.As(got, &ae) {
			t.Fatalf("translateWorktreeErr(%q) did not return an *apperr.Error", c.code)
		}
		if ae.Kind != c.want {
			t.Errorf("translateWorktreeErr(%q).Kind = %v, want %v", c.code, ae.Kind, c.want)
		}
		if ae.Code != c.code {
			t.Errorf("translateWorktreeErr(%q).Code = %q, want %q", c.code, ae.Code, c.code)
		}
	}
}

func TestTranslateWorktreeErrPassesThroughOtherErrors(t *testing.T) {
	plain := fmt.Errorf("unrelated failure")
	if got := translateWorktreeErr(plain); got != plain {
		t.Fatalf("translateWorktreeErr() = %v, want the original error unchanged", got)
	}
}
