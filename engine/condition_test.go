package engine

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func TestConditions_TotalOverAbsentGitMetadata(t *testing.T) {
	ctx := &CommandContext{Command: "git push", WorkingDir: "/repo"}

	conditions := []Condition{
		GitBranchInCondition{Branches: []string{"main"}},
		GitBranchMatchesCondition{Pattern: regexp.MustCompile("^main$")},
		InGitRepoCondition{Value: true},
	}

	for _, c := range conditions {
		if c.Evaluate(ctx) {
			t.Errorf("%s: expected false when git metadata is absent", c.Kind())
		}
	}
}

func TestInGitRepoCondition_MatchesResolvedValue(t *testing.T) {
	inRepo := true
	ctx := &CommandContext{InGitRepo: &inRepo}

	if !(InGitRepoCondition{Value: true}).Evaluate(ctx) {
		t.Error("expected true when in_git_repo resolved true and Value true")
	}

	if (InGitRepoCondition{Value: false}).Evaluate(ctx) {
		t.Error("expected false when in_git_repo resolved true and Value false")
	}
}

func TestEnvEqualsCondition_AbsentNeverEqualsEmptyString(t *testing.T) {
	ctx := &CommandContext{Environment: map[string]string{}}

	cond := EnvEqualsCondition{Variable: "FOO", Value: ""}

	if cond.Evaluate(ctx) {
		t.Error("absent variable should never equal any value, including empty string")
	}
}

func TestCommandConditions(t *testing.T) {
	ctx := &CommandContext{Command: "git push --force origin main"}

	if !(CommandContainsCondition{Substr: "--force"}).Evaluate(ctx) {
		t.Error("expected substring match")
	}

	if !(CommandStartsWithCondition{Prefix: "git push"}).Evaluate(ctx) {
		t.Error("expected prefix match")
	}

	if !(CommandMatchesCondition{Pattern: regexp.MustCompile(`^git\s+push\s+--force`)}).Evaluate(ctx) {
		t.Error("expected regex match")
	}
}

func TestFileExistsCondition_ResolvesRelativeToWorkingDir(t *testing.T) {
	dir := t.TempDir()

	ctx := &CommandContext{WorkingDir: dir}

	if (FileExistsCondition{Path: "nope.txt"}).Evaluate(ctx) {
		t.Error("expected false for nonexistent file")
	}

	if err := os.WriteFile(filepath.Join(dir, "present.txt"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	if !(FileExistsCondition{Path: "present.txt"}).Evaluate(ctx) {
		t.Error("expected true for a relative path that exists under WorkingDir")
	}
}
