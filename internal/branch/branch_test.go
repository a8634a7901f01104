package branch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/zpdzap/obox/internal/sandbox"
	"github.com/zpdzap/obox/internal/sandbox/sandboxtest"
)

func TestValidateRepoURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://github.com/disler/agent-sandbox-skill", true},
		{"http://github.com/owner/repo.git", true},
		{"git@github.com:owner/repo.git", true},
		{"git@github.com:owner/repo", false},
		{"https://gitlab.com/group/project", true},
		{"https://bitbucket.org/team/repo", true},
		{"https://example.com/owner/repo", false},
		{"github.com/owner/repo", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := ValidateRepoURL(tt.url); got != tt.want {
				t.Errorf("ValidateRepoURL(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}

func TestValidateBranchName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"main", true},
		{"feature/new-api", true},
		{"fork-experiment-20250101-120000-fork-3", true},
		{"v1.2", true},
		{"", false},
		{"-leading-dash", false},
		{".hidden", false},
		{"/rooted", false},
		{"trailing/", false},
		{"branch.lock", false},
		{"branch with spaces", false},
		{"../etc/passwd", false},
		{"a..b", false},
		{"tilde~1", false},
		{"caret^", false},
		{"colon:x", false},
		{"what?", false},
		{"star*", false},
		{"bracket[", false},
		{`back\slash`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateBranchName(tt.name); got != tt.want {
				t.Errorf("ValidateBranchName(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestSanitizeBranchName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"main", "main"},
		{"my feature branch", "my-feature-branch"},
		{"fix: crash on ^start", "fix-crash-on-start"},
		{"--weird--", "weird"},
		{"../etc/passwd", "etc/passwd"},
		{"a...b", "a-.b"},
		{"release.lock", "release"},
		{"x.lock.lock", "x"},
		{"~~~", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SanitizeBranchName(tt.in); got != tt.want {
				t.Errorf("SanitizeBranchName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	chars := gen.OneConstOf('a', 'Z', '0', '-', '.', '/', ' ', '~', '^', ':', '?', '*', '[', '\\', '\t', 'k')
	candidate := gen.SliceOf(chars).Map(func(rs []rune) string {
		var b strings.Builder
		for _, r := range rs {
			b.WriteRune(r)
		}
		return b.String()
	})

	properties.Property("sanitizing twice equals sanitizing once", prop.ForAll(
		func(s string) bool {
			once := SanitizeBranchName(s)
			return SanitizeBranchName(once) == once
		},
		gen.OneGenOf(gen.AnyString(), candidate),
	))

	properties.Property("non-empty sanitized names are valid", prop.ForAll(
		func(s string) bool {
			out := SanitizeBranchName(s)
			return out == "" || ValidateBranchName(out)
		},
		candidate,
	))

	properties.TestingRun(t)
}

func TestDerive(t *testing.T) {
	now := time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC)
	tests := []struct {
		template string
		index    int
		want     string
	}{
		{"fork-experiment-{timestamp}", 0, "fork-experiment-20250102-150405-fork-1"},
		{"agent/{fork}", 2, "agent/3"},
		{"try {index} of run", 4, "try-4-of-run"},
		{"feature/x", 1, "feature/x-fork-2"},
	}
	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			got, err := Derive(tt.template, tt.index, now)
			if err != nil {
				t.Fatalf("Derive: %v", err)
			}
			if got != tt.want {
				t.Errorf("Derive(%q, %d) = %q, want %q", tt.template, tt.index, got, tt.want)
			}
		})
	}
}

func TestDeriveUniquePerFork(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		name, err := Derive("same-{timestamp}", i, now)
		if err != nil {
			t.Fatal(err)
		}
		if seen[name] {
			t.Fatalf("duplicate branch %q", name)
		}
		seen[name] = true
	}
}

func TestDeriveAlwaysValid(t *testing.T) {
	templates := []string{"{fork}", "~~~{index}.lock~", "...{index}", "/", "a b:c", "x/{timestamp}/"}
	for _, tmpl := range templates {
		got, err := Derive(tmpl, 0, time.Now())
		if err != nil {
			t.Errorf("Derive(%q): %v", tmpl, err)
			continue
		}
		if !ValidateBranchName(got) {
			t.Errorf("Derive(%q) = %q, which is not a valid branch", tmpl, got)
		}
	}
}

func TestValidationError(t *testing.T) {
	err := error(&ValidationError{Field: "branch name", Value: "a b", Msg: "not a valid git branch name"})
	var verr *ValidationError
	if !errors.As(err, &verr) || !errors.Is(err, ErrValidation) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if got, want := err.Error(), `invalid branch name "a b": not a valid git branch name`; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestCheckout(t *testing.T) {
	tests := []struct {
		name        string
		lsRemote    int
		wantCreated bool
		wantLast    string
	}{
		{"existing branch", 0, false, "git -C /home/user/repo checkout --quiet feature/x"},
		{"new branch", 2, true, "git -C /home/user/repo checkout --quiet -b feature/x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := sandboxtest.New()
			rt.OnCommand = func(_ context.Context, _ *sandboxtest.Sandbox, cmd string) (sandbox.CommandResult, error) {
				if strings.Contains(cmd, "ls-remote") {
					return sandbox.CommandResult{ExitCode: tt.lsRemote}, nil
				}
				return sandbox.CommandResult{}, nil
			}
			h, _ := rt.Create(context.Background(), sandbox.Options{})

			created, err := Checkout(context.Background(), h, CheckoutOptions{
				RepoURL: "https://github.com/owner/repo",
				Branch:  "feature/x",
				Dir:     "/home/user/repo",
			})
			if err != nil {
				t.Fatalf("Checkout: %v", err)
			}
			if created != tt.wantCreated {
				t.Errorf("created = %v, want %v", created, tt.wantCreated)
			}
			cmds := rt.Sandboxes()[0].Commands()
			if got := cmds[0]; got != "git clone --quiet https://github.com/owner/repo /home/user/repo" {
				t.Errorf("clone command = %q", got)
			}
			if got := cmds[len(cmds)-1]; got != tt.wantLast {
				t.Errorf("last command = %q, want %q", got, tt.wantLast)
			}
		})
	}
}

func TestCheckoutFailures(t *testing.T) {
	rt := sandboxtest.New()
	rt.OnCommand = func(_ context.Context, _ *sandboxtest.Sandbox, cmd string) (sandbox.CommandResult, error) {
		return sandbox.CommandResult{ExitCode: 128, Stderr: "fatal: repository not found"}, nil
	}
	h, _ := rt.Create(context.Background(), sandbox.Options{})

	_, err := Checkout(context.Background(), h, CheckoutOptions{RepoURL: "https://github.com/owner/repo", Branch: "main", Dir: "/r"})
	if !errors.Is(err, sandbox.ErrCommandExecution) || !strings.Contains(err.Error(), "repository not found") {
		t.Errorf("error = %v, want command execution error with stderr", err)
	}

	_, err = Checkout(context.Background(), h, CheckoutOptions{RepoURL: "ftp://host/repo", Branch: "main", Dir: "/r"})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("bad URL error = %v, want ErrValidation", err)
	}
	_, err = Checkout(context.Background(), h, CheckoutOptions{RepoURL: "https://github.com/owner/repo", Branch: "bad name", Dir: "/r"})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("bad branch error = %v, want ErrValidation", err)
	}
	if n := len(rt.Sandboxes()[0].Commands()); n != 1 {
		t.Errorf("ran %d commands, want only the failed clone", n)
	}
}

func TestCheckoutUsesTokenHelper(t *testing.T) {
	rt := sandboxtest.New()
	h, _ := rt.Create(context.Background(), sandbox.Options{})
	Checkout(context.Background(), h, CheckoutOptions{
		RepoURL: "https://github.com/owner/repo", Branch: "main", Dir: "/r", Token: "ghp_secret",
	})
	for _, cmd := range rt.Sandboxes()[0].Commands() {
		if strings.Contains(cmd, "ghp_secret") {
			t.Errorf("token leaked into command %q", cmd)
		}
		if !strings.Contains(cmd, "credential.helper") {
			t.Errorf("command %q missing credential helper", cmd)
		}
	}
}
