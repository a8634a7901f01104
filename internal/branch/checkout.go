package branch

import (
	"context"
	"fmt"
	"strings"

	"github.com/zpdzap/obox/internal/sandbox"
)

// CheckoutOptions describe the clone performed inside a sandbox.
type CheckoutOptions struct {
	RepoURL string
	Branch  string
	// Dir is the clone destination inside the sandbox.
	Dir string
	// Token, when set, authenticates HTTPS clones and pushes.
	Token string
}

// Checkout clones the repository into the sandbox and checks out the
// branch, creating it from the default branch when the remote lacks it.
// It reports whether the branch was created.
func Checkout(ctx context.Context, h sandbox.Handle, opts CheckoutOptions) (bool, error) {
	if !ValidateRepoURL(opts.RepoURL) {
		return false, &ValidationError{Field: "repository URL", Value: opts.RepoURL, Msg: "unsupported repository host or shape"}
	}
	if !ValidateBranchName(opts.Branch) {
		return false, &ValidationError{Field: "branch name", Value: opts.Branch, Msg: "not a valid git branch name"}
	}

	repo := &remoteRepo{handle: h, dir: opts.Dir, env: map[string]string{"GIT_TERMINAL_PROMPT": "0"}}
	if opts.Token != "" {
		repo.env["GITHUB_TOKEN"] = opts.Token
	}

	if _, err := repo.run(ctx, "", "clone", "--quiet", opts.RepoURL, opts.Dir); err != nil {
		return false, err
	}

	res, err := repo.exec(ctx, opts.Dir, "ls-remote", "--exit-code", "--heads", "origin", opts.Branch)
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		_, err = repo.run(ctx, opts.Dir, "checkout", "--quiet", opts.Branch)
		return false, err
	case 2:
		_, err = repo.run(ctx, opts.Dir, "checkout", "--quiet", "-b", opts.Branch)
		return err == nil, err
	default:
		return false, fmt.Errorf("%w: git ls-remote: %s", sandbox.ErrCommandExecution, strings.TrimSpace(res.Stderr))
	}
}

// remoteRepo runs git inside a sandbox.
type remoteRepo struct {
	handle sandbox.Handle
	dir    string
	env    map[string]string
}

// credentialHelper answers git's credential prompt from $GITHUB_TOKEN so
// the token never appears in the remote URL or the process list.
const credentialHelper = `credential.helper=!f() { echo username=x-access-token; echo "password=$GITHUB_TOKEN"; }; f`

func (r *remoteRepo) command(dir string, args []string) string {
	parts := []string{"git"}
	if _, ok := r.env["GITHUB_TOKEN"]; ok {
		parts = append(parts, "-c", shellQuote(credentialHelper))
	}
	if dir != "" {
		parts = append(parts, "-C", shellQuote(dir))
	}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func (r *remoteRepo) exec(ctx context.Context, dir string, args ...string) (sandbox.CommandResult, error) {
	return r.handle.RunCommand(ctx, r.command(dir, args), sandbox.CommandOptions{Env: r.env, Workdir: "/"})
}

// run fails on a non-zero exit status.
func (r *remoteRepo) run(ctx context.Context, dir string, args ...string) (string, error) {
	res, err := r.exec(ctx, dir, args...)
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%w: git %s (exit %d): %s",
			sandbox.ErrCommandExecution, strings.Join(args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:@=+", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
