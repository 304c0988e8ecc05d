package metrics

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// GitProvider measures changes with the git CLI. It is the stock Provider;
// hosts with their own diff tooling supply a different implementation.
type GitProvider struct {
	// Dir is the repository to inspect. Empty means the process working
	// directory.
	Dir string
}

// Changes runs `git diff --numstat <since>` (plus an untracked-file listing
// when requested) under the caller's context deadline.
func (g *GitProvider) Changes(ctx context.Context, since string, includeUntracked bool) ([]EntityChange, error) {
	args := []string{"diff", "--numstat"}
	if since != "" {
		args = append(args, since)
	}
	out, err := g.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	changes, err := parseNumstat(out)
	if err != nil {
		return nil, err
	}
	if includeUntracked {
		untracked, err := g.untracked(ctx)
		if err != nil {
			return nil, err
		}
		changes = append(changes, untracked...)
	}
	return changes, nil
}

func (g *GitProvider) untracked(ctx context.Context) ([]EntityChange, error) {
	out, err := g.run(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	var changes []EntityChange
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		path := strings.TrimSpace(scanner.Text())
		if path == "" {
			continue
		}
		// Untracked files count as one changed entity; their content has
		// never been committed so git reports no line counts for them.
		changes = append(changes, EntityChange{Path: path})
	}
	return changes, scanner.Err()
}

func (g *GitProvider) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("metrics: git %s: %w", args[0], err)
		}
		return nil, fmt.Errorf("metrics: git %s: %s: %w", args[0], msg, err)
	}
	return stdout.Bytes(), nil
}

// parseNumstat decodes `git diff --numstat` output. Binary entities appear
// as "-\t-\tpath" and are kept, flagged, so the collector can exclude them
// from line totals.
func parseNumstat(out []byte) ([]EntityChange, error) {
	var changes []EntityChange
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("metrics: malformed numstat line %q", line)
		}
		change := EntityChange{Path: fields[2]}
		if fields[0] == "-" || fields[1] == "-" {
			change.Binary = true
		} else {
			added, err := strconv.Atoi(fields[0])
			if err != nil {
				return nil, fmt.Errorf("metrics: malformed numstat line %q: %w", line, err)
			}
			deleted, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("metrics: malformed numstat line %q: %w", line, err)
			}
			change.Added = added
			change.Deleted = deleted
		}
		changes = append(changes, change)
	}
	return changes, scanner.Err()
}
