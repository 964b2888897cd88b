package overlay

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
)

// CommitPlan is the pair of deletion and append lists derived from the
// overlay's current state: every tombstoned path (deleted=1) goes to the
// deletion list, every path that has a real host file goes to the append
// list.
type CommitPlan struct {
	Deletions []string
	Appends   []string
}

// Plan walks the sidecar database and host folder to build a
// CommitPlan without touching the underlying archive.
func (o *Overlay) Plan() (CommitPlan, error) {
	var plan CommitPlan

	o.mu.Lock()
	rows, err := o.db.Query(`SELECT path, name, deleted FROM files`)
	o.mu.Unlock()
	if err != nil {
		return plan, fmt.Errorf("overlay: plan query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var parent, name string
		var deleted int64
		if err := rows.Scan(&parent, &name, &deleted); err != nil {
			return plan, fmt.Errorf("overlay: plan scan: %w", err)
		}
		p := joinOverlayPath(parent, name)
		if deleted != 0 {
			plan.Deletions = append(plan.Deletions, p)
			continue
		}
		if _, err := os.Lstat(o.hostFullPath(p)); err != nil {
			continue
		}
		plan.Appends = append(plan.Appends, p)
	}
	return plan, rows.Err()
}

func joinOverlayPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// CommitOut applies plan to archivePath via GNU tar's --delete and
// --append. This is an offline, interactive operation invoked by the CLI
// after explicit confirmation, never from the mounted read/write path.
func (o *Overlay) CommitOut(archivePath string, plan CommitPlan) error {
	if len(plan.Deletions) > 0 {
		args := []string{"--delete", "-f", archivePath, "--"}
		args = append(args, trimLeadingSlash(plan.Deletions)...)
		if err := runTar(args); err != nil {
			return fmt.Errorf("overlay: commit-out delete: %w", err)
		}
	}
	if len(plan.Appends) > 0 {
		args := []string{"--append", "-f", archivePath, "-C", o.dir, "--"}
		args = append(args, trimLeadingSlash(plan.Appends)...)
		if err := runTar(args); err != nil {
			return fmt.Errorf("overlay: commit-out append: %w", err)
		}
	}
	return nil
}

func trimLeadingSlash(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		if len(p) > 0 && p[0] == '/' {
			p = p[1:]
		}
		out[i] = p
	}
	return out
}

func runTar(args []string) error {
	cmd := exec.Command("tar", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tar %v: %w: %s", args, err, stderr.String())
	}
	return nil
}
