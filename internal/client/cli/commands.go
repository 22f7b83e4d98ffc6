package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/shotkeeper/internal/client/reconciler"
	"github.com/dmitrijs2005/shotkeeper/internal/client/services"
	"github.com/dmitrijs2005/shotkeeper/internal/common"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
)

var (
	errUsage     = errors.New("wrong arguments, type 'help'")
	errNoProject = errors.New("no project selected, type: select <projectId>")
)

const shortIDLen = 8

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

// resolveID matches prefix against ids. An exact match wins; otherwise the
// prefix must be unique.
func resolveID(ids []string, prefix string) (string, error) {
	var found []string
	for _, id := range ids {
		if id == prefix {
			return id, nil
		}
		if strings.HasPrefix(id, prefix) {
			found = append(found, id)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("%q: %w", prefix, common.ErrNotFound)
	case 1:
		return found[0], nil
	}
	return "", fmt.Errorf("%q is ambiguous, %d matches", prefix, len(found))
}

func (a *App) Use(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if prev := a.session(); prev != nil {
		a.sync.End(ctx, prev, false)
		a.setSession(nil)
	}
	sess, err := a.sync.Begin(ctx, args[0])
	if err != nil {
		return err
	}
	a.setSession(sess)

	name := sess.User.DisplayName
	if name == "" {
		name = sess.User.ID
	}
	fmt.Fprintf(a.out, "Hello %s (%s)\n", name, sess.User.Role)
	if sess.HasProject() {
		fmt.Fprintf(a.out, "Current project: %s\n", a.projectName(sess.CurrentProject))
	}
	return nil
}

func (a *App) Logout(ctx context.Context, args []string) error {
	_, opts := splitOptions(args)
	a.sync.End(ctx, a.session(), opts["forget"])
	a.setSession(nil)
	fmt.Fprintln(a.out, "Logged out")
	return nil
}

func (a *App) projectName(id string) string {
	for _, p := range a.checklists.Projects(a.session()) {
		if p.ID == id {
			return p.Name
		}
	}
	return id
}

func (a *App) Projects(ctx context.Context, args []string) error {
	sess := a.session()
	projects := a.checklists.Projects(sess)
	if len(projects) == 0 {
		fmt.Fprintln(a.out, "No projects")
		return nil
	}
	for _, p := range projects {
		mark := " "
		if p.ID == sess.CurrentProject {
			mark = "*"
		}
		pp, _ := a.checklists.Progress(sess, p.ID)
		fmt.Fprintf(a.out, "%s %-8s %-30s %-9s %3d%%\n", mark, shortID(p.ID), p.Name, p.Status, pp.Percent())
	}
	return nil
}

func (a *App) Select(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	sess := a.session()
	var ids []string
	for _, p := range a.checklists.Projects(sess) {
		ids = append(ids, p.ID)
	}
	id, err := resolveID(ids, args[0])
	if err != nil {
		return err
	}
	if err := a.sync.Select(ctx, sess, id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Current project: %s\n", a.projectName(id))
	return nil
}

func (a *App) currentChecklists() ([]models.Checklist, error) {
	sess := a.session()
	if !sess.HasProject() {
		return nil, errNoProject
	}
	return a.checklists.Checklists(sess, sess.CurrentProject)
}

func (a *App) resolveChecklist(prefix string) (string, error) {
	lists, err := a.currentChecklists()
	if err != nil {
		return "", err
	}
	ids := make([]string, 0, len(lists))
	for _, c := range lists {
		ids = append(ids, c.ID)
	}
	return resolveID(ids, prefix)
}

func (a *App) resolveShotItem(prefix string) (string, error) {
	var ids []string
	a.state.View(func(snap *models.OfflineStore) {
		for id := range snap.ShotItems {
			ids = append(ids, id)
		}
	})
	return resolveID(ids, prefix)
}

func (a *App) Checklists(ctx context.Context, args []string) error {
	lists, err := a.currentChecklists()
	if err != nil {
		return err
	}
	if len(lists) == 0 {
		fmt.Fprintln(a.out, "No checklists")
	}
	for _, c := range lists {
		zone := ""
		if c.Zone != "" {
			zone = "@" + c.Zone
		}
		fmt.Fprintf(a.out, "%-8s %-30s %s\n", shortID(c.ID), c.Title, zone)
	}
	return nil
}

func (a *App) Items(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	id, err := a.resolveChecklist(args[0])
	if err != nil {
		return err
	}
	items, err := a.checklists.ShotItems(a.session(), id)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(a.out, "No shot items")
	}
	for _, it := range items {
		box := "[ ]"
		if it.IsCompleted {
			box = "[x]"
		}
		fmt.Fprintf(a.out, "%s %-8s %-30s %s, %s\n", box, shortID(it.ID), it.Title, it.Type, it.Priority)
	}
	return nil
}

func (a *App) Add(ctx context.Context, args []string) error {
	words, opts := splitOptions(args)
	if len(words) < 2 {
		return errUsage
	}
	checklistID, err := a.resolveChecklist(words[0])
	if err != nil {
		return err
	}
	in := services.NewShotItem{
		ChecklistID: checklistID,
		Title:       strings.Join(words[1:], " "),
		Type:        models.ShotTypePhoto,
		Priority:    models.PriorityMustHave,
	}
	if opts["video"] {
		in.Type = models.ShotTypeVideo
	}
	if opts["nice"] {
		in.Priority = models.PriorityNiceToHave
	}
	it, err := a.checklists.AddShotItem(ctx, a.session(), in)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Added %s %s\n", shortID(it.ID), it.Title)
	return nil
}

func (a *App) editItem(ctx context.Context, args []string, edit func(ctx context.Context, id string) (models.ShotItem, error)) error {
	if len(args) != 1 {
		return errUsage
	}
	id, err := a.resolveShotItem(args[0])
	if err != nil {
		return err
	}
	it, err := edit(ctx, id)
	if err != nil {
		return err
	}
	state := "open"
	if it.IsCompleted {
		state = "done"
	}
	fmt.Fprintf(a.out, "%s %s: %s\n", shortID(it.ID), it.Title, state)
	return nil
}

func (a *App) Done(ctx context.Context, args []string) error {
	return a.editItem(ctx, args, func(ctx context.Context, id string) (models.ShotItem, error) {
		return a.checklists.CompleteShotItem(ctx, a.session(), id)
	})
}

func (a *App) Undo(ctx context.Context, args []string) error {
	return a.editItem(ctx, args, func(ctx context.Context, id string) (models.ShotItem, error) {
		return a.checklists.ReopenShotItem(ctx, a.session(), id)
	})
}

func (a *App) Remove(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	id, err := a.resolveShotItem(args[0])
	if err != nil {
		return err
	}
	if err := a.checklists.DeleteShotItem(ctx, a.session(), id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Removed %s\n", shortID(id))
	return nil
}

func (a *App) Progress(ctx context.Context, args []string) error {
	sess := a.session()
	projectID := sess.CurrentProject
	if len(args) == 1 {
		var ids []string
		for _, p := range a.checklists.Projects(sess) {
			ids = append(ids, p.ID)
		}
		id, err := resolveID(ids, args[0])
		if err != nil {
			return err
		}
		projectID = id
	}
	if projectID == "" {
		return errNoProject
	}
	pp, ok := a.checklists.Progress(sess, projectID)
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, common.ErrNotFound)
	}
	fmt.Fprintf(a.out, "%s: %d/%d done (%d%%)\n", a.projectName(projectID), pp.CompletedItems, pp.TotalItems, pp.Percent())
	fmt.Fprintf(a.out, "  must-have:    %d/%d\n", pp.CompletedMustHaveItems, pp.MustHaveItems)
	fmt.Fprintf(a.out, "  nice-to-have: %d/%d\n", pp.CompletedNiceToHaveItems, pp.NiceToHaveItems)
	return nil
}

func (a *App) Sync(ctx context.Context, args []string) error {
	rep, err := a.sync.Sync(ctx, a.session())
	a.printReport(rep)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	return nil
}

func (a *App) printReport(rep reconciler.Report) {
	fmt.Fprintf(a.out, "Applied %d, deferred %d\n", rep.Applied(), rep.Deferred())
	for _, c := range rep.Conflicts {
		line := fmt.Sprintf("Conflict on %s merged with the server copy", c.Key)
		if c.FollowUp != "" {
			line += ", local changes queued again"
		}
		fmt.Fprintln(a.out, line)
	}
	for _, f := range rep.Failures() {
		fmt.Fprintf(a.out, "Rejected %s %s: %v\n", f.Action, f.Key, f.Err)
	}
	if rep.HasTransient() {
		fmt.Fprintln(a.out, "Backend unreachable, remaining changes stay queued")
	}
}

func (a *App) Status(ctx context.Context, args []string) error {
	st := a.sync.Status()
	mode := a.watcher.Mode()
	if mode == "" {
		mode = "unknown"
	}
	fmt.Fprintf(a.out, "Mode:      %s\n", mode)
	if sess := a.session(); sess != nil {
		fmt.Fprintf(a.out, "User:      %s (%s)\n", sess.User.ID, sess.User.Role)
		if sess.HasProject() {
			fmt.Fprintf(a.out, "Project:   %s\n", a.projectName(sess.CurrentProject))
		}
	}
	fmt.Fprintf(a.out, "Pending:   %d\n", st.Pending)
	last := "never"
	if st.LastSync != nil {
		last = st.LastSync.Local().Format(time.DateTime)
	}
	fmt.Fprintf(a.out, "Last sync: %s\n", last)
	return nil
}

func (a *App) NewProject(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	p, err := a.checklists.CreateProject(ctx, a.session(), strings.Join(args, " "), "")
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Created project %s %s (%s)\n", shortID(p.ID), p.Name, p.Status)
	return nil
}

// NewChecklist takes the title words and an optional "@zone" last word.
func (a *App) NewChecklist(ctx context.Context, args []string) error {
	sess := a.session()
	if !sess.HasProject() {
		return errNoProject
	}
	zone := ""
	if n := len(args); n > 0 && strings.HasPrefix(args[n-1], "@") {
		zone = strings.TrimPrefix(args[n-1], "@")
		args = args[:n-1]
	}
	if len(args) == 0 {
		return errUsage
	}
	c, err := a.checklists.CreateChecklist(ctx, sess, sess.CurrentProject, strings.Join(args, " "), zone)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Created checklist %s %s\n", shortID(c.ID), c.Title)
	return nil
}

func (a *App) Assign(ctx context.Context, args []string) error {
	sess := a.session()
	if !sess.HasProject() {
		return errNoProject
	}
	if len(args) == 0 {
		return errUsage
	}
	p, err := a.checklists.AssignUser(ctx, sess, sess.CurrentProject, args[0], args[1:])
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s assigned to %s\n", args[0], p.Name)
	return nil
}

func (a *App) Archive(ctx context.Context, args []string) error {
	sess := a.session()
	if !sess.HasProject() {
		return errNoProject
	}
	p, err := a.checklists.SetProjectStatus(ctx, sess, sess.CurrentProject, models.ProjectStatusArchived)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s is %s\n", p.Name, p.Status)
	return nil
}
