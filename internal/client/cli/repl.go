package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the command surface the REPL dispatches to.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	hasSession() bool
	Use(ctx context.Context, args []string) error
	Logout(ctx context.Context, args []string) error
	Projects(ctx context.Context, args []string) error
	Select(ctx context.Context, args []string) error
	Checklists(ctx context.Context, args []string) error
	Items(ctx context.Context, args []string) error
	Add(ctx context.Context, args []string) error
	Done(ctx context.Context, args []string) error
	Undo(ctx context.Context, args []string) error
	Remove(ctx context.Context, args []string) error
	Progress(ctx context.Context, args []string) error
	Sync(ctx context.Context, args []string) error
	Status(ctx context.Context, args []string) error
	NewProject(ctx context.Context, args []string) error
	NewChecklist(ctx context.Context, args []string) error
	Assign(ctx context.Context, args []string) error
	Archive(ctx context.Context, args []string) error
}

const (
	helpNoSession = "Available commands: use <userId>, status, exit"
	helpSession   = "Available commands: projects, select <projectId>, checklists, items <checklistId>, " +
		"add <checklistId> <title> [-video] [-nice], done <itemId>, undo <itemId>, rm <itemId>, " +
		"progress, sync, status, newproject <name>, newchecklist <title> [zone], " +
		"assign <userId> [zone...], archive, logout, exit"
)

// runREPL reads commands from scanner until EOF or exit.
//
// The first token is the command; the rest are passed to the handler as
// arguments. Handlers report their own errors through printlnFn, so an
// error never ends the loop. Commands other than use, status, help and
// exit need a session.
func runREPL(ctx context.Context, a execIface, promptFn func() string, scanner *bufio.Scanner) {
	for {
		if p := promptFn(); p != "" {
			fmt.Print(p)
		}
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		var handler func(context.Context, []string) error
		switch cmd {
		case "help":
			if a.hasSession() {
				printlnFn(helpSession)
			} else {
				printlnFn(helpNoSession)
			}
			continue
		case "exit", "quit":
			printlnFn("Bye!")
			return
		case "use":
			handler = a.Use
		case "status":
			handler = a.Status
		case "logout":
			handler = a.Logout
		case "projects":
			handler = a.Projects
		case "select":
			handler = a.Select
		case "checklists":
			handler = a.Checklists
		case "items":
			handler = a.Items
		case "add":
			handler = a.Add
		case "done":
			handler = a.Done
		case "undo":
			handler = a.Undo
		case "rm":
			handler = a.Remove
		case "progress":
			handler = a.Progress
		case "sync":
			handler = a.Sync
		case "newproject":
			handler = a.NewProject
		case "newchecklist":
			handler = a.NewChecklist
		case "assign":
			handler = a.Assign
		case "archive":
			handler = a.Archive
		default:
			printlnFn("Unknown command:", cmd)
			continue
		}

		if cmd != "use" && cmd != "status" && !a.hasSession() {
			printlnFn("No active session, type: use <userId>")
			continue
		}
		if err := handler(ctx, args); err != nil {
			printlnFn("Error:", err)
		}
	}
}
