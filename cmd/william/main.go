// Command william drives an external coding-agent CLI through a PRD one
// user story at a time. See internal/loop for the iteration engine this
// command wires up.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/alecthomas/kong"

	"github.com/travissaylor/william/internal/adapter"
	"github.com/travissaylor/william/internal/config"
	"github.com/travissaylor/william/internal/loop"
	"github.com/travissaylor/william/internal/ui"
	"github.com/travissaylor/william/internal/web"
	"github.com/travissaylor/william/internal/workspace"
	"github.com/travissaylor/william/internal/wstate"
)

// CLI defines the top-level command structure for william.
type CLI struct {
	Root     string `help:"Installation root holding workspaces/ and archive/." default:"." type:"existingdir"`
	Verbose  bool   `help:"Enable verbose output." short:"v"`
	Model    string `help:"Coding-agent model to use." default:"claude-sonnet-4-6"`

	New     NewCmd     `cmd:"" help:"Create a workspace from a PRD file."`
	Start   StartCmd   `cmd:"" help:"Run the iteration loop on a workspace."`
	Stop    StopCmd    `cmd:"" help:"Signal a running workspace to stop."`
	Status  StatusCmd  `cmd:"" help:"Show workspace status."`
	List    ListCmd    `cmd:"" help:"List workspaces grouped by project."`
	Archive ArchiveCmd `cmd:"" help:"Archive a stopped workspace."`
	Revise  ReviseCmd  `cmd:"" help:"Run the iteration loop on a revision subworkspace."`

	fileConfig config.Config `kong:"-"`
}

// AfterApply loads .william.yaml from --root. The file's model replaces
// --model only when that flag holds its default value; runLoop reads the
// file's port and allowedTools. The file's maxBudget, maxTurns,
// maxIterations, sleepMs and adapter values are loaded but not applied.
func (c *CLI) AfterApply() error {
	cfg, err := config.Load(c.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[william] warning: loading %s: %v\n", config.DefaultConfigFile, err)
		return nil
	}
	c.fileConfig = cfg
	if cfg.Model != "" && c.Model == "claude-sonnet-4-6" {
		c.Model = cfg.Model
	}
	return nil
}

// NewCmd creates a workspace directory and initializes state from an
// already-written PRD. The interactive PRD-authoring wizard is an
// out-of-scope external collaborator (spec.md §1); this command accepts a
// finished PRD path directly.
type NewCmd struct {
	Project    string `arg:"" help:"Project name."`
	Workspace  string `arg:"" help:"Workspace name."`
	PRD        string `arg:"" help:"Path to the PRD Markdown file." type:"existingfile"`
	Branch     string `help:"Branch name." default:""`
	TargetDir  string `help:"Absolute target directory the agent operates in." name:"target-dir"`
}

func (n *NewCmd) Run(c *CLI) error {
	branch := n.Branch
	if branch == "" {
		branch = fmt.Sprintf("william/%s", n.Workspace)
	}
	targetDir := n.TargetDir
	if targetDir == "" {
		abs, err := filepath.Abs(c.Root)
		if err != nil {
			return fmt.Errorf("resolving target dir: %w", err)
		}
		targetDir = abs
	}

	ref, st, err := workspace.New(c.Root, workspace.Meta{
		Project:    n.Project,
		Workspace:  n.Workspace,
		PRDPath:    n.PRD,
		TargetDir:  targetDir,
		BranchName: branch,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created workspace %s/%s (%d stories) at %s\n", ref.Project, ref.Workspace, len(st.StoryOrder), ref.Dir)
	return nil
}

// StartCmd resolves a workspace and runs the iteration loop on it.
type StartCmd struct {
	Workspace     string  `arg:"" help:"Workspace reference: name, project/name, or name/revision-N."`
	MaxIterations int     `help:"Maximum iterations before giving up." default:"20" name:"max-iterations"`
	Tool          string  `help:"Tool adapter to use." default:"claude"`
	MaxTurns      int     `help:"Maximum agentic turns per iteration." default:"50" name:"max-turns"`
	MaxBudget     float64 `help:"Maximum budget in USD per iteration." name:"max-budget"`
	UI            bool    `help:"Start the web dashboard alongside the loop."`
	SleepMs       int     `help:"Milliseconds to sleep between iterations." default:"2000" name:"sleep-ms"`
}

func (s *StartCmd) Run(c *CLI) error {
	ref, err := workspace.Resolve(c.Root, s.Workspace)
	if err != nil {
		return err
	}
	return runLoop(c, ref, s.MaxIterations, s.Tool, s.MaxTurns, s.MaxBudget, s.SleepMs, s.UI)
}

// ReviseCmd runs the iteration loop on a revision subworkspace. Creating the
// revision (the interactive wizard flow) is out of scope per spec.md §1;
// this command expects revision-N/ to already exist under the workspace.
type ReviseCmd struct {
	Workspace     string `arg:"" help:"Parent workspace reference."`
	Revision      int    `arg:"" help:"Revision number."`
	MaxIterations int    `help:"Maximum iterations before giving up." default:"20" name:"max-iterations"`
	Tool          string `help:"Tool adapter to use." default:"claude"`
}

func (r *ReviseCmd) Run(c *CLI) error {
	ref, err := workspace.Resolve(c.Root, fmt.Sprintf("%s/revision-%d", r.Workspace, r.Revision))
	if err != nil {
		return err
	}
	return runLoop(c, ref, r.MaxIterations, r.Tool, 50, 0, 2000, false)
}

func runLoop(c *CLI, ref workspace.Ref, maxIterations int, tool string, maxTurns int, maxBudget float64, sleepMs int, startUI bool) error {
	var a adapter.Adapter
	switch tool {
	case "claude", "":
		a = adapter.NewClaudeAdapter()
	default:
		return fmt.Errorf("[william] unknown tool adapter %q", tool)
	}

	broadcast := wstate.NewBroadcast()
	emitters := ui.Multi{ui.NewTerminal(os.Stdout), ui.NewDashboard(broadcast)}

	var srv *web.Server
	if startUI {
		port := 8484
		if c.fileConfig.Port != 0 {
			port = c.fileConfig.Port
		}
		srv = web.NewServer(port, broadcast, ref.Dir, ref.Workspace)
		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "[william] warning: starting web dashboard: %v\n", err)
			srv = nil
		} else {
			defer srv.Shutdown(context.Background())
			fmt.Printf("Dashboard: http://localhost:%d\n", port)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := loop.Options{
		Adapter:       a,
		MaxIterations: maxIterations,
		SleepMs:       sleepMs,
		Model:         c.Model,
		MaxTurns:      maxTurns,
		MaxBudgetUSD:  maxBudget,
		AllowedTools:  c.fileConfig.AllowedTools,
		Notify: func(text string) {
			fmt.Fprintf(os.Stderr, "[william] %s\n", text)
		},
	}

	return loop.Run(ctx, ref.Workspace, ref.Dir, opts, emitters)
}

// StopCmd writes the .stopped sentinel.
type StopCmd struct {
	Workspace string `arg:"" help:"Workspace reference."`
}

func (s *StopCmd) Run(c *CLI) error {
	ref, err := workspace.Resolve(c.Root, s.Workspace)
	if err != nil {
		return err
	}
	if err := workspace.Stop(ref.Dir); err != nil {
		return err
	}
	fmt.Printf("Stopped %s/%s\n", ref.Project, ref.Workspace)
	return nil
}

// StatusCmd prints one-line summaries per workspace grouped by project, or
// a detailed breakdown for a single workspace.
type StatusCmd struct {
	Workspace string `arg:"" optional:"" help:"Workspace reference (omit for all)."`
}

func (s *StatusCmd) Run(c *CLI) error {
	if s.Workspace != "" {
		ref, err := workspace.Resolve(c.Root, s.Workspace)
		if err != nil {
			return err
		}
		st, err := wstate.Load(ref.Dir)
		if err != nil {
			return err
		}
		fmt.Println(workspace.StatusLine(ref, st))
		for _, id := range st.StoryOrder {
			story := st.Stories[id]
			fmt.Printf("  %-10s passes=%-8v attempts=%d\n", id, story.Passes, story.Attempts)
		}
		return nil
	}

	summaries, err := workspace.List(c.Root, "")
	if err != nil {
		return err
	}
	for _, summary := range summaries {
		fmt.Printf("%s:\n", summary.Project)
		for _, name := range summary.Workspaces {
			if isRevisionEntry(name) {
				continue // covered by the parent workspace's own line
			}
			ref, err := workspace.Resolve(c.Root, filepath.Join(summary.Project, name))
			if err != nil {
				continue
			}
			st, err := wstate.Load(ref.Dir)
			if err != nil {
				continue
			}
			fmt.Printf("  %s\n", workspace.StatusLine(ref, st))
		}
	}
	return nil
}

func isRevisionEntry(name string) bool {
	for i := 0; i < len(name); i++ {
		if name[i] == ' ' {
			return true
		}
	}
	return false
}

// ListCmd prints workspaces grouped by project.
type ListCmd struct {
	Project string `arg:"" optional:"" help:"Restrict to one project."`
}

func (l *ListCmd) Run(c *CLI) error {
	summaries, err := workspace.List(c.Root, l.Project)
	if err != nil {
		return err
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Project < summaries[j].Project })
	for _, summary := range summaries {
		fmt.Printf("%s:\n", summary.Project)
		for _, name := range summary.Workspaces {
			fmt.Printf("  %s\n", name)
		}
	}
	return nil
}

// ArchiveCmd archives a stopped workspace.
type ArchiveCmd struct {
	Workspace string `arg:"" help:"Workspace reference."`
}

func (a *ArchiveCmd) Run(c *CLI) error {
	ref, err := workspace.Resolve(c.Root, a.Workspace)
	if err != nil {
		return err
	}
	dest, err := workspace.Archive(c.Root, ref)
	if err != nil {
		return err
	}
	fmt.Printf("Archived %s/%s to %s\n", ref.Project, ref.Workspace, dest)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("william"),
		kong.Description("Autonomous PRD-driven coding-agent orchestrator."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[william] Error: %v\n", err)
		os.Exit(1)
	}
}
