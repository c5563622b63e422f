package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/raphaelgruber/moduleconv/internal/models"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

// Style functions for dynamic theming
func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// jobUpdateMsg carries a job snapshot.
type jobUpdateMsg struct {
	job *models.ConversionJob
}

// jobDoneMsg is sent once the job is terminal or following it failed.
type jobDoneMsg struct {
	job *models.ConversionJob
	err error
}

// progressModel is the bubbletea model for conversion progress.
type progressModel struct {
	jobID    string
	job      *models.ConversionJob
	progress progress.Model
	theme    Theme
	detached bool
	done     bool
	quitting bool
	err      error
}

// newProgressModel creates a new progress model.
func newProgressModel(job *models.ConversionJob, detached bool) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		jobID:    job.ID,
		job:      job,
		progress: prog,
		theme:    defaultTheme,
		detached: detached,
	}
}

// Init returns the initial command.
func (m progressModel) Init() tea.Cmd {
	return m.progress.Init()
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case jobUpdateMsg:
		if msg.job != nil {
			m.job = msg.job
		}
		return m, nil

	case jobDoneMsg:
		m.done = true
		if msg.job != nil {
			m.job = msg.job
		}
		m.err = jobError(m.job, msg.err)
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m progressModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}

	if m.job == nil {
		return "Starting conversion...\n"
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.job.Status))
	progressBar := m.progress.ViewAs(float64(m.job.Progress) / 100)
	pct := fmt.Sprintf("%3d%%", m.job.Progress)

	hint := "Press Ctrl+C to cancel"
	if m.detached {
		hint = "Press Ctrl+C to continue in background"
	}

	return fmt.Sprintf("%s %s %s\n%s\n", status, progressBar, pct, m.theme.hintStyle().Render(hint))
}

// finalView renders the completion message.
func (m progressModel) finalView() string {
	if m.quitting {
		if m.detached {
			msg := fmt.Sprintf("\nConversion %s continues in background.\nUse 'moduleconv jobs %s' to check status.\n",
				m.jobID, m.jobID)
			return m.theme.hintStyle().Render(msg)
		}
		return m.theme.hintStyle().Render(fmt.Sprintf("\nCancelling conversion %s...\n", m.jobID))
	}
	return summary(m.theme, m.job, m.err)
}

// summary renders the outcome of a finished job.
func summary(theme Theme, job *models.ConversionJob, err error) string {
	if err != nil {
		return theme.errorStyle().Render(fmt.Sprintf("✗ Conversion failed: %s", err)) + "\n"
	}
	if job == nil {
		return ""
	}
	if job.Status == models.StatusCancelled {
		return theme.hintStyle().Render(fmt.Sprintf("Conversion %s cancelled", job.ID)) + "\n"
	}

	output := theme.completedStyle().Render("✓ Completed") + "\n\n"
	output += fmt.Sprintf("  Conversion: %s\n", job.ID)
	if job.Output != nil {
		output += fmt.Sprintf("  Model:      %s\n", job.Output.ModelUsed)
	}
	output += fmt.Sprintf("  Tokens:     %d\n", job.TokensUsed)
	if job.StagingPRURL != "" {
		output += fmt.Sprintf("  Pull request: %s\n", job.StagingPRURL)
	}
	return output
}

// jobError turns a failed job into an error.
func jobError(job *models.ConversionJob, err error) error {
	if job != nil && job.Status == models.StatusFailed {
		if job.ErrorMessage != "" {
			return errors.New(job.ErrorMessage)
		}
		return errors.New("conversion failed with unknown error")
	}
	return err
}

// isTerminal reports whether stdout is an interactive terminal.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// followJob drives or watches a job until it finishes. On a terminal the
// bubbletea progress UI is shown, otherwise status changes are printed as
// plain lines to out. The final job state is returned.
func followJob(ctx context.Context, b backend, job *models.ConversionJob, stagingTargetID string, out io.Writer) (*models.ConversionJob, error) {
	if !isTerminal() {
		return followPlain(ctx, b, job, stagingTargetID, out)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newProgressModel(job, b.Detached()))
	type result struct {
		job *models.ConversionJob
		err error
	}
	finished := make(chan result, 1)
	go func() {
		last, err := b.Follow(ctx, job, stagingTargetID, func(j *models.ConversionJob) {
			p.Send(jobUpdateMsg{job: j})
		})
		finished <- result{last, err}
		p.Send(jobDoneMsg{job: last, err: err})
	}()

	finalModel, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("progress UI error: %w", err)
	}

	m, _ := finalModel.(progressModel)
	if m.quitting {
		// Remote jobs keep running; local ones stop at the next step.
		cancel()
		if b.Detached() {
			return m.job, nil
		}
		res := <-finished
		fmt.Fprint(out, summary(defaultTheme, res.job, jobError(res.job, nil)))
		return res.job, nil
	}

	res := <-finished
	return res.job, jobError(res.job, res.err)
}

// followPlain prints one line per status or progress change.
func followPlain(ctx context.Context, b backend, job *models.ConversionJob, stagingTargetID string, out io.Writer) (*models.ConversionJob, error) {
	var lastStatus models.ConversionStatus
	lastProgress := -1
	last, err := b.Follow(ctx, job, stagingTargetID, func(j *models.ConversionJob) {
		if j.Status == lastStatus && j.Progress == lastProgress {
			return
		}
		lastStatus, lastProgress = j.Status, j.Progress
		fmt.Fprintf(out, "[%s] %3d%% %s\n", j.Status, j.Progress, j.ID)
	})
	if err := jobError(last, err); err != nil {
		return last, err
	}
	fmt.Fprint(out, summary(defaultTheme, last, nil))
	return last, nil
}
