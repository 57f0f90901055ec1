package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/skypro1111/meeting-transcriber/internal/session"
	"github.com/skypro1111/meeting-transcriber/internal/transcription"
)

// Formatter writes user-facing progress and results.
type Formatter struct {
	w io.Writer
}

func NewFormatter(w io.Writer) *Formatter {
	return &Formatter{w: w}
}

func (f *Formatter) RecordingStarted(roomSID string, strategy session.Strategy) {
	fmt.Fprintf(f.w, "🎙️  Recording room %s (%s), Ctrl+C to stop\n", roomSID, strategy)
}

func (f *Formatter) RecordingStopped(duration time.Duration) {
	fmt.Fprintf(f.w, "⏹️  Recording stopped (%s)\n", duration.Round(time.Second))
}

func (f *Formatter) Status(status session.Status, text string) {
	fmt.Fprintf(f.w, "ℹ️  [%s] %s\n", status, text)
}

func (f *Formatter) Partial(text string) {
	fmt.Fprintf(f.w, "… %s\n", text)
}

func (f *Formatter) Segment(seg session.Segment) {
	if seg.ChunkIndex >= 0 {
		fmt.Fprintf(f.w, "📝 [%d] %s\n", seg.ChunkIndex, seg.Text)
		return
	}
	fmt.Fprintf(f.w, "📝 %s\n", seg.Text)
}

func (f *Formatter) Progress(percent int, message string) {
	if message == "" {
		fmt.Fprintf(f.w, "⏳ %3d%%\n", percent)
		return
	}
	fmt.Fprintf(f.w, "⏳ %3d%% %s\n", percent, message)
}

func (f *Formatter) Transcript(text string) {
	if strings.TrimSpace(text) == "" {
		f.Warning("No transcription was produced. Check that the microphone was enabled during the call.")
		return
	}
	fmt.Fprintf(f.w, "\n📄 Transcript:\n%s\n", text)
}

func (f *Formatter) Summary(s *transcription.Summary) {
	if s == nil {
		return
	}
	fmt.Fprintf(f.w, "\n🤖 Summary:\n")
	if s.GeneralSummary != nil && *s.GeneralSummary != "" {
		fmt.Fprintf(f.w, "%s\n", *s.GeneralSummary)
	} else if s.Summary != "" {
		fmt.Fprintf(f.w, "%s\n", s.Summary)
	}
	f.list("Topics", s.TopicsDiscussed)
	f.list("Decisions", s.DecisionsMade)
	f.list("Next steps", s.NextSteps)
	f.list("Participants", s.ParticipantsMentioned)
	f.list("Issues", s.IssuesRaised)
	if s.OverallSentiment != nil && *s.OverallSentiment != "" {
		fmt.Fprintf(f.w, "Sentiment: %s\n", *s.OverallSentiment)
	}
}

func (f *Formatter) list(title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(f.w, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(f.w, "  • %s\n", item)
	}
}

func (f *Formatter) Error(msg string) {
	fmt.Fprintf(f.w, "❌ %s\n", msg)
}

func (f *Formatter) Info(msg string) {
	fmt.Fprintf(f.w, "ℹ️  %s\n", msg)
}

func (f *Formatter) Warning(msg string) {
	fmt.Fprintf(f.w, "⚠️  %s\n", msg)
}
