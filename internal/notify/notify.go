// Package notify defines the prompt and session-launch collaborator
// interfaces the correlator talks to, plus log-backed implementations used
// when no editor front-end is attached.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notifier shows a transient prompt with accept/dismiss actions and reports
// the user's choice.
type Notifier interface {
	Prompt(ctx context.Context, header, summary string) (accepted bool, err error)
}

// SessionLauncher starts a real-time collaboration session with the given
// participants.
type SessionLauncher interface {
	Launch(ctx context.Context, teamID string, participantIDs []string) error
}

// LogNotifier records prompts to the log and never accepts them.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Prompt implements Notifier.
func (n *LogNotifier) Prompt(_ context.Context, header, summary string) (bool, error) {
	n.logger.Info("activity prompt",
		zap.String("header", header),
		zap.String("summary", summary))
	return false, nil
}

// LogLauncher records launch requests to the log.
type LogLauncher struct {
	logger *zap.Logger
}

// NewLogLauncher constructs a LogLauncher.
func NewLogLauncher(logger *zap.Logger) *LogLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogLauncher{logger: logger}
}

// Launch implements SessionLauncher.
func (l *LogLauncher) Launch(_ context.Context, teamID string, participantIDs []string) error {
	l.logger.Info("session launch requested",
		zap.String("team_id", teamID),
		zap.Strings("participants", participantIDs))
	return nil
}
